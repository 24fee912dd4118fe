package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	openAIBaseURL    = "https://api.openai.com/v1"
	dashScopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
)

// HTTPDoer is the subset of *http.Client the HTTP providers use.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint,
// including DashScope's compatible mode.
type OpenAIProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient HTTPDoer
}

// NewOpenAIProvider creates an OpenAI-compatible provider. An empty baseURL
// selects the default endpoint for name.
func NewOpenAIProvider(name, baseURL, apiKey string, httpClient HTTPDoer) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultBaseURL(name)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func defaultBaseURL(name string) string {
	if name == ProviderOpenAI {
		return openAIBaseURL
	}
	return dashScopeBaseURL
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

// OpenAI API types
type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model           string          `json:"model"`
	Messages        []openAIMessage `json:"messages"`
	Temperature     float64         `json:"temperature"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	TopK            int             `json:"top_k,omitempty"`
	EnableReasoning bool            `json:"enable_reasoning,omitempty"`
}

type openAIChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	body, err := sonic.Marshal(openAIRequest{
		Model:           req.Model,
		Messages:        messages,
		Temperature:     req.Temperature,
		MaxTokens:       req.MaxTokens,
		TopK:            req.TopK,
		EnableReasoning: req.EnableReasoning,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Provider: p.name, StatusCode: resp.StatusCode}
		var body openAIError
		if err := sonic.Unmarshal(respBody, &body); err == nil {
			apiErr.Message = body.Error.Message
		}
		return nil, apiErr
	}

	var out openAIResponse
	if err := sonic.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := out.Choices[0]
	result := &ChatResponse{
		Text:         choice.Message.Content,
		Model:        out.Model,
		FinishReason: choice.FinishReason,
	}
	if out.Usage != nil {
		result.PromptTokens = out.Usage.PromptTokens
		result.CompletionTokens = out.Usage.CompletionTokens
		result.TotalTokens = out.Usage.TotalTokens
	}
	return result, nil
}

// Close releases idle connections held by the provider's own HTTP client.
func (p *OpenAIProvider) Close() error {
	if c, ok := p.httpClient.(*http.Client); ok {
		c.CloseIdleConnections()
	}
	return nil
}
