package testutil

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// MockHTTPClient is a scripted HTTP client for OpenAI-compatible chat
// endpoints. Responses are consumed in order and the last one repeats once
// the queue is drained.
type MockHTTPClient struct {
	mu        sync.Mutex
	responses []MockResponse
	last      *MockResponse
	requests  []*http.Request
	bodies    [][]byte
}

// MockResponse is one scripted reply. A non-nil Error fails the round trip
// before any status is returned.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Error      error
}

// NewMockHTTPClient creates a client with no scripted replies.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a reply.
func (m *MockHTTPClient) AddResponse(resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// Do records req and returns the next reply.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)

	if len(m.responses) > 0 {
		next := m.responses[0]
		m.responses = m.responses[1:]
		m.last = &next
	}
	if m.last == nil {
		return nil, &MockError{Message: "no mock response configured"}
	}
	resp := m.last
	if resp.Error != nil {
		return nil, resp.Error
	}

	httpResp := &http.Response{
		StatusCode: resp.StatusCode,
		Body:       io.NopCloser(strings.NewReader(resp.Body)),
		Header:     make(http.Header),
		Request:    req,
	}
	for k, v := range resp.Headers {
		httpResp.Header.Set(k, v)
	}
	return httpResp, nil
}

// Requests returns all captured requests.
func (m *MockHTTPClient) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// LastRequest returns the last captured request.
func (m *MockHTTPClient) LastRequest() *http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// LastRequestBody returns the body of the last captured request.
func (m *MockHTTPClient) LastRequestBody() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bodies) == 0 {
		return nil
	}
	return m.bodies[len(m.bodies)-1]
}

// MockError is a transport failure.
type MockError struct {
	Message string
}

func (e *MockError) Error() string {
	return e.Message
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int               `json:"index"`
	Message      map[string]string `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// MockChatCompletion is a successful chat completion carrying content and
// the given token usage.
func MockChatCompletion(content string, promptTokens, completionTokens int) MockResponse {
	body, _ := sonic.Marshal(chatCompletion{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  "qwen-plus",
		Choices: []chatChoice{{
			Message:      map[string]string{"role": "assistant", "content": content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	})
	return jsonResponse(http.StatusOK, string(body))
}

// MockOpenAIResponse is a chat completion with 10 prompt and 20 completion
// tokens.
func MockOpenAIResponse(content string) MockResponse {
	return MockChatCompletion(content, 10, 20)
}

// MockErrorResponse is a provider error body with the given status.
func MockErrorResponse(statusCode int, message string) MockResponse {
	body, _ := sonic.Marshal(map[string]any{
		"error": map[string]string{"message": message, "type": "error"},
	})
	return jsonResponse(statusCode, string(body))
}

// MockConnectionError fails the round trip.
func MockConnectionError() MockResponse {
	return MockResponse{Error: &MockError{Message: "connection refused"}}
}

// MockMalformedJSON is a 200 with a truncated body.
func MockMalformedJSON() MockResponse {
	return jsonResponse(http.StatusOK, `{"invalid json`)
}

func jsonResponse(status int, body string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       body,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
