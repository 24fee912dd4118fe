package runtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/testutil"
)

func TestOpenAIProvider_Chat(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockChatCompletion("答案：B", 12, 30))

	p := NewOpenAIProvider(ProviderDashScope, "", "sk-test", mock)
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model: "qwen-plus",
		Messages: []Message{
			{Role: "system", Content: "你是一个专业的问答助手。"},
			{Role: "user", Content: "1+1=?"},
		},
		Temperature: 0.7,
		MaxTokens:   2000,
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if resp.Text != "答案：B" {
		t.Errorf("Text = %q, want %q", resp.Text, "答案：B")
	}
	if resp.PromptTokens != 12 || resp.CompletionTokens != 30 || resp.TotalTokens != 42 {
		t.Errorf("usage = %d/%d/%d, want 12/30/42", resp.PromptTokens, resp.CompletionTokens, resp.TotalTokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}

	req := mock.LastRequest()
	if got := req.URL.String(); got != dashScopeBaseURL+"/chat/completions" {
		t.Errorf("URL = %s", got)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}

	var body map[string]interface{}
	if err := sonic.Unmarshal(mock.LastRequestBody(), &body); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if _, ok := body["top_k"]; ok {
		t.Error("top_k sent although unset")
	}
	if _, ok := body["enable_reasoning"]; ok {
		t.Error("enable_reasoning sent although false")
	}
	if msgs := body["messages"].([]interface{}); len(msgs) != 2 {
		t.Errorf("messages = %d, want 2", len(msgs))
	}
}

func TestOpenAIProvider_OptionalParams(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockOpenAIResponse("ok"))

	p := NewOpenAIProvider(ProviderOpenAI, "http://localhost:8080/v1/", "k", mock)
	_, err := p.Chat(context.Background(), ChatRequest{
		Model:           "m",
		Messages:        []Message{{Role: "user", Content: "q"}},
		TopK:            20,
		EnableReasoning: true,
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}

	if got := mock.LastRequest().URL.String(); got != "http://localhost:8080/v1/chat/completions" {
		t.Errorf("URL = %s", got)
	}
	body := string(mock.LastRequestBody())
	if !strings.Contains(body, `"top_k":20`) {
		t.Errorf("body missing top_k: %s", body)
	}
	if !strings.Contains(body, `"enable_reasoning":true`) {
		t.Errorf("body missing enable_reasoning: %s", body)
	}
}

func TestOpenAIProvider_Errors(t *testing.T) {
	tests := []struct {
		name      string
		resp      testutil.MockResponse
		wantAPI   bool
		status    int
		retryable bool
	}{
		{"unauthorized", testutil.MockErrorResponse(http.StatusUnauthorized, "invalid api key"), true, 401, false},
		{"rate limited", testutil.MockErrorResponse(http.StatusTooManyRequests, "slow down"), true, 429, true},
		{"server error", testutil.MockErrorResponse(http.StatusBadGateway, "upstream"), true, 502, true},
		{"connection refused", testutil.MockConnectionError(), false, 0, true},
		{"malformed json", testutil.MockMalformedJSON(), false, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockHTTPClient()
			mock.AddResponse(tt.resp)

			p := NewOpenAIProvider(ProviderOpenAI, "", "k", mock)
			_, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
			if err == nil {
				t.Fatal("expected error")
			}

			var apiErr *APIError
			if got := errors.As(err, &apiErr); got != tt.wantAPI {
				t.Fatalf("errors.As(APIError) = %v, want %v (err=%v)", got, tt.wantAPI, err)
			}
			if tt.wantAPI && apiErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, tt.status)
			}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	mock := testutil.NewMockHTTPClient()
	mock.AddResponse(testutil.MockResponse{StatusCode: 200, Body: `{"id":"x","choices":[]}`})

	p := NewOpenAIProvider(ProviderOpenAI, "", "k", mock)
	if _, err := p.Chat(context.Background(), ChatRequest{Model: "m"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("IsRetryable(nil) = true")
	}
	if IsRetryable(context.Canceled) {
		t.Error("IsRetryable(context.Canceled) = true")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Error("IsRetryable(context.DeadlineExceeded) = false")
	}
	if IsRetryable(&APIError{StatusCode: 400}) {
		t.Error("400 should not be retryable")
	}
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Provider: "openai", StatusCode: 401, Message: "bad key"}
	if got := err.Error(); got != "openai API error (status 401): bad key" {
		t.Errorf("Error() = %q", got)
	}
	err = &APIError{Provider: "openai", StatusCode: 500}
	if got := err.Error(); got != "openai API error: status 500" {
		t.Errorf("Error() = %q", got)
	}
}
