// Package runtime is the model invocation layer: chat providers, the model
// catalog and the pool that shares provider clients across tasks.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Message represents a chat message.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// ChatRequest is a single chat completion call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// TopK is omitted from the wire request when zero.
	TopK            int
	EnableReasoning bool
}

// ChatResponse is the provider-neutral completion result.
type ChatResponse struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	FinishReason     string
}

// Provider performs chat completions against one endpoint with one
// credential.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Chat performs a completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// APIError is a non-success response from a provider endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s API error: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Retryable reports whether repeating the call may succeed. Client errors
// other than 429 are final.
func (e *APIError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
