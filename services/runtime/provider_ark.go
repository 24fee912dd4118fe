package runtime

import (
	"context"
	"fmt"

	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime/model/responses"
)

// ArkProvider calls Volcengine Ark through the Responses API.
type ArkProvider struct {
	client *arkruntime.Client
}

// NewArkProvider creates an Ark provider. baseURL may be empty.
func NewArkProvider(baseURL, apiKey string) (*ArkProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("ark api key is empty")
	}
	var opts []arkruntime.ConfigOption
	if baseURL != "" {
		opts = append(opts, arkruntime.WithBaseUrl(baseURL))
	}
	return &ArkProvider{client: arkruntime.NewClientWithApiKey(apiKey, opts...)}, nil
}

func (p *ArkProvider) Name() string {
	return ProviderArk
}

func (p *ArkProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	items := make([]*responses.InputItem, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := responses.MessageRole_user
		switch m.Role {
		case "system":
			role = responses.MessageRole_system
		case "assistant":
			role = responses.MessageRole_assistant
		}
		items = append(items, &responses.InputItem{
			Union: &responses.InputItem_InputMessage{
				InputMessage: &responses.ItemInputMessage{
					Role: role,
					Content: []*responses.ContentItem{{
						Union: &responses.ContentItem_Text{
							Text: &responses.ContentItemText{
								Type: responses.ContentItemType_input_text,
								Text: m.Content,
							},
						},
					}},
				},
			},
		})
	}

	temperature := req.Temperature
	arkReq := &responses.ResponsesRequest{
		Model:       req.Model,
		Temperature: &temperature,
		Input: &responses.ResponsesInput{
			Union: &responses.ResponsesInput_ListValue{
				ListValue: &responses.InputItemList{ListValue: items},
			},
		},
	}
	if req.MaxTokens > 0 {
		maxTokens := int64(req.MaxTokens)
		arkReq.MaxOutputTokens = &maxTokens
	}

	resp, err := p.client.CreateResponses(ctx, arkReq)
	if err != nil {
		return nil, fmt.Errorf("ark API error: %w", err)
	}

	out := &ChatResponse{Model: resp.Model, FinishReason: "stop"}
	for _, item := range resp.Output {
		if msg := item.GetOutputMessage(); msg != nil && len(msg.Content) > 0 {
			if text := msg.Content[0].GetText(); text != nil {
				out.Text = text.Text
				break
			}
		}
	}
	if out.Text == "" {
		return nil, fmt.Errorf("no text content found in model response")
	}
	if u := resp.Usage; u != nil {
		out.PromptTokens = int(u.InputTokens)
		out.CompletionTokens = int(u.OutputTokens)
		out.TotalTokens = int(u.TotalTokens)
	}
	return out, nil
}
