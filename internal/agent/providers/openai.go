package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements agent.Provider against the OpenAI chat
// completions API. Safe for concurrent use.
//
// Differences from the Anthropic provider: the system prompt is the
// first message of the array, and every tool result travels as its own
// role=tool message keyed by tool_call_id.
type OpenAIProvider struct {
	client       *openai.Client
	apiKey       string
	defaultModel string
	maxTokens    int
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

// NewOpenAIProvider creates the provider. An empty API key is allowed;
// the provider then reports Available() == false.
func NewOpenAIProvider(config OpenAIConfig) *OpenAIProvider {
	if config.DefaultModel == "" {
		config.DefaultModel = defaultOpenAIModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		apiKey:       config.APIKey,
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
	}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Available reports whether an API key is configured.
func (p *OpenAIProvider) Available() bool {
	return p.apiKey != ""
}

// Complete sends one non-streaming completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	model := p.getModel(req.Model)
	if p.apiKey == "" {
		return nil, &ProviderError{
			Reason:   FailAuth,
			Provider: "openai",
			Model:    model,
			Message:  "no api key configured",
		}
	}

	apiReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  p.convertMessages(req.System, req.Messages),
		MaxTokens: p.getMaxTokens(req.MaxTokens),
	}
	if len(req.Tools) > 0 {
		apiReq.Tools = convertOpenAITools(req.Tools)
	}

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	if len(resp.Choices) == 0 {
		return nil, NewProviderError("openai", model, fmt.Errorf("empty response"))
	}

	choice := resp.Choices[0].Message
	comp := &agent.Completion{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		comp.ToolCalls = append(comp.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return comp, nil
}

func (p *OpenAIProvider) convertMessages(system string, messages []agent.CompletionMessage) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, m)
		case "tool":
			// One message per result, keyed by tool_call_id.
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

func convertOpenAITools(tools []agent.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return result
}

func (p *OpenAIProvider) getModel(model string) string {
	if model != "" {
		return model
	}
	return p.defaultModel
}

func (p *OpenAIProvider) getMaxTokens(maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	return p.maxTokens
}

// wrapError converts SDK errors into classified ProviderErrors.
func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError("openai", model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if apiErr.Type != "" {
			pe = pe.WithCode(apiErr.Type)
		}
		return pe
	}

	return NewProviderError("openai", model, err)
}
