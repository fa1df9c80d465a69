package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ausmarton/agentforge/internal/tools"
	"github.com/ausmarton/agentforge/pkg/runtypes"
)

// OpenAIClient is a non-streaming ChatClient backed by the Chat
// Completions API.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIClient builds a client from an API key.
func NewOpenAIClient(apiKey, defaultModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &OpenAIClient{client: openai.NewClient(apiKey), defaultModel: defaultModel}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := convertMessagesToOpenAI(req.Messages, req.System)
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.TopP > 0 {
		chatReq.TopP = float32(req.TopP)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToolsToOpenAI(req.Tools)
	}

	completion, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return &ChatResponse{}, nil
	}

	choice := completion.Choices[0].Message
	resp := &ChatResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		var input json.RawMessage
		if json.Valid([]byte(tc.Function.Arguments)) {
			input = json.RawMessage(tc.Function.Arguments)
		} else {
			input = rawArgsFallback(tc.Function.Arguments)
		}
		resp.ToolCalls = append(resp.ToolCalls, runtypes.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return resp, nil
}

func convertMessagesToOpenAI(messages []runtypes.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case "tool":
			for _, tr := range m.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

func convertToolsToOpenAI(toolDefs []tools.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(toolDefs))
	for _, t := range toolDefs {
		var params any
		_ = json.Unmarshal(t.Schema(), &params)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  params,
			},
		})
	}
	return out
}
