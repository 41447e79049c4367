package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const summarySystemPrompt = "You are a helpful assistant that creates concise summaries of conversations. Summarize the key points and outcomes in 2-3 sentences."

// OpenAIConfig holds settings for the OpenAI-compatible adapter.
type OpenAIConfig struct {
	APIKey           string
	Model            string
	SummaryMaxTokens int
}

// OpenAIProvider implements Provider against an OpenAI-compatible chat API.
type OpenAIProvider struct {
	client           *openai.Client
	model            string
	summaryMaxTokens int
}

// NewOpenAI creates a provider backed by the OpenAI chat completions API.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4-turbo-preview"
	}
	maxTokens := cfg.SummaryMaxTokens
	if maxTokens <= 0 {
		maxTokens = 150
	}
	slog.Info("Initializing OpenAI provider", "model", model)
	return &OpenAIProvider{
		client:           openai.NewClient(cfg.APIKey),
		model:            model,
		summaryMaxTokens: maxTokens,
	}, nil
}

// Generate streams one exchange, relaying content deltas as token units and
// accumulating tool-call deltas until the stream ends, at which point each
// completed tool call is emitted followed by UnitDone.
func (p *OpenAIProvider) Generate(ctx context.Context, history []Message, tools []ToolDefinition) iter.Seq2[*StreamUnit, error] {
	return func(yield func(*StreamUnit, error) bool) {
		req := openai.ChatCompletionRequest{
			Model:       p.model,
			Messages:    toOpenAIMessages(history),
			Temperature: 0.7,
		}
		for _, t := range tools {
			req.Tools = append(req.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}

		stream, err := p.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(nil, fmt.Errorf("create completion stream: %w", err))
			return
		}
		defer stream.Close()

		// Tool-call fragments arrive as deltas keyed by index; arguments
		// accumulate across chunks until the stream ends.
		var calls []*ToolCall

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(nil, fmt.Errorf("receive stream chunk: %w", err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				for len(calls) <= idx {
					calls = append(calls, &ToolCall{})
				}
				call := calls[idx]
				if tc.ID != "" {
					call.ID = tc.ID
				}
				if tc.Function.Name != "" {
					call.Name = tc.Function.Name
				}
				call.Arguments += tc.Function.Arguments
			}

			if delta.Content != "" {
				if !yield(&StreamUnit{Kind: UnitToken, Token: delta.Content}, nil) {
					return
				}
			}
		}

		for _, call := range calls {
			if call.Arguments == "" {
				call.Arguments = "{}"
			}
			if !yield(&StreamUnit{Kind: UnitToolCall, ToolCall: call}, nil) {
				return
			}
		}

		yield(&StreamUnit{Kind: UnitDone}, nil)
	}
}

// Summarize condenses the conversation with one non-streaming call.
func (p *OpenAIProvider) Summarize(ctx context.Context, history []Message) (string, error) {
	transcript, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Please summarize this conversation:\n\n" + string(transcript)},
		},
		Temperature: 0.5,
		MaxTokens:   p.summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarize completion: no choices returned")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func toOpenAIMessages(history []Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

var _ Provider = (*OpenAIProvider)(nil)
