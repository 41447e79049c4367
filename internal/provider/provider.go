// Package provider abstracts the language-model capability consumed by the
// session engine: one streaming exchange per call, plus a non-streaming
// summarization call.
package provider

import (
	"context"
	"encoding/json"
	"iter"
)

// Message is one entry of the conversation history handed to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tool invocations.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set on tool-role messages and correlates the result back
	// to the assistant request that asked for it.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is set alongside ToolCallID on tool-role messages.
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCall is a provider request to invoke an external capability.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes one registered tool to the provider.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// UnitKind discriminates stream units.
type UnitKind int

const (
	// UnitToken carries one incremental chunk of assistant text.
	UnitToken UnitKind = iota
	// UnitToolCall carries a completed tool invocation request.
	UnitToolCall
	// UnitDone marks the normal end of an exchange.
	UnitDone
)

// StreamUnit is one unit of provider output within an exchange.
type StreamUnit struct {
	Kind     UnitKind
	Token    string
	ToolCall *ToolCall
}

// Provider is the model capability consumed by the session engine.
type Provider interface {
	// Generate drives exactly one exchange for the given history. The
	// returned sequence is finite and not restartable; tokens must be
	// consumed (and relayed) as they arrive. Tool-call units may appear
	// before the terminal UnitDone. A non-nil error ends the exchange
	// abnormally; no units follow it.
	Generate(ctx context.Context, history []Message, tools []ToolDefinition) iter.Seq2[*StreamUnit, error]

	// Summarize condenses a full conversation into a short synopsis with a
	// single non-streaming call.
	Summarize(ctx context.Context, history []Message) (string, error)
}
