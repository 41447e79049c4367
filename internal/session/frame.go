// Package session implements the session lifecycle engine: the registry of
// live sessions, the per-session state machine and turn loop, the serialized
// event log writer, and the terminal summarizer.
package session

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned when a session id refers to an instance or a
// stored row that has already reached its terminal state. Clients must start
// a fresh conversation under a new id.
var ErrSessionClosed = errors.New("session closed")

// Outbound frame types.
const (
	FrameSession      = "session"
	FrameToken        = "token"
	FrameToolCall     = "tool_call"
	FrameToolResult   = "tool_result"
	FrameDone         = "done"
	FrameError        = "error"
	FramePong         = "pong"
	FrameSummaryReady = "summary_ready"
)

// Frame is one outbound message to the client.
type Frame struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	Content    string `json:"content,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Transport is the duplex channel a machine relays output to. Implementations
// must be safe for use from the machine's goroutine and serialize writes.
type Transport interface {
	Send(ctx context.Context, f Frame) error
}
