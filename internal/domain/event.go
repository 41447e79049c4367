package domain

import (
	"time"
)

// Role identifies who produced an event.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Event is one immutable, ordered record within a session: a message, a tool
// invocation request, or a tool result. The store-assigned id is the ordering
// source of truth; events are never mutated after append.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	// ToolCallID and ToolName are set on tool results, and on the assistant
	// events that represent the matching invocation requests.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsToolCall reports whether this assistant event represents a tool
// invocation request rather than conversational text.
func (e *Event) IsToolCall() bool {
	return e.Role == RoleAssistant && e.ToolCallID != ""
}
