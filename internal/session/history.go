package session

import (
	"github.com/ashureev/convoserver/internal/domain"
	"github.com/ashureev/convoserver/internal/provider"
)

// historyFromEvents rebuilds provider-facing conversation history from the
// durable event log. Assistant events carrying a tool_call_id are invocation
// requests and map back to tool-call messages; their content holds the raw
// arguments. When systemPrompt is non-empty it is prepended as the opening
// system message.
func historyFromEvents(events []*domain.Event, systemPrompt string) []provider.Message {
	history := make([]provider.Message, 0, len(events)+1)
	if systemPrompt != "" {
		history = append(history, provider.Message{
			Role:    string(domain.RoleSystem),
			Content: systemPrompt,
		})
	}

	for _, ev := range events {
		switch {
		case ev.IsToolCall():
			history = append(history, provider.Message{
				Role: string(domain.RoleAssistant),
				ToolCalls: []provider.ToolCall{{
					ID:        ev.ToolCallID,
					Name:      ev.ToolName,
					Arguments: ev.Content,
				}},
			})
		case ev.Role == domain.RoleTool:
			history = append(history, provider.Message{
				Role:       string(domain.RoleTool),
				Content:    ev.Content,
				ToolCallID: ev.ToolCallID,
				ToolName:   ev.ToolName,
			})
		default:
			history = append(history, provider.Message{
				Role:    string(ev.Role),
				Content: ev.Content,
			})
		}
	}

	return history
}
