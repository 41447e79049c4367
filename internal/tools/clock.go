package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashureev/convoserver/internal/provider"
)

const emptyObjectSchema = `{"type":"object","properties":{},"required":[]}`

// RegisterBuiltins adds the built-in tool set to the registry.
func RegisterBuiltins(r *Registry) {
	r.Register(provider.ToolDefinition{
		Name:        "get_current_time",
		Description: "Get the current date and time in ISO format",
		Parameters:  json.RawMessage(emptyObjectSchema),
	}, getCurrentTime)
}

func getCurrentTime(_ context.Context, _ json.RawMessage) (string, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}
