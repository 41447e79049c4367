// Package tools implements the tool capability registry: a name-to-handler
// map the provider can invoke mid-turn. Adding a tool never requires touching
// the dispatch path.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/convoserver/internal/provider"
)

// ErrUnknownTool is returned when no handler is registered for a name.
var ErrUnknownTool = errors.New("unknown tool")

// ErrToolTimeout is returned when a handler exceeds the per-call timeout.
var ErrToolTimeout = errors.New("tool execution timed out")

// Handler executes one tool invocation. Implementations should honor ctx;
// the registry additionally bounds wall time for handlers that do not.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Registry is a capability set mapping tool names to handlers.
type Registry struct {
	mu       sync.RWMutex
	defs     []provider.ToolDefinition
	handlers map[string]Handler
	timeout  time.Duration
}

// NewRegistry creates a registry whose invocations are bounded by timeout.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		timeout:  timeout,
	}
}

// Register adds a tool. Re-registering a name replaces its handler.
func (r *Registry) Register(def provider.ToolDefinition, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[def.Name]; !exists {
		r.defs = append(r.defs, def)
	} else {
		for i := range r.defs {
			if r.defs[i].Name == def.Name {
				r.defs[i] = def
				break
			}
		}
	}
	r.handlers[def.Name] = h
}

// Definitions returns the registered tool schema in registration order.
func (r *Registry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]provider.ToolDefinition, len(r.defs))
	copy(defs, r.defs)
	return defs
}

// Invoke executes one tool call, bounded by the per-call timeout. An unknown
// name or a timeout is reported as an error; the caller converts errors into
// tool-result payloads so a failing tool never kills a session.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)

	// Run the handler on its own goroutine so a handler that ignores ctx
	// cannot hang the session past the timeout.
	go func() {
		out, err := handler(ctx, args)
		done <- result{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("tool %s: %w", name, res.err)
		}
		return res.out, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s after %s", ErrToolTimeout, name, r.timeout)
		}
		return "", fmt.Errorf("tool %s: %w", name, ctx.Err())
	}
}
