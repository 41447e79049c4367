package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/convoserver/internal/domain"
	"github.com/ashureev/convoserver/internal/provider"
	"github.com/ashureev/convoserver/internal/tools"
)

// State is a session's lifecycle state.
type State string

const (
	// StateActive means a transport is (or was just) attached and the
	// session accepts user messages.
	StateActive State = "active"
	// StateDraining means the transport disconnected and the grace timer is
	// running; a reconnect before expiry returns to Active.
	StateDraining State = "draining"
	// StateClosed is terminal. The instance is no longer addressable.
	StateClosed State = "closed"
)

// finalizeTimeout bounds the terminal transition's store and provider work.
const finalizeTimeout = 30 * time.Second

// Machine owns one session for its entire lifetime. All turn work within a
// session is strictly sequential: at most one provider exchange or tool call
// is in flight at any time.
type Machine struct {
	id        string
	userID    string
	startTime time.Time

	registry   *Registry
	provider   provider.Provider
	tools      *tools.Registry
	log        *EventLog
	summarizer *Summarizer

	gracePeriod   time.Duration
	maxToolRounds int

	turnMu sync.Mutex // serializes turns and the explicit-end path

	mu         sync.Mutex
	state      State
	transport  Transport
	graceTimer *time.Timer
	history    []provider.Message

	finalizeOnce sync.Once
	done         chan struct{}
}

// ID returns the session id.
func (m *Machine) ID() string { return m.id }

// StartTime returns the immutable session start time.
func (m *Machine) StartTime() time.Time { return m.startTime }

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done is closed once the terminal transition has completed.
func (m *Machine) Done() <-chan struct{} { return m.done }

// reattach cancels a pending grace timer and returns the machine to Active.
// It reports false when the machine already closed (or the timer fired and
// finalization is underway), in which case the caller must treat the session
// as terminal.
func (m *Machine) reattach() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return false
	}
	if m.graceTimer != nil {
		if !m.graceTimer.Stop() {
			// Timer function already started; finalization won the race.
			return false
		}
		m.graceTimer = nil
	}
	m.state = StateActive
	return true
}

// Attach binds a transport to the session. A previously attached transport is
// simply superseded; its read loop will detach itself when its connection
// dies.
func (m *Machine) Attach(t Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return ErrSessionClosed
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.transport = t
	m.state = StateActive
	return nil
}

// Detach removes the transport and starts the grace timer. A detach for a
// transport that has already been superseded is a no-op.
func (m *Machine) Detach(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport != t {
		return
	}
	m.transport = nil
	if m.state != StateActive {
		return
	}
	m.state = StateDraining
	m.graceTimer = time.AfterFunc(m.gracePeriod, m.onGraceExpired)
	slog.Info("session draining", "session_id", m.id, "grace_period", m.gracePeriod)
}

func (m *Machine) onGraceExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	m.finalize(ctx, "grace period expired")
}

// EndNow finalizes the session immediately, skipping the grace window. Used
// for the explicit client end frame; returns the synopsis so the transport
// can deliver a summary_ready frame before closing.
func (m *Machine) EndNow(ctx context.Context) string {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	// Finalization must outlive the connection that requested it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	summary, _ := m.finalize(ctx, "client ended session")
	return summary
}

// Shutdown force-finalizes the session during process teardown.
func (m *Machine) Shutdown(ctx context.Context) {
	m.finalize(ctx, "server shutting down")
}

// finalize performs the Draining -> Closed transition at most once per
// machine: terminal fields, summary, registry release. The one-shot guard
// plus the store's idempotent terminal writes keep duplicate timer fires and
// crash-restart races down to a single summary.
func (m *Machine) finalize(ctx context.Context, reason string) (string, bool) {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return "", false
	}
	m.state = StateClosed
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
	m.mu.Unlock()

	var summary string
	m.finalizeOnce.Do(func() {
		defer close(m.done)
		slog.Info("session closing", "session_id", m.id, "reason", reason)
		summary = m.summarizer.Finalize(ctx, m.id, m.startTime)
		m.registry.release(m.id, m)
	})
	return summary, true
}

// HandleUserMessage logs the user event and drives the turn loop: one
// provider exchange, extended by tool rounds until the provider finishes
// without requesting more tools.
func (m *Machine) HandleUserMessage(ctx context.Context, text string) error {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()

	if m.State() == StateClosed {
		return ErrSessionClosed
	}

	m.recordEvent(ctx, &domain.Event{Role: domain.RoleUser, Content: text})
	m.appendHistory(provider.Message{Role: string(domain.RoleUser), Content: text})

	return m.runTurn(ctx)
}

func (m *Machine) runTurn(ctx context.Context) error {
	for round := 0; ; round++ {
		if round >= m.maxToolRounds {
			slog.Warn("tool round limit reached, abandoning turn", "session_id", m.id, "rounds", round)
			m.sendFrame(ctx, Frame{Type: FrameError, Content: "tool round limit reached"})
			return nil
		}

		var assistant strings.Builder
		var calls []provider.ToolCall
		var streamErr error

		for unit, err := range m.provider.Generate(ctx, m.snapshotHistory(), m.tools.Definitions()) {
			if err != nil {
				streamErr = err
				break
			}
			switch unit.Kind {
			case provider.UnitToken:
				assistant.WriteString(unit.Token)
				m.sendFrame(ctx, Frame{Type: FrameToken, Content: unit.Token})
			case provider.UnitToolCall:
				if unit.ToolCall != nil {
					calls = append(calls, *unit.ToolCall)
				}
			case provider.UnitDone:
			}
		}

		if streamErr != nil {
			// The turn is abandoned without fabricating an assistant event;
			// the session stays Active for the next user message.
			slog.Error("provider exchange failed", "session_id", m.id, "error", streamErr)
			m.sendFrame(ctx, Frame{Type: FrameError, Content: "model provider error"})
			return fmt.Errorf("provider exchange: %w", streamErr)
		}

		if text := assistant.String(); text != "" {
			m.recordEvent(ctx, &domain.Event{Role: domain.RoleAssistant, Content: text})
			m.appendHistory(provider.Message{Role: string(domain.RoleAssistant), Content: text})
		}

		if len(calls) == 0 {
			m.sendFrame(ctx, Frame{Type: FrameDone})
			return nil
		}

		for _, call := range calls {
			m.runToolCall(ctx, call)
		}
	}
}

// runToolCall executes one tool round step: log the invocation request as an
// assistant event, dispatch the tool, log exactly one tool-result event. Tool
// failures of any kind become error payloads in the result; they never
// propagate past this boundary.
func (m *Machine) runToolCall(ctx context.Context, call provider.ToolCall) {
	m.recordEvent(ctx, &domain.Event{
		Role:       domain.RoleAssistant,
		Content:    call.Arguments,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
	m.appendHistory(provider.Message{
		Role:      string(domain.RoleAssistant),
		ToolCalls: []provider.ToolCall{call},
	})
	m.sendFrame(ctx, Frame{Type: FrameToolCall, ToolName: call.Name, ToolCallID: call.ID})

	// An in-flight call runs to completion even if the connection goes away;
	// the result event is still logged, only the relay is dropped.
	result, err := m.tools.Invoke(context.WithoutCancel(ctx), call.Name, json.RawMessage(call.Arguments))
	if err != nil {
		slog.Warn("tool invocation failed", "session_id", m.id, "tool", call.Name, "error", err)
		result = toolErrorPayload(err)
	}

	m.recordEvent(ctx, &domain.Event{
		Role:       domain.RoleTool,
		Content:    result,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
	m.appendHistory(provider.Message{
		Role:       string(domain.RoleTool),
		Content:    result,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
	m.sendFrame(ctx, Frame{Type: FrameToolResult, ToolName: call.Name, Content: result})
}

// recordEvent appends to the durable log. Appends survive connection-level
// cancellation so tool results arriving after a disconnect still land; a
// failed append after retries leaves a best-effort gap and the conversation
// continues.
func (m *Machine) recordEvent(ctx context.Context, ev *domain.Event) {
	if _, err := m.log.Append(context.WithoutCancel(ctx), ev); err != nil {
		slog.Error("dropping event after failed append",
			"session_id", m.id, "role", ev.Role, "error", err)
	}
}

func (m *Machine) appendHistory(msg provider.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, msg)
}

func (m *Machine) snapshotHistory() []provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]provider.Message, len(m.history))
	copy(history, m.history)
	return history
}

// sendFrame relays to the attached transport. With no transport attached
// (draining) the frame is discarded; durable logging is unaffected.
func (m *Machine) sendFrame(ctx context.Context, f Frame) {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(ctx, f); err != nil {
		slog.Debug("transport send failed", "session_id", m.id, "frame", f.Type, "error", err)
	}
}

func toolErrorPayload(err error) string {
	payload, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return `{"error":"tool execution failed"}`
	}
	return string(payload)
}
