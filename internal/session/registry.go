package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/convoserver/internal/config"
	"github.com/ashureev/convoserver/internal/provider"
	"github.com/ashureev/convoserver/internal/store"
	"github.com/ashureev/convoserver/internal/tools"
)

// Registry is the process-wide table of live session machines, keyed by
// session id. It is constructed once at startup and passed explicitly to the
// transport layer; acquire and release are mutually exclusive, so concurrent
// connections for one id converge on exactly one machine.
type Registry struct {
	repo     store.Repository
	provider provider.Provider
	tools    *tools.Registry
	cfg      *config.Config

	mu       sync.Mutex
	machines map[string]*Machine
}

// NewRegistry creates the session registry.
func NewRegistry(repo store.Repository, p provider.Provider, t *tools.Registry, cfg *config.Config) *Registry {
	return &Registry{
		repo:     repo,
		provider: p,
		tools:    t,
		cfg:      cfg,
		machines: make(map[string]*Machine),
	}
}

// Acquire returns the live machine for sessionID, cancelling its grace timer
// (reconnection), or constructs a new one. A session whose stored row is
// already finalized is rejected with ErrSessionClosed; post-close
// conversations require a fresh id.
func (r *Registry) Acquire(ctx context.Context, sessionID, userID string) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.machines[sessionID]; ok {
		if m.reattach() {
			slog.Info("session reattached", "session_id", sessionID)
			return m, nil
		}
		// The grace timer fired while this connection raced in; the entry
		// will be released by the closing machine momentarily.
		return nil, ErrSessionClosed
	}

	sess, created, err := r.repo.CreateSession(ctx, sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	if sess.Finalized() {
		return nil, ErrSessionClosed
	}

	m := &Machine{
		id:            sessionID,
		userID:        sess.UserID,
		startTime:     sess.StartTime,
		registry:      r,
		provider:      r.provider,
		tools:         r.tools,
		log:           NewEventLog(r.repo, sessionID, r.cfg.AppendMaxRetries),
		gracePeriod:   r.cfg.GracePeriod,
		maxToolRounds: r.cfg.MaxToolRounds,
		state:         StateActive,
		done:          make(chan struct{}),
	}
	m.summarizer = NewSummarizer(r.repo, r.provider)

	if created {
		m.history = []provider.Message{{
			Role:    "system",
			Content: r.cfg.Provider.SystemPrompt,
		}}
		slog.Info("session created", "session_id", sessionID, "user_id", userID)
	} else {
		// A row without terminal fields but no live machine: the process
		// restarted (or a prior grace window never ran down). Rebuild the
		// provider history from the durable log.
		events, err := r.repo.ListEvents(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session history: %w", err)
		}
		m.history = historyFromEvents(events, r.cfg.Provider.SystemPrompt)
		slog.Info("session resumed from store", "session_id", sessionID, "events", len(events))
	}

	r.machines[sessionID] = m
	return m, nil
}

// release removes the mapping; called only by the owning machine at its
// Closed transition. The pointer check keeps a stale close from evicting a
// newer machine registered under the same id.
func (r *Registry) release(sessionID string, m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.machines[sessionID]; ok && current == m {
		delete(r.machines, sessionID)
		slog.Info("session released", "session_id", sessionID)
	}
}

// Live reports whether a machine currently owns sessionID.
func (r *Registry) Live(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.machines[sessionID]
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// DrainAll finalizes every live session; used during graceful shutdown.
func (r *Registry) DrainAll(ctx context.Context) {
	r.mu.Lock()
	machines := make([]*Machine, 0, len(r.machines))
	for _, m := range r.machines {
		machines = append(machines, m)
	}
	r.mu.Unlock()

	if len(machines) == 0 {
		return
	}
	slog.Info("draining live sessions", "count", len(machines))

	var wg sync.WaitGroup
	for _, m := range machines {
		wg.Add(1)
		go func(m *Machine) {
			defer wg.Done()
			m.Shutdown(ctx)
		}(m)
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		slog.Warn("session drain cut short", "error", ctx.Err())
	case <-time.After(finalizeTimeout):
		slog.Warn("session drain timed out")
	}
}
