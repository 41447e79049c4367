package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/convoserver/internal/domain"
	"github.com/ashureev/convoserver/internal/store"
	"github.com/cenkalti/backoff/v4"
)

// EventLog serializes all appends for one session so that store-assigned id
// order matches the order appends were issued. Appends for different sessions
// go through different EventLog instances and interleave freely.
type EventLog struct {
	repo       store.Repository
	sessionID  string
	maxRetries uint64

	mu sync.Mutex
}

// NewEventLog creates the append path for one session.
func NewEventLog(repo store.Repository, sessionID string, maxRetries int) *EventLog {
	return &EventLog{
		repo:       repo,
		sessionID:  sessionID,
		maxRetries: uint64(maxRetries),
	}
}

// Append durably inserts one event, retrying transient store failures with
// exponential backoff up to the bounded attempt count. On exhaustion the
// failure is logged as a diagnostic and returned; callers treat a dropped
// event as a best-effort log gap, never a session-fatal condition.
func (l *EventLog) Append(ctx context.Context, event *domain.Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.SessionID = l.sessionID

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	var id int64
	op := func() error {
		assigned, err := l.repo.AppendEvent(ctx, event)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		id = assigned
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, l.maxRetries), ctx))
	if err != nil {
		slog.Error("event append failed after retries",
			"session_id", l.sessionID,
			"role", event.Role,
			"error", err)
		return 0, err
	}

	return id, nil
}
