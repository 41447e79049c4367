// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/convoserver/internal/domain"
)

// Repository defines the interface for persisting sessions and their events.
type Repository interface {
	// CreateSession inserts a session row if none exists for sessionID and
	// records its start time. It returns the row (existing or freshly
	// created) and whether this call created it.
	CreateSession(ctx context.Context, sessionID, userID string) (*domain.Session, bool, error)

	// GetSession retrieves a session by id. Returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// AppendEvent inserts an immutable event and returns the store-assigned
	// id. Ids are monotonically increasing and are the ordering source of
	// truth for a session's history.
	AppendEvent(ctx context.Context, event *domain.Event) (int64, error)

	// ListEvents returns all events for a session in id order.
	ListEvents(ctx context.Context, sessionID string) ([]*domain.Event, error)

	// FinalizeSession writes the terminal fields (end_time, duration). It is
	// idempotent: a session that already carries an end time is left alone.
	FinalizeSession(ctx context.Context, sessionID string, endTime time.Time, duration time.Duration) error

	// UpsertSessionSummary writes the session synopsis. Safe to apply twice
	// with the same or a refreshed value.
	UpsertSessionSummary(ctx context.Context, sessionID, summary string) error

	// DeleteSession removes a session and, by cascade, its events.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
