// Package domain contains core domain types for the conversation backend.
package domain

import (
	"time"
)

// Session represents one logical conversation, identified by an opaque id.
// A session may span multiple WebSocket connections (reconnects within the
// grace window attach to the same session).
type Session struct {
	SessionID       string     `json:"session_id"`
	UserID          string     `json:"user_id,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	Summary         *string    `json:"summary,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Finalized returns true once the terminal fields have been written.
// A finalized session never accepts new connections or events.
func (s *Session) Finalized() bool {
	return s.EndTime != nil
}

// Duration returns the recorded session duration, or the elapsed time since
// start for a session that has not been finalized yet.
func (s *Session) Duration() time.Duration {
	if s.DurationSeconds != nil {
		return time.Duration(*s.DurationSeconds) * time.Second
	}
	return time.Since(s.StartTime)
}
