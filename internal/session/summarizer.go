package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/convoserver/internal/provider"
	"github.com/ashureev/convoserver/internal/store"
	"github.com/cenkalti/backoff/v4"
)

// Summarizer performs the terminal transition's durable work: persisting the
// session's end time and duration, then condensing the full event history
// into a one-paragraph synopsis with a single provider call.
type Summarizer struct {
	repo     store.Repository
	provider provider.Provider
}

// NewSummarizer creates a summarizer over the given store and provider.
func NewSummarizer(repo store.Repository, p provider.Provider) *Summarizer {
	return &Summarizer{repo: repo, provider: p}
}

// Finalize writes the terminal session fields and, when history exists,
// generates and persists the summary. A failed provider call leaves the
// summary null; recording that the session ended is never blocked on it.
// Returns the synopsis, or "" when none was produced.
func (s *Summarizer) Finalize(ctx context.Context, sessionID string, startTime time.Time) string {
	endTime := time.Now()
	duration := endTime.Sub(startTime)

	// Terminal fields first. The summary is best-effort; these are not.
	persist := func() error {
		return s.repo.FinalizeSession(ctx, sessionID, endTime, duration)
	}
	if err := backoff.Retry(persist, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)); err != nil {
		slog.Error("failed to persist terminal session fields", "session_id", sessionID, "error", err)
	}

	events, err := s.repo.ListEvents(ctx, sessionID)
	if err != nil {
		slog.Error("failed to load events for summary", "session_id", sessionID, "error", err)
		return ""
	}
	if len(events) == 0 {
		slog.Info("no events recorded, skipping summary", "session_id", sessionID)
		return ""
	}

	// Tool results carry factual content, so the full history goes in.
	history := historyFromEvents(events, "")

	summary, err := s.provider.Summarize(ctx, history)
	if err != nil {
		slog.Warn("summary generation failed, leaving summary empty",
			"session_id", sessionID, "error", err)
		return ""
	}

	if err := s.repo.UpsertSessionSummary(ctx, sessionID, summary); err != nil {
		slog.Error("failed to persist session summary", "session_id", sessionID, "error", err)
		return ""
	}

	slog.Info("session summarized",
		"session_id", sessionID,
		"duration_seconds", int64(duration.Seconds()),
		"events", len(events))
	return summary
}
