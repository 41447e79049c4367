package api

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/convoserver/internal/config"
	"github.com/ashureev/convoserver/internal/domain"
	"github.com/ashureev/convoserver/internal/provider"
	"github.com/ashureev/convoserver/internal/session"
	"github.com/ashureev/convoserver/internal/store"
	"github.com/ashureev/convoserver/internal/tools"
	"github.com/go-chi/chi/v5"
)

// noopProvider satisfies provider.Provider for tests that never run a turn.
type noopProvider struct{}

func (noopProvider) Generate(context.Context, []provider.Message, []provider.ToolDefinition) iter.Seq2[*provider.StreamUnit, error] {
	return func(yield func(*provider.StreamUnit, error) bool) {
		yield(&provider.StreamUnit{Kind: provider.UnitDone}, nil)
	}
}

func (noopProvider) Summarize(context.Context, []provider.Message) (string, error) { return "", nil }

func newTestHandler(t *testing.T) (http.Handler, store.Repository, *session.Registry) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{
		GracePeriod:      time.Hour,
		ToolTimeout:      time.Second,
		MaxToolRounds:    8,
		AppendMaxRetries: 3,
	}
	registry := session.NewRegistry(repo, noopProvider{}, tools.NewRegistry(time.Second), cfg)

	r := chi.NewRouter()
	NewHandler(repo, registry).RegisterRoutes(r)
	return r, repo, registry
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func TestHealthReportsLiveSessions(t *testing.T) {
	t.Parallel()
	handler, _, registry := newTestHandler(t)

	if _, err := registry.Acquire(context.Background(), "sess-1", ""); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status       string `json:"status"`
		LiveSessions int    `json:"live_sessions"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "healthy" || body.LiveSessions != 1 {
		t.Fatalf("unexpected health body: %+v", body)
	}
}

func TestGetSessionReturnsOrderedHistory(t *testing.T) {
	t.Parallel()
	handler, repo, _ := newTestHandler(t)
	ctx := context.Background()

	if _, _, err := repo.CreateSession(ctx, "sess-1", "user-1"); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for _, ev := range []*domain.Event{
		{SessionID: "sess-1", Role: domain.RoleUser, Content: "hi"},
		{SessionID: "sess-1", Role: domain.RoleAssistant, Content: "hello"},
	} {
		if _, err := repo.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/sess-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Session *domain.Session `json:"session"`
		Events  []*domain.Event `json:"events"`
	}
	decodeBody(t, rec, &body)
	if body.Session == nil || body.Session.UserID != "user-1" {
		t.Fatalf("unexpected session: %+v", body.Session)
	}
	if len(body.Events) != 2 || body.Events[0].Content != "hi" || body.Events[1].Content != "hello" {
		t.Fatalf("unexpected events: %+v", body.Events)
	}
}

func TestGetSessionMissingReturns404(t *testing.T) {
	t.Parallel()
	handler, _, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteLiveSessionConflicts(t *testing.T) {
	t.Parallel()
	handler, _, registry := newTestHandler(t)

	if _, err := registry.Acquire(context.Background(), "sess-1", ""); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/sess-1", nil))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a live session, got %d", rec.Code)
	}
}

func TestDeleteSessionRemovesRow(t *testing.T) {
	t.Parallel()
	handler, repo, _ := newTestHandler(t)
	ctx := context.Background()

	if _, _, err := repo.CreateSession(ctx, "sess-1", ""); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/sess-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	sess, err := repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess != nil {
		t.Fatal("session row still present after delete")
	}
}
