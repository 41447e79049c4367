// Package api provides HTTP handlers for the conversation backend's JSON
// surface: service info, health, and the read/delete session views.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/convoserver/internal/domain"
	"github.com/ashureev/convoserver/internal/session"
	"github.com/ashureev/convoserver/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler serves the HTTP JSON endpoints.
type Handler struct {
	repo     store.Repository
	registry *session.Registry
}

// NewHandler creates a new Handler.
func NewHandler(repo store.Repository, registry *session.Registry) *Handler {
	return &Handler{repo: repo, registry: registry}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes mounts the JSON endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/api/sessions/{sessionID}", h.GetSession)
	r.Delete("/api/sessions/{sessionID}", h.DeleteSession)
}

// Root returns service info.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"name":               "convoserver",
		"version":            "1.0.0",
		"websocket_endpoint": "/ws/session/{session_id}",
	})
}

// Health reports store connectivity and the live session count.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"live_sessions": h.registry.Len(),
	})
}

type sessionView struct {
	Session *domain.Session `json:"session"`
	Events  []*domain.Event `json:"events"`
}

// GetSession returns a session row with its full ordered event history.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	events, err := h.repo.ListEvents(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load events")
		return
	}

	JSON(w, http.StatusOK, sessionView{Session: sess, Events: events})
}

// DeleteSession removes a session and, by cascade, its events. Live sessions
// cannot be deleted out from under their machines.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if h.registry.Live(sessionID) {
		Error(w, http.StatusConflict, "session is still live")
		return
	}

	if err := h.repo.DeleteSession(r.Context(), sessionID); err != nil {
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"deleted": sessionID})
}
