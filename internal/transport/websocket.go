// Package transport exposes sessions over WebSocket: one duplex JSON-frame
// channel per connection, attached to the owning session machine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/convoserver/internal/session"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// WebSocketHandler upgrades connections and runs the per-connection loop.
type WebSocketHandler struct {
	registry      *session.Registry
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(registry *session.Registry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// inboundFrame is the client-to-server message shape.
type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsTransport adapts websocket.Conn to session.Transport with serialized
// writes.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) Send(ctx context.Context, f session.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade. The session id
// comes from the URL; a connection without one gets a server-generated id,
// echoed back in the session ack frame.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID := r.URL.Query().Get("user_id")
	slog.Info("WebSocket connection request", "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	tr := &wsTransport{conn: ws}

	m, err := h.registry.Acquire(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			_ = tr.Send(ctx, session.Frame{Type: session.FrameError, Content: "session_closed", SessionID: sessionID})
		} else {
			slog.Error("Failed to acquire session", "session_id", sessionID, "error", err)
			_ = tr.Send(ctx, session.Frame{Type: session.FrameError, Content: "session_unavailable"})
		}
		return
	}

	if err := m.Attach(tr); err != nil {
		_ = tr.Send(ctx, session.Frame{Type: session.FrameError, Content: "session_closed", SessionID: sessionID})
		return
	}
	defer m.Detach(tr)

	if err := tr.Send(ctx, session.Frame{Type: session.FrameSession, SessionID: sessionID}); err != nil {
		slog.Debug("Failed to send session ack", "session_id", sessionID, "error", err)
		return
	}

	h.readLoop(ctx, tr, m)
	slog.Info("WebSocket connection closed", "session_id", sessionID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, tr *wsTransport, m *session.Machine) {
	for {
		msgType, data, err := tr.conn.Read(ctx)
		if err != nil {
			// Client close or network drop: not an error, just the trigger
			// into the grace window.
			slog.Debug("WebSocket read ended", "session_id", m.ID(), "error", err)
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			// Plain text is accepted as a bare user message.
			in = inboundFrame{Type: "message", Content: string(data)}
		}

		switch in.Type {
		case "message":
			if strings.TrimSpace(in.Content) == "" {
				continue
			}
			if err := m.HandleUserMessage(ctx, in.Content); err != nil {
				if errors.Is(err, session.ErrSessionClosed) {
					return
				}
				// Provider failures already produced an error frame; the
				// session stays usable for the next message.
				slog.Warn("turn failed", "session_id", m.ID(), "error", err)
			}
		case "ping":
			if err := tr.Send(ctx, session.Frame{Type: session.FramePong}); err != nil {
				return
			}
		case "end":
			summary := m.EndNow(ctx)
			_ = tr.Send(ctx, session.Frame{Type: session.FrameSummaryReady, Content: summary, SessionID: m.ID()})
			return
		default:
			if err := tr.Send(ctx, session.Frame{Type: session.FrameError, Content: "unknown message type: " + in.Type}); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
