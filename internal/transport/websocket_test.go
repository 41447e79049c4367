package transport

import (
	"context"
	"encoding/json"
	"iter"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/convoserver/internal/config"
	"github.com/ashureev/convoserver/internal/provider"
	"github.com/ashureev/convoserver/internal/session"
	"github.com/ashureev/convoserver/internal/store"
	"github.com/ashureev/convoserver/internal/tools"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// scriptedProvider replays one fixed exchange for every Generate call.
type scriptedProvider struct {
	mu      sync.Mutex
	tokens  []string
	summary string
}

func (p *scriptedProvider) Generate(_ context.Context, _ []provider.Message, _ []provider.ToolDefinition) iter.Seq2[*provider.StreamUnit, error] {
	p.mu.Lock()
	tokens := append([]string(nil), p.tokens...)
	p.mu.Unlock()

	return func(yield func(*provider.StreamUnit, error) bool) {
		for _, tok := range tokens {
			if !yield(&provider.StreamUnit{Kind: provider.UnitToken, Token: tok}, nil) {
				return
			}
		}
		yield(&provider.StreamUnit{Kind: provider.UnitDone}, nil)
	}
}

func (p *scriptedProvider) Summarize(context.Context, []provider.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary, nil
}

func newTestServer(t *testing.T, sp *scriptedProvider) *httptest.Server {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	toolRegistry := tools.NewRegistry(time.Second)
	tools.RegisterBuiltins(toolRegistry)

	cfg := &config.Config{
		GracePeriod:      time.Hour,
		ToolTimeout:      time.Second,
		MaxToolRounds:    8,
		AppendMaxRetries: 3,
		Provider:         config.ProviderConfig{SystemPrompt: "You are a test assistant."},
	}
	registry := session.NewRegistry(repo, sp, toolRegistry, cfg)

	r := chi.NewRouter()
	handler := NewWebSocketHandler(registry, "*", true)
	r.Get("/ws/session", handler.ServeHTTP)
	r.Get("/ws/session/{sessionID}", handler.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) session.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read frame failed: %v", err)
	}
	var f session.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("frame is not JSON: %q: %v", data, err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write frame failed: %v", err)
	}
}

// readTurn collects frames until a done frame arrives.
func readTurn(t *testing.T, conn *websocket.Conn) []session.Frame {
	t.Helper()
	var frames []session.Frame
	for {
		f := readFrame(t, conn)
		frames = append(frames, f)
		if f.Type == session.FrameDone {
			return frames
		}
	}
}

func TestConnectAssignsSessionAndAnswersPing(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &scriptedProvider{})

	conn := dial(t, srv.URL+"/ws/session")

	ack := readFrame(t, conn)
	if ack.Type != session.FrameSession {
		t.Fatalf("expected session ack first, got %+v", ack)
	}
	if ack.SessionID == "" {
		t.Fatal("server must assign a session id when the URL carries none")
	}

	writeFrame(t, conn, map[string]string{"type": "ping"})
	if pong := readFrame(t, conn); pong.Type != session.FramePong {
		t.Fatalf("expected pong, got %+v", pong)
	}
}

func TestMessageStreamsTokensThenDone(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &scriptedProvider{tokens: []string{"Hel", "lo"}})

	conn := dial(t, srv.URL+"/ws/session/sess-1")
	if ack := readFrame(t, conn); ack.SessionID != "sess-1" {
		t.Fatalf("ack should echo the URL session id, got %+v", ack)
	}

	writeFrame(t, conn, map[string]string{"type": "message", "content": "hi"})

	frames := readTurn(t, conn)
	if len(frames) != 3 {
		t.Fatalf("expected 2 tokens + done, got %+v", frames)
	}
	if frames[0].Type != session.FrameToken || frames[0].Content != "Hel" {
		t.Fatalf("unexpected first token frame: %+v", frames[0])
	}
	if frames[1].Type != session.FrameToken || frames[1].Content != "lo" {
		t.Fatalf("unexpected second token frame: %+v", frames[1])
	}
}

func TestPlainTextIsTreatedAsUserMessage(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &scriptedProvider{tokens: []string{"ok"}})

	conn := dial(t, srv.URL+"/ws/session/sess-1")
	readFrame(t, conn) // ack

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("hello there")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	frames := readTurn(t, conn)
	if frames[0].Type != session.FrameToken || frames[0].Content != "ok" {
		t.Fatalf("plain text did not start a turn: %+v", frames)
	}
}

func TestUnknownFrameTypeGetsErrorFrame(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &scriptedProvider{})

	conn := dial(t, srv.URL+"/ws/session/sess-1")
	readFrame(t, conn) // ack

	writeFrame(t, conn, map[string]string{"type": "telepathy"})
	f := readFrame(t, conn)
	if f.Type != session.FrameError {
		t.Fatalf("expected error frame, got %+v", f)
	}
}

func TestEndDeliversSummaryAndClosesSession(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &scriptedProvider{tokens: []string{"bye"}, summary: "Short farewell."})

	conn := dial(t, srv.URL+"/ws/session/sess-1")
	readFrame(t, conn) // ack

	writeFrame(t, conn, map[string]string{"type": "message", "content": "bye"})
	readTurn(t, conn)

	writeFrame(t, conn, map[string]string{"type": "end"})
	f := readFrame(t, conn)
	if f.Type != session.FrameSummaryReady {
		t.Fatalf("expected summary_ready, got %+v", f)
	}
	if f.Content != "Short farewell." {
		t.Fatalf("unexpected summary content: %q", f.Content)
	}

	// A reconnect to the closed id is rejected with an error frame.
	again := dial(t, srv.URL+"/ws/session/sess-1")
	rejected := readFrame(t, again)
	if rejected.Type != session.FrameError || rejected.Content != "session_closed" {
		t.Fatalf("expected session_closed rejection, got %+v", rejected)
	}
}
