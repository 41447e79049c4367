package session

import (
	"context"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/convoserver/internal/config"
	"github.com/ashureev/convoserver/internal/provider"
	"github.com/ashureev/convoserver/internal/store"
	"github.com/ashureev/convoserver/internal/tools"
)

// exchange scripts one provider Generate call.
type exchange struct {
	units []*provider.StreamUnit
	err   error
}

// fakeProvider replays scripted exchanges in order; exchanges beyond the
// script end immediately with UnitDone.
type fakeProvider struct {
	mu             sync.Mutex
	exchanges      []exchange
	generateCalls  int
	summary        string
	summaryErr     error
	summarizeCalls int
}

func (p *fakeProvider) Generate(_ context.Context, _ []provider.Message, _ []provider.ToolDefinition) iter.Seq2[*provider.StreamUnit, error] {
	p.mu.Lock()
	ex := exchange{units: []*provider.StreamUnit{{Kind: provider.UnitDone}}}
	if p.generateCalls < len(p.exchanges) {
		ex = p.exchanges[p.generateCalls]
	}
	p.generateCalls++
	p.mu.Unlock()

	return func(yield func(*provider.StreamUnit, error) bool) {
		for _, u := range ex.units {
			if !yield(u, nil) {
				return
			}
		}
		if ex.err != nil {
			yield(nil, ex.err)
		}
	}
}

func (p *fakeProvider) Summarize(_ context.Context, _ []provider.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summarizeCalls++
	return p.summary, p.summaryErr
}

func (p *fakeProvider) summarizeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summarizeCalls
}

func tokenUnits(tokens ...string) []*provider.StreamUnit {
	units := make([]*provider.StreamUnit, 0, len(tokens)+1)
	for _, tok := range tokens {
		units = append(units, &provider.StreamUnit{Kind: provider.UnitToken, Token: tok})
	}
	return append(units, &provider.StreamUnit{Kind: provider.UnitDone})
}

func toolCallUnits(id, name, args string) []*provider.StreamUnit {
	return []*provider.StreamUnit{
		{Kind: provider.UnitToolCall, ToolCall: &provider.ToolCall{ID: id, Name: name, Arguments: args}},
		{Kind: provider.UnitDone},
	}
}

// captureTransport records every frame sent to it.
type captureTransport struct {
	mu     sync.Mutex
	frames []Frame
}

func (t *captureTransport) Send(_ context.Context, f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	return nil
}

func (t *captureTransport) all() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([]Frame, len(t.frames))
	copy(frames, t.frames)
	return frames
}

func (t *captureTransport) byType(typ string) []Frame {
	var out []Frame
	for _, f := range t.all() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func testConfig(grace time.Duration) *config.Config {
	return &config.Config{
		Port:             "0",
		DBPath:           "unused",
		GracePeriod:      grace,
		ToolTimeout:      time.Second,
		MaxToolRounds:    8,
		AppendMaxRetries: 3,
		Provider: config.ProviderConfig{
			Model:        "test-model",
			SystemPrompt: "You are a test assistant.",
		},
	}
}

func newTestRegistry(t *testing.T, fp *fakeProvider, grace time.Duration) (*Registry, store.Repository) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	toolRegistry := tools.NewRegistry(time.Second)
	tools.RegisterBuiltins(toolRegistry)

	return NewRegistry(repo, fp, toolRegistry, testConfig(grace)), repo
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
