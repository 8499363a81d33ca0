package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/switchboard/internal/agents"
	"github.com/nugget/switchboard/internal/assemble"
	"github.com/nugget/switchboard/internal/config"
	"github.com/nugget/switchboard/internal/events"
	"github.com/nugget/switchboard/internal/messages"
	"github.com/nugget/switchboard/internal/relay"
	"github.com/nugget/switchboard/internal/usage"
)

type fakeBackend struct {
	payload *relay.Payload
	err     error
	calls   atomic.Int32
	last    relay.SendRequest
}

func (f *fakeBackend) Send(_ context.Context, req relay.SendRequest) (*relay.Payload, error) {
	f.calls.Add(1)
	f.last = req
	return f.payload, f.err
}

type fakeAgents struct {
	list []agents.Agent
	err  error
}

func (f fakeAgents) List(context.Context, string) ([]agents.Agent, error) {
	return f.list, f.err
}

type harness struct {
	svc      *Service
	backend  *fakeBackend
	messages *messages.Store
	usage    *usage.Store
	bus      *events.Bus
	events   <-chan events.Event
}

func newHarness(t *testing.T, renderCfg config.RenderConfig, known []agents.Agent) *harness {
	t.Helper()
	dir := t.TempDir()

	msgs, err := messages.NewStore(filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatalf("messages.NewStore: %v", err)
	}
	t.Cleanup(func() { msgs.Close() })

	us, err := usage.NewStore(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("usage.NewStore: %v", err)
	}
	t.Cleanup(func() { us.Close() })

	bus := events.New()
	ch := bus.Subscribe(64)
	t.Cleanup(func() { bus.Unsubscribe(ch) })

	backend := &fakeBackend{}
	svc := New(config.BackendConfig{}, renderCfg, Deps{
		Messages:   msgs,
		Agents:     fakeAgents{list: known},
		Usage:      us,
		Bus:        bus,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewBackend: func() Backend { return backend },
	})

	return &harness{svc: svc, backend: backend, messages: msgs, usage: us, bus: bus, events: ch}
}

// kinds drains the buffered events received so far.
func (h *harness) kinds() []string {
	var out []string
	for {
		select {
		case e := <-h.events:
			out = append(out, e.Kind)
		default:
			return out
		}
	}
}

func credits(v float64) *relay.UsageMetadata { return &relay.UsageMetadata{CreditsUsed: &v} }

func TestSend_Success(t *testing.T) {
	h := newHarness(t, config.RenderConfig{ShowFooter: true}, nil)
	h.backend.payload = &relay.Payload{
		ID: "r1",
		AIMessages: []relay.Envelope{
			relay.TextEnvelope("Hello **there**"),
			relay.TextEnvelope("part one\n\n[[separator]]\n\npart two"),
		},
		Usage: credits(2.5),
	}

	ctx := context.Background()
	res, err := h.svc.Send(ctx, Turn{ConversationID: "c1", WorkspaceID: "w1", Text: "  hi  ", AgentIDs: []string{"a1"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if h.backend.last.Text != "hi" || h.backend.last.ConversationID != "c1" {
		t.Errorf("backend request = %+v", h.backend.last)
	}
	if len(res.Fragments) != 3 {
		t.Fatalf("fragments = %d, want 3", len(res.Fragments))
	}
	if res.Fragments[0].Content != "<p>Hello <strong>there</strong></p>" {
		t.Errorf("first fragment = %q", res.Fragments[0].Content)
	}
	if !strings.Contains(res.Fragments[2].Content, "Credits used: 2.5") {
		t.Errorf("footer missing from last fragment: %q", res.Fragments[2].Content)
	}
	if res.Credits == nil || *res.Credits != 2.5 {
		t.Errorf("credits = %v", res.Credits)
	}

	stored, err := h.messages.List(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != 4 {
		t.Fatalf("stored %d messages, want 4", len(stored))
	}
	if stored[0].Role != messages.RoleUser || stored[0].Content != "hi" {
		t.Errorf("first stored = %+v", stored[0])
	}
	if stored[1].Role != assemble.RoleAssistant || !stored[1].IsMarkup {
		t.Errorf("second stored = %+v", stored[1])
	}

	sum, err := h.usage.Summary(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 1 || sum.TotalCredits != 2.5 || sum.TotalFragments != 3 {
		t.Errorf("usage summary = %+v", sum)
	}

	want := []string{events.KindUserMessage, events.KindFragment, events.KindFragment, events.KindFragment}
	if got := h.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSend_NoCreditsNoUsageRecord(t *testing.T) {
	h := newHarness(t, config.RenderConfig{}, nil)
	h.backend.payload = &relay.Payload{ID: "r1", AIMessages: []relay.Envelope{relay.TextEnvelope("ok")}}

	ctx := context.Background()
	if _, err := h.svc.Send(ctx, Turn{ConversationID: "c1", Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sum, err := h.usage.Summary(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalRecords != 0 {
		t.Errorf("records = %d, want 0", sum.TotalRecords)
	}
}

func TestSend_ResponseIDReusedAcrossConversations(t *testing.T) {
	h := newHarness(t, config.RenderConfig{}, nil)
	h.backend.payload = &relay.Payload{ID: "1", AIMessages: []relay.Envelope{relay.TextEnvelope("ok")}}

	ctx := context.Background()
	for _, conv := range []string{"c1", "c2"} {
		if _, err := h.svc.Send(ctx, Turn{ConversationID: conv, Text: "hi"}); err != nil {
			t.Fatalf("Send(%s): %v", conv, err)
		}
	}

	for _, conv := range []string{"c1", "c2"} {
		stored, err := h.messages.List(ctx, conv, 0)
		if err != nil {
			t.Fatalf("List(%s): %v", conv, err)
		}
		if len(stored) != 2 || stored[1].ID != "1-0-0" || stored[1].Content != "<p>ok</p>" {
			t.Errorf("List(%s) = %+v", conv, stored)
		}
	}
}

func TestSend_EmptyResponse(t *testing.T) {
	h := newHarness(t, config.RenderConfig{}, nil)
	h.backend.payload = &relay.Payload{ID: "r1"}

	res, err := h.svc.Send(context.Background(), Turn{ConversationID: "c1", Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.Fragments) != 0 {
		t.Errorf("fragments = %d, want 0", len(res.Fragments))
	}
}

func TestSend_ResolvesHeaderFromRegistry(t *testing.T) {
	known := []agents.Agent{{ID: "a1", WorkspaceID: "w1", DisplayName: "Billing Bot"}}
	h := newHarness(t, config.RenderConfig{ShowHeader: true}, known)
	h.backend.payload = &relay.Payload{
		ID:           "r1",
		AIMessages:   []relay.Envelope{relay.TextEnvelope("hello")},
		Conversation: &relay.ConversationMetadata{AssignedAgentID: "a1"},
	}

	res, err := h.svc.Send(context.Background(), Turn{ConversationID: "c1", WorkspaceID: "w1", Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(res.Fragments[0].Content, "<p><strong>Billing Bot</strong></p>") {
		t.Errorf("header = %q", res.Fragments[0].Content)
	}
	if got := res.Fragments[0].ResolvedAgentIDs; len(got) != 1 || got[0] != "a1" {
		t.Errorf("resolved agents = %v", got)
	}
}

func TestSend_BackendError(t *testing.T) {
	h := newHarness(t, config.RenderConfig{}, nil)
	h.backend.err = relay.ErrUnavailable

	_, err := h.svc.Send(context.Background(), Turn{ConversationID: "c1", Text: "hi"})
	if !errors.Is(err, relay.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	stored, _ := h.messages.List(context.Background(), "c1", 0)
	if len(stored) != 1 || stored[0].Role != messages.RoleUser {
		t.Errorf("stored = %+v, want only the user message", stored)
	}
	want := []string{events.KindUserMessage, events.KindBackendError}
	if got := h.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSend_FormatFailureDiscardsResponse(t *testing.T) {
	tests := []struct {
		name   string
		format formatFunc
	}{
		{
			name: "panic",
			format: func(*relay.Payload, []agents.Agent, []string, assemble.Decorations, assemble.Options) ([]assemble.Fragment, error) {
				panic("boom")
			},
		},
		{
			name: "error after partial output",
			format: func(*relay.Payload, []agents.Agent, []string, assemble.Decorations, assemble.Options) ([]assemble.Fragment, error) {
				return []assemble.Fragment{{ID: "partial", ConversationID: "c1"}}, errors.New("bad entry")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, config.RenderConfig{}, nil)
			h.backend.payload = &relay.Payload{ID: "r1", AIMessages: []relay.Envelope{relay.TextEnvelope("x")}}
			h.svc.format = tt.format

			res, err := h.svc.Send(context.Background(), Turn{ConversationID: "c1", Text: "hi"})
			if !errors.Is(err, ErrFormat) {
				t.Fatalf("err = %v, want ErrFormat", err)
			}
			if res != nil {
				t.Errorf("result = %+v, want nil", res)
			}

			stored, _ := h.messages.List(context.Background(), "c1", 0)
			if len(stored) != 1 {
				t.Errorf("stored %d messages, want only the user message", len(stored))
			}
			want := []string{events.KindUserMessage, events.KindFormatFailed}
			if got := h.kinds(); strings.Join(got, ",") != strings.Join(want, ",") {
				t.Errorf("events = %v, want %v", got, want)
			}
		})
	}
}

func TestSend_NilPayloadIsFormatFailure(t *testing.T) {
	h := newHarness(t, config.RenderConfig{}, nil)
	h.backend.payload = nil

	_, err := h.svc.Send(context.Background(), Turn{ConversationID: "c1", Text: "hi"})
	if !errors.Is(err, ErrFormat) || !errors.Is(err, assemble.ErrNoPayload) {
		t.Errorf("err = %v, want ErrFormat wrapping ErrNoPayload", err)
	}
}

func TestSend_InvalidTurn(t *testing.T) {
	h := newHarness(t, config.RenderConfig{}, nil)
	for _, turn := range []Turn{
		{ConversationID: "c1", Text: "   "},
		{Text: "hi"},
	} {
		if _, err := h.svc.Send(context.Background(), turn); !errors.Is(err, ErrInvalidTurn) {
			t.Errorf("Send(%+v) err = %v, want ErrInvalidTurn", turn, err)
		}
	}
	if n := h.backend.calls.Load(); n != 0 {
		t.Errorf("backend called %d times", n)
	}
}

func TestSend_AgentListFailureFallsBack(t *testing.T) {
	h := newHarness(t, config.RenderConfig{}, nil)
	h.svc.agents = fakeAgents{err: errors.New("db locked")}
	h.backend.payload = &relay.Payload{ID: "r1", AIMessages: []relay.Envelope{relay.TextEnvelope("ok")}}

	res, err := h.svc.Send(context.Background(), Turn{ConversationID: "c1", WorkspaceID: "w1", Text: "hi", AgentIDs: []string{"x"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := res.Fragments[0].ResolvedAgentIDs; len(got) != 1 || got[0] != "x" {
		t.Errorf("resolved = %v, want caller selection", got)
	}
}

func TestBackendBuiltOnce(t *testing.T) {
	var built atomic.Int32
	backend := &fakeBackend{payload: &relay.Payload{ID: "r"}}

	msgs, err := messages.NewStore(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer msgs.Close()

	svc := New(config.BackendConfig{}, config.RenderConfig{}, Deps{
		Messages: msgs,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewBackend: func() Backend {
			built.Add(1)
			return backend
		},
	})
	if built.Load() != 0 {
		t.Fatal("backend built before first turn")
	}
	for range 3 {
		if _, err := svc.Send(context.Background(), Turn{ConversationID: "c", Text: "hi"}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if built.Load() != 1 {
		t.Errorf("backend built %d times, want 1", built.Load())
	}
}

func TestSend_NoBackendConfigured(t *testing.T) {
	svc := New(config.BackendConfig{}, config.RenderConfig{}, Deps{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if _, err := svc.Send(context.Background(), Turn{ConversationID: "c", Text: "hi"}); !errors.Is(err, ErrNoBackend) {
		t.Errorf("err = %v, want ErrNoBackend", err)
	}
}

type pingingBackend struct {
	fakeBackend
	err error
}

func (p *pingingBackend) Ping(context.Context) error { return p.err }

func TestCheckBackend(t *testing.T) {
	down := errors.New("connection refused")
	tests := []struct {
		name    string
		backend Backend
		want    error
	}{
		{"not configured", nil, ErrNoBackend},
		{"no ping method", &fakeBackend{}, nil},
		{"reachable", &pingingBackend{}, nil},
		{"unreachable", &pingingBackend{err: down}, down},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(config.BackendConfig{}, config.RenderConfig{}, Deps{
				Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
				NewBackend: func() Backend { return tt.backend },
			})
			if err := svc.CheckBackend(context.Background()); !errors.Is(err, tt.want) {
				t.Errorf("CheckBackend() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	svc := New(config.BackendConfig{}, config.RenderConfig{ShowHeader: true}, Deps{})

	frags, err := svc.Preview("# Title\n\n[[separator]]\n\n- a\n- b")
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("fragments = %d, want 2", len(frags))
	}
	if frags[0].Content != "<h1>Title</h1>" {
		t.Errorf("first = %q", frags[0].Content)
	}
	if !strings.HasPrefix(frags[1].Content, "<ul><li>") {
		t.Errorf("second = %q", frags[1].Content)
	}

	svc.format = func(*relay.Payload, []agents.Agent, []string, assemble.Decorations, assemble.Options) ([]assemble.Fragment, error) {
		panic("boom")
	}
	if _, err := svc.Preview("x"); !errors.Is(err, ErrFormat) {
		t.Errorf("err = %v, want ErrFormat", err)
	}
}
