package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/chat-relay/backend/internal/history"
	"github.com/zhouzirui/chat-relay/backend/internal/hub"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
)

type fakeConn struct {
	mu     sync.Mutex
	events []chat.Event
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v.(chat.Event))
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) snapshot() []chat.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Event, len(c.events))
	copy(out, c.events)
	return out
}

// fakeStore mimics the history worker: /get serves records, /set collects
// appends, /delete wipes.
type fakeStore struct {
	mu      sync.Mutex
	records []chat.Message
	appends []chat.Message
	broken  bool
}

func (s *fakeStore) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch r.URL.Path {
	case "/get":
		_ = json.NewEncoder(w).Encode(s.records)
	case "/set":
		var msg chat.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err == nil {
			s.appends = append(s.appends, msg)
			s.records = append(s.records, msg)
		}
	case "/delete":
		s.records = nil
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *fakeStore) appended() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.appends))
	copy(out, s.appends)
	return out
}

type stubGenerator struct {
	mu    sync.Mutex
	calls [][]*schema.Message
	open  func() (*schema.StreamReader[*schema.Message], error)
}

func (g *stubGenerator) Stream(_ context.Context, msgs []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	g.mu.Lock()
	g.calls = append(g.calls, msgs)
	g.mu.Unlock()
	return g.open()
}

func (g *stubGenerator) lastCall() []*schema.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) == 0 {
		return nil
	}
	return g.calls[len(g.calls)-1]
}

func fragments(chunks ...string) func() (*schema.StreamReader[*schema.Message], error) {
	return func() (*schema.StreamReader[*schema.Message], error) {
		out := make([]*schema.Message, 0, len(chunks))
		for _, c := range chunks {
			out = append(out, schema.AssistantMessage(c, nil))
		}
		return schema.StreamReaderFromArray(out), nil
	}
}

func newOrchestrator(t *testing.T, store *fakeStore, gen chatservice.Generator) (*chatservice.Orchestrator, *hub.Hub, *fakeConn) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(store.serve))
	t.Cleanup(srv.Close)

	client := history.NewClient(history.Config{BaseURL: srv.URL, SessionID: "test"}, srv.Client())
	viewerHub := hub.New()
	conn := &fakeConn{}
	viewerHub.Register(conn)

	return chatservice.NewOrchestrator(client, viewerHub, gen), viewerHub, conn
}

func TestRespondStreamsFragmentsThenEnds(t *testing.T) {
	store := &fakeStore{records: []chat.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
	}}
	gen := &stubGenerator{open: fragments("Hel", "lo")}
	orch, _, conn := newOrchestrator(t, store, gen)

	orch.Respond(context.Background(), "hi")

	events := conn.snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Chunk != "Hel" || events[1].Chunk != "lo" {
		t.Fatalf("fragments out of order: %+v", events)
	}
	for _, evt := range events[:2] {
		if evt.Type != chat.EventStream || evt.Role != chat.RoleAssistant {
			t.Fatalf("fragment has wrong shape: %+v", evt)
		}
	}
	if events[2].Type != chat.EventStreamEnd {
		t.Fatalf("expected stream_end last, got %+v", events[2])
	}

	appends := store.appended()
	if len(appends) != 1 {
		t.Fatalf("expected exactly one persisted message, got %d", len(appends))
	}
	if appends[0].Role != chat.RoleAssistant || appends[0].Content != "Hello" {
		t.Fatalf("persisted message should be the accumulated reply: %+v", appends[0])
	}
}

func TestRespondBuildsTurnsFromHistory(t *testing.T) {
	store := &fakeStore{records: []chat.Message{
		{Role: "user", Content: "a"},
		{Role: "model", Content: "b"},
		{Role: "weird", Content: "c"},
	}}
	gen := &stubGenerator{open: fragments("ok")}
	orch, _, _ := newOrchestrator(t, store, gen)

	orch.Respond(context.Background(), "hi")

	turns := gen.lastCall()
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}
	if turns[0].Role != schema.User || turns[0].Content != "a" {
		t.Fatalf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Role != schema.Assistant || turns[1].Content != "b" {
		t.Fatalf("role model should map to the model turn: %+v", turns[1])
	}
	if turns[2].Role != schema.User {
		t.Fatalf("unknown roles should map to the human turn: %+v", turns[2])
	}
	if last := turns[3]; last.Role != schema.User || last.Content != "hi" {
		t.Fatalf("current message must be the final human turn: %+v", last)
	}
}

func TestRespondWithUnavailableHistory(t *testing.T) {
	store := &fakeStore{broken: true}
	gen := &stubGenerator{open: fragments("ok")}
	orch, _, conn := newOrchestrator(t, store, gen)

	orch.Respond(context.Background(), "hi")

	// Generation proceeds with degraded context: just the current turn.
	turns := gen.lastCall()
	if len(turns) != 1 || turns[0].Content != "hi" {
		t.Fatalf("expected a single degraded turn, got %+v", turns)
	}

	events := conn.snapshot()
	if len(events) == 0 || events[len(events)-1].Type != chat.EventStreamEnd {
		t.Fatalf("stream must still terminate: %+v", events)
	}
}

func TestRespondGeneratorFailsMidStream(t *testing.T) {
	store := &fakeStore{}
	gen := &stubGenerator{open: func() (*schema.StreamReader[*schema.Message], error) {
		sr, sw := schema.Pipe[*schema.Message](4)
		go func() {
			defer sw.Close()
			sw.Send(schema.AssistantMessage("Hel", nil), nil)
			sw.Send(schema.AssistantMessage("lo", nil), nil)
			sw.Send(nil, errors.New("boom"))
		}()
		return sr, nil
	}}
	orch, _, conn := newOrchestrator(t, store, gen)

	orch.Respond(context.Background(), "hi")

	events := conn.snapshot()
	if len(events) != 4 {
		t.Fatalf("expected [Hel, lo, error fragment, stream_end], got %+v", events)
	}
	if events[0].Chunk != "Hel" || events[1].Chunk != "lo" {
		t.Fatalf("partial fragments lost: %+v", events)
	}
	if events[2].Type != chat.EventStream || events[2].Chunk != " [Error generating response: boom]" {
		t.Fatalf("unexpected error fragment: %+v", events[2])
	}
	if events[3].Type != chat.EventStreamEnd {
		t.Fatalf("stream must terminate after an error: %+v", events[3])
	}

	// Persistence is skipped entirely on the error path.
	if appends := store.appended(); len(appends) != 0 {
		t.Fatalf("no message should be persisted after a failed stream: %+v", appends)
	}
}

func TestRespondGeneratorRefusesToStart(t *testing.T) {
	store := &fakeStore{}
	gen := &stubGenerator{open: func() (*schema.StreamReader[*schema.Message], error) {
		return nil, errors.New("backend down")
	}}
	orch, _, conn := newOrchestrator(t, store, gen)

	orch.Respond(context.Background(), "hi")

	events := conn.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected error fragment + stream_end, got %+v", events)
	}
	if events[0].Type != chat.EventStream || events[1].Type != chat.EventStreamEnd {
		t.Fatalf("unexpected sequence: %+v", events)
	}
}

func TestRespondWithoutGenerator(t *testing.T) {
	store := &fakeStore{}
	orch, _, conn := newOrchestrator(t, store, nil)

	orch.Respond(context.Background(), "hi")

	events := conn.snapshot()
	if len(events) != 2 || events[1].Type != chat.EventStreamEnd {
		t.Fatalf("unconfigured generator must still close the stream: %+v", events)
	}
	if len(store.appended()) != 0 {
		t.Fatal("nothing should be persisted without a generator")
	}
}
