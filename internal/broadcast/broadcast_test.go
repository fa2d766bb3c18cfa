package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/agentplanet/acn/internal/directory"
	"github.com/agentplanet/acn/internal/observability"
	"github.com/agentplanet/acn/internal/router"
	"github.com/agentplanet/acn/internal/subnet"
	"github.com/agentplanet/acn/internal/task"
	"github.com/agentplanet/acn/internal/transport"
)

type stubTransport struct {
	mu    sync.Mutex
	fn    func(endpoint string, env transport.Envelope) (json.RawMessage, error)
	calls map[string]int
}

func (s *stubTransport) Deliver(ctx context.Context, endpoint string, env transport.Envelope) (json.RawMessage, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[endpoint]++
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.fn(endpoint, env)
}

func (s *stubTransport) callsTo(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

type fixture struct {
	engine    *Engine
	store     *task.MemoryStore
	directory *directory.Static
	transport *stubTransport
}

func endpointOf(id string) string { return "http://" + id + "/deliver" }

func newFixture(t *testing.T, targets []string, fn func(endpoint string, env transport.Envelope) (json.RawMessage, error)) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mm, err := observability.NewMetricsManager(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("metrics manager: %v", err)
	}
	tm := observability.NewTraceManager("test")

	tr := &stubTransport{fn: fn}
	store := task.NewMemoryStore()
	dir := directory.NewStatic()
	for _, id := range targets {
		dir.Add(directory.AgentRef{ID: id, Endpoint: endpointOf(id), Status: directory.StatusOnline})
	}
	gw := subnet.New(tr, logger)

	rt := router.New(store, dir, gw, tr, nil, tm, mm, logger, router.Config{
		MaxAttempts:    1,
		AttemptTimeout: time.Second,
		TaskTTL:        time.Hour,
	})
	engine := New(rt, tm, mm, logger, time.Hour)
	return &fixture{engine: engine, store: store, directory: dir, transport: tr}
}

func TestBroadcastParallelResultKeys(t *testing.T) {
	ctx := context.Background()
	targets := []string{"a1", "a2", "a3"}
	f := newFixture(t, targets, func(endpoint string, env transport.Envelope) (json.RawMessage, error) {
		if endpoint == endpointOf("a2") {
			return nil, &transport.Error{Endpoint: endpoint, Err: transport.ErrRefused}
		}
		return json.RawMessage(`{}`), nil
	})

	result, err := f.engine.Broadcast(ctx, Request{
		Sender:    "src",
		TargetIDs: targets,
		Message:   []task.Part{task.TextPart("hi")},
		Strategy:  StrategyParallel,
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if len(result.Legs) != len(targets) {
		t.Fatalf("result keys %v do not match target set %v", result.Legs, targets)
	}
	wantStates := map[string]task.State{
		"a1": task.StateCompleted,
		"a2": task.StateFailed,
		"a3": task.StateCompleted,
	}
	for id, want := range wantStates {
		leg, ok := result.Legs[id]
		if !ok {
			t.Fatalf("missing leg for %s", id)
		}
		if leg.State != want {
			t.Errorf("leg %s = %s, want %s", id, leg.State, want)
		}
		stored, err := f.store.Get(ctx, leg.TaskID)
		if err != nil {
			t.Fatalf("Get leg %s: %v", id, err)
		}
		if stored.State != want {
			t.Errorf("stored leg %s = %s, want %s", id, stored.State, want)
		}
		if stored.ContextID != result.ContextID {
			t.Errorf("leg %s context %s, want shared %s", id, stored.ContextID, result.ContextID)
		}
	}
}

func TestBroadcastUnresolvableTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"a1"}, func(endpoint string, env transport.Envelope) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	result, err := f.engine.Broadcast(ctx, Request{
		Sender:    "src",
		TargetIDs: []string{"a1", "ghost"},
		Message:   []task.Part{task.TextPart("hi")},
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	ghost, ok := result.Legs["ghost"]
	if !ok {
		t.Fatal("unresolvable target missing from result")
	}
	if ghost.State != task.StateFailed || ghost.TaskID != "" {
		t.Errorf("unresolvable target should fail without a task: %+v", ghost)
	}

	// Only the resolvable leg was persisted.
	page, err := f.store.List(ctx, task.Query{ContextID: result.ContextID})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Tasks) != 1 {
		t.Errorf("expected 1 persisted leg, got %d", len(page.Tasks))
	}
}

func TestBroadcastSequentialFailFast(t *testing.T) {
	ctx := context.Background()
	targets := []string{"a1", "a2", "a3"}
	f := newFixture(t, targets, func(endpoint string, env transport.Envelope) (json.RawMessage, error) {
		if endpoint == endpointOf("a2") {
			return nil, &transport.Error{Endpoint: endpoint, Err: transport.ErrRefused}
		}
		return json.RawMessage(`{}`), nil
	})

	result, err := f.engine.Broadcast(ctx, Request{
		Sender:    "src",
		TargetIDs: targets,
		Message:   []task.Part{task.TextPart("hi")},
		Strategy:  StrategySequential,
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if result.Legs["a1"].State != task.StateCompleted {
		t.Errorf("a1 = %s, want completed", result.Legs["a1"].State)
	}
	if result.Legs["a2"].State != task.StateFailed {
		t.Errorf("a2 = %s, want failed", result.Legs["a2"].State)
	}
	if result.Legs["a3"].State != task.StateCanceled {
		t.Errorf("a3 = %s, want canceled", result.Legs["a3"].State)
	}
	if f.transport.callsTo(endpointOf("a3")) != 0 {
		t.Error("fail-fast still delivered to a later target")
	}
}

func TestBroadcastSequentialBestEffort(t *testing.T) {
	ctx := context.Background()
	targets := []string{"a1", "a2", "a3"}
	f := newFixture(t, targets, func(endpoint string, env transport.Envelope) (json.RawMessage, error) {
		if endpoint == endpointOf("a2") {
			return nil, &transport.Error{Endpoint: endpoint, Err: transport.ErrRefused}
		}
		return json.RawMessage(`{}`), nil
	})

	result, err := f.engine.Broadcast(ctx, Request{
		Sender:     "src",
		TargetIDs:  targets,
		Message:    []task.Part{task.TextPart("hi")},
		Strategy:   StrategySequential,
		BestEffort: true,
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if result.Legs["a3"].State != task.StateCompleted {
		t.Errorf("best effort skipped a later target: %s", result.Legs["a3"].State)
	}
	if f.transport.callsTo(endpointOf("a3")) != 1 {
		t.Errorf("expected a3 attempted once, got %d", f.transport.callsTo(endpointOf("a3")))
	}
}

func TestBroadcastFirstResponse(t *testing.T) {
	ctx := context.Background()
	targets := []string{"a1", "a2", "a3"}
	f := newFixture(t, targets, func(endpoint string, env transport.Envelope) (json.RawMessage, error) {
		if endpoint == endpointOf("a1") {
			return json.RawMessage(`{"fast":true}`), nil
		}
		time.Sleep(200 * time.Millisecond)
		return json.RawMessage(`{"slow":true}`), nil
	})

	result, err := f.engine.Broadcast(ctx, Request{
		Sender:    "src",
		TargetIDs: targets,
		Message:   []task.Part{task.TextPart("hi")},
		Strategy:  StrategyFirstResponse,
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if result.Winner == "" {
		t.Fatal("first_response produced no winner")
	}
	if result.Legs[result.Winner].State != task.StateCompleted {
		t.Errorf("winner leg %s = %s, want completed", result.Winner, result.Legs[result.Winner].State)
	}

	// Every leg is terminal; nothing is left working.
	for id, leg := range result.Legs {
		if !leg.State.Terminal() {
			t.Errorf("leg %s left non-terminal: %s", id, leg.State)
		}
		stored, err := f.store.Get(ctx, leg.TaskID)
		if err != nil {
			t.Fatalf("Get leg %s: %v", id, err)
		}
		if !stored.State.Terminal() {
			t.Errorf("stored leg %s left non-terminal: %s", id, stored.State)
		}
	}
}

// contextAwareStore refuses writes once the context is done, the way the
// Redis client does.
type contextAwareStore struct {
	*task.MemoryStore
}

func (s *contextAwareStore) Transition(ctx context.Context, id string, from, to task.State, result json.RawMessage, failure *task.Failure) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.Transition(ctx, id, from, to, result, failure)
}

func (s *contextAwareStore) AppendDeadLetter(ctx context.Context, entry task.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.AppendDeadLetter(ctx, entry)
}

// raceTransport completes the fast endpoint immediately and holds every
// other delivery until its context is canceled.
type raceTransport struct {
	fastEndpoint string
}

func (r *raceTransport) Deliver(ctx context.Context, endpoint string, env transport.Envelope) (json.RawMessage, error) {
	if endpoint == r.fastEndpoint {
		return json.RawMessage(`{"fast":true}`), nil
	}
	<-ctx.Done()
	return nil, &transport.Error{Endpoint: endpoint, Err: context.Cause(ctx)}
}

func TestBroadcastFirstResponseLoserCanceledInStore(t *testing.T) {
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mm, err := observability.NewMetricsManager(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("metrics manager: %v", err)
	}
	tm := observability.NewTraceManager("test")

	store := &contextAwareStore{MemoryStore: task.NewMemoryStore()}
	dir := directory.NewStatic()
	dir.Add(directory.AgentRef{ID: "a1", Endpoint: endpointOf("a1"), Status: directory.StatusOnline})
	dir.Add(directory.AgentRef{ID: "a2", Endpoint: endpointOf("a2"), Status: directory.StatusOnline})
	tr := &raceTransport{fastEndpoint: endpointOf("a1")}
	gw := subnet.New(tr, logger)

	rt := router.New(store, dir, gw, tr, nil, tm, mm, logger, router.Config{
		MaxAttempts:    1,
		AttemptTimeout: time.Second,
		TaskTTL:        time.Hour,
	})
	engine := New(rt, tm, mm, logger, time.Hour)

	result, err := engine.Broadcast(ctx, Request{
		Sender:    "src",
		TargetIDs: []string{"a1", "a2"},
		Message:   []task.Part{task.TextPart("hi")},
		Strategy:  StrategyFirstResponse,
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if result.Winner != "a1" {
		t.Fatalf("expected a1 to win, got %q", result.Winner)
	}
	if result.Legs["a2"].State != task.StateCanceled {
		t.Errorf("loser leg = %s, want canceled", result.Legs["a2"].State)
	}

	// The loser's terminal write lands even though its delivery context
	// was canceled by the winner.
	for id, leg := range result.Legs {
		stored, err := store.Get(ctx, leg.TaskID)
		if err != nil {
			t.Fatalf("Get leg %s: %v", id, err)
		}
		if !stored.State.Terminal() {
			t.Errorf("stored leg %s left non-terminal: %s", id, stored.State)
		}
	}
}

func TestBroadcastByFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, func(endpoint string, env transport.Envelope) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	f.directory.Add(directory.AgentRef{ID: "t1", Endpoint: endpointOf("t1"), Skills: []string{"summarize"}, Status: directory.StatusOnline})
	f.directory.Add(directory.AgentRef{ID: "t2", Endpoint: endpointOf("t2"), Skills: []string{"summarize"}, Status: directory.StatusOnline})
	f.directory.Add(directory.AgentRef{ID: "t3", Endpoint: endpointOf("t3"), Skills: []string{"translate"}, Status: directory.StatusOnline})

	result, err := f.engine.Broadcast(ctx, Request{
		Sender:  "src",
		Filter:  &directory.Filter{Skills: []string{"summarize"}},
		Message: []task.Part{task.TextPart("hi")},
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if len(result.Legs) != 2 {
		t.Fatalf("filter selected %d legs, want 2: %+v", len(result.Legs), result.Legs)
	}
	for _, id := range []string{"t1", "t2"} {
		if result.Legs[id].State != task.StateCompleted {
			t.Errorf("leg %s = %s, want completed", id, result.Legs[id].State)
		}
	}
	if _, ok := result.Legs["t3"]; ok {
		t.Error("filter matched an agent without the skill")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"src", "a1"}, func(endpoint string, env transport.Envelope) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	result, err := f.engine.Broadcast(ctx, Request{
		Sender:    "src",
		TargetIDs: []string{"src", "a1"},
		Message:   []task.Part{task.TextPart("hi")},
	})
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if _, ok := result.Legs["src"]; ok {
		t.Error("sender received its own broadcast")
	}
	if len(result.Legs) != 1 {
		t.Errorf("expected 1 leg, got %d", len(result.Legs))
	}
}

func TestBroadcastValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"a1"}, func(endpoint string, env transport.Envelope) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	tests := []struct {
		name string
		req  Request
	}{
		{"missing sender", Request{TargetIDs: []string{"a1"}, Message: []task.Part{task.TextPart("x")}}},
		{"empty message", Request{Sender: "src", TargetIDs: []string{"a1"}}},
		{"no targets", Request{Sender: "src", Message: []task.Part{task.TextPart("x")}}},
		{"unknown strategy", Request{Sender: "src", TargetIDs: []string{"a1"}, Message: []task.Part{task.TextPart("x")}, Strategy: "quorum"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Broadcast(ctx, tt.req); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}
