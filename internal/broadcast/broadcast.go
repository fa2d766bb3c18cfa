// Package broadcast fans one message out to many targets, one task per
// leg, under a shared context id. A broadcast never fails as a whole:
// every leg reports its own terminal state in the result.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentplanet/acn/internal/directory"
	"github.com/agentplanet/acn/internal/observability"
	"github.com/agentplanet/acn/internal/router"
	"github.com/agentplanet/acn/internal/subnet"
	"github.com/agentplanet/acn/internal/task"
)

// Strategy selects how legs are executed.
type Strategy string

const (
	// StrategyParallel runs all legs concurrently and waits for all of
	// them.
	StrategyParallel Strategy = "parallel"

	// StrategySequential runs legs one at a time in ascending target id
	// order. Without best effort the first failure cancels the rest.
	StrategySequential Strategy = "sequential"

	// StrategyFirstResponse runs legs concurrently and cancels the rest
	// as soon as one completes.
	StrategyFirstResponse Strategy = "first_response"
)

// ErrInvalidRequest marks a broadcast rejected before any leg was created.
var ErrInvalidRequest = errors.New("invalid broadcast request")

// Request is one fan-out order. Targets come from an explicit id list,
// a directory filter, or both.
type Request struct {
	Sender        string
	SenderSubnets []string
	TargetIDs     []string
	Filter        *directory.Filter
	Message       []task.Part
	Strategy      Strategy
	BestEffort    bool
	Credential    string
	Timeout       time.Duration
}

// LegOutcome is the terminal report for one target. TaskID is empty for
// targets rejected before a task was created.
type LegOutcome struct {
	TaskID string     `json:"task_id,omitempty"`
	State  task.State `json:"state"`
	Error  string     `json:"error,omitempty"`
}

// Result is the full broadcast report. Winner is set only by the
// first-response strategy.
type Result struct {
	ContextID string                `json:"context_id"`
	Winner    string                `json:"winner,omitempty"`
	Legs      map[string]LegOutcome `json:"legs"`
}

// leg pairs a resolved target with its pre-created task.
type leg struct {
	ref *directory.AgentRef
	t   *task.Task
}

// Engine executes broadcasts on top of the router's delivery path.
type Engine struct {
	Store     task.Store
	Directory directory.Client
	Gateway   *subnet.Gateway
	Router    *router.Router

	TraceManager   *observability.TraceManager
	MetricsManager *observability.MetricsManager
	Logger         *slog.Logger

	TaskTTL time.Duration
}

// New builds a broadcast engine sharing the router's store and gateway.
func New(r *router.Router, tm *observability.TraceManager, mm *observability.MetricsManager, logger *slog.Logger, taskTTL time.Duration) *Engine {
	return &Engine{
		Store:          r.Store,
		Directory:      r.Directory,
		Gateway:        r.Gateway,
		Router:         r,
		TraceManager:   tm,
		MetricsManager: mm,
		Logger:         logger,
		TaskTTL:        taskTTL,
	}
}

// Broadcast resolves the target set, persists one submitted task per
// authorized target, then executes the legs under the chosen strategy.
// Unresolvable or unauthorized targets get a failed outcome with no task.
func (e *Engine) Broadcast(ctx context.Context, req Request) (*Result, error) {
	if req.Sender == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidRequest)
	}
	if len(req.Message) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidRequest)
	}
	if len(req.TargetIDs) == 0 && req.Filter == nil {
		return nil, fmt.Errorf("%w: no targets", ErrInvalidRequest)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyParallel
	}
	switch strategy {
	case StrategyParallel, StrategySequential, StrategyFirstResponse:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, strategy)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	result := &Result{
		ContextID: uuid.NewString(),
		Legs:      make(map[string]LegOutcome),
	}

	ctx, span := e.TraceManager.StartBroadcastSpan(ctx, req.Sender, string(strategy), len(req.TargetIDs))
	defer span.End()
	e.MetricsManager.IncrementBroadcasts(ctx, string(strategy))

	legs, err := e.prepare(ctx, req, result)
	if err != nil {
		e.TraceManager.RecordError(span, err)
		return nil, err
	}

	switch strategy {
	case StrategyParallel:
		e.runParallel(ctx, req, legs, result)
	case StrategySequential:
		e.runSequential(ctx, req, legs, result)
	case StrategyFirstResponse:
		e.runFirstResponse(ctx, req, legs, result)
	}

	for _, lo := range result.Legs {
		e.MetricsManager.IncrementBroadcastLegs(ctx, string(strategy), string(lo.State))
	}
	e.TraceManager.SetSpanSuccess(span)

	e.Logger.InfoContext(ctx, "broadcast finished",
		slog.String("context_id", result.ContextID),
		slog.String("strategy", string(strategy)),
		slog.Int("legs", len(result.Legs)),
	)
	return result, nil
}

// prepare resolves and authorizes the target set and creates one
// submitted task per deliverable target. The sender never receives its
// own broadcast.
func (e *Engine) prepare(ctx context.Context, req Request, result *Result) ([]leg, error) {
	refs := make(map[string]*directory.AgentRef)

	for _, id := range req.TargetIDs {
		if id == req.Sender {
			continue
		}
		ref, err := e.Directory.Resolve(ctx, id)
		if err != nil || ref.Endpoint == "" {
			result.Legs[id] = LegOutcome{State: task.StateFailed, Error: "target not found"}
			continue
		}
		refs[id] = ref
	}

	if req.Filter != nil {
		ids, err := e.Directory.ResolveByFilter(ctx, *req.Filter)
		if err != nil {
			return nil, fmt.Errorf("resolve filter: %w", err)
		}
		for _, id := range ids {
			if id == req.Sender {
				continue
			}
			if _, ok := refs[id]; ok {
				continue
			}
			ref, err := e.Directory.Resolve(ctx, id)
			if err != nil || ref.Endpoint == "" {
				continue
			}
			refs[id] = ref
		}
	}

	legs := make([]leg, 0, len(refs))
	for id, ref := range refs {
		if err := e.Gateway.Authorize(ctx, req.SenderSubnets, ref, req.Credential); err != nil {
			result.Legs[id] = LegOutcome{State: task.StateFailed, Error: "not authorized"}
			e.MetricsManager.IncrementAuthorizationDenied(ctx, id)
			continue
		}
		t := task.New(task.KindBroadcastLeg, result.ContextID, req.Sender, id, req.Message, e.TaskTTL)
		if err := e.Store.Create(ctx, t); err != nil {
			return nil, fmt.Errorf("persist leg for %s: %w", id, err)
		}
		e.MetricsManager.IncrementTasksCreated(ctx, string(t.Kind))
		legs = append(legs, leg{ref: ref, t: t})
	}

	// Deterministic execution order for the sequential strategy.
	sort.Slice(legs, func(i, j int) bool { return legs[i].t.Target < legs[j].t.Target })
	return legs, nil
}

func (e *Engine) runParallel(ctx context.Context, req Request, legs []leg, result *Result) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, l := range legs {
		g.Go(func() error {
			final, err := e.Router.Deliver(gctx, l.t, l.ref, req.SenderSubnets)
			mu.Lock()
			result.Legs[l.t.Target] = outcome(l.t, final, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) runSequential(ctx context.Context, req Request, legs []leg, result *Result) {
	for i, l := range legs {
		final, err := e.Router.Deliver(ctx, l.t, l.ref, req.SenderSubnets)
		result.Legs[l.t.Target] = outcome(l.t, final, err)

		if err != nil && !req.BestEffort {
			e.cancelPending(ctx, legs[i+1:], result)
			return
		}
	}
}

func (e *Engine) runFirstResponse(ctx context.Context, req Request, legs []leg, result *Result) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var once sync.Once
	var wg sync.WaitGroup

	for _, l := range legs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			final, err := e.Router.Deliver(raceCtx, l.t, l.ref, req.SenderSubnets)
			mu.Lock()
			result.Legs[l.t.Target] = outcome(l.t, final, err)
			mu.Unlock()

			if err == nil && final != nil && final.State == task.StateCompleted {
				once.Do(func() {
					mu.Lock()
					result.Winner = l.t.Target
					mu.Unlock()
					cancel()
				})
			}
		}()
	}
	wg.Wait()
}

// cancelPending drives never-started legs to canceled. A leg that
// already left submitted is left alone. The writes are detached from the
// caller's context so an expired broadcast deadline cannot leave legs
// stuck in submitted.
func (e *Engine) cancelPending(ctx context.Context, legs []leg, result *Result) {
	storeCtx := context.WithoutCancel(ctx)
	for _, l := range legs {
		canceled, err := e.Store.Transition(storeCtx, l.t.ID, task.StateSubmitted, task.StateCanceled, nil, nil)
		if err != nil {
			if errors.Is(err, task.ErrConflict) {
				continue
			}
			e.Logger.WarnContext(ctx, "leg cancellation failed",
				slog.String("task_id", l.t.ID),
				slog.Any("error", err),
			)
			continue
		}
		result.Legs[l.t.Target] = LegOutcome{TaskID: l.t.ID, State: canceled.State}
	}
}

// outcome converts a delivery return into a leg report. When the
// transition itself failed the stored task is the source of truth.
func outcome(created *task.Task, final *task.Task, err error) LegOutcome {
	if final != nil {
		o := LegOutcome{TaskID: final.ID, State: final.State}
		if final.Error != nil {
			o.Error = final.Error.Message
		} else if err != nil {
			o.Error = err.Error()
		}
		return o
	}
	o := LegOutcome{TaskID: created.ID, State: created.State}
	if err != nil {
		o.Error = err.Error()
	}
	return o
}
