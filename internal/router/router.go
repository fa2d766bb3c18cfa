// Package router implements point-to-point message delivery: resolve the
// target, authorize the subnet crossing, persist a task, then push the
// envelope with bounded retries. The task record is always written before
// its state is reported anywhere else.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agentplanet/acn/internal/directory"
	"github.com/agentplanet/acn/internal/observability"
	"github.com/agentplanet/acn/internal/subnet"
	"github.com/agentplanet/acn/internal/task"
	"github.com/agentplanet/acn/internal/transport"
)

const (
	// DefaultMaxAttempts bounds transport attempts per delivery.
	DefaultMaxAttempts = 3

	// DefaultAttemptTimeout is the per-attempt transport deadline.
	DefaultAttemptTimeout = 10 * time.Second
)

// ErrInvalidRequest marks a request rejected before any task was created.
var ErrInvalidRequest = errors.New("invalid route request")

// Events receives task snapshots after every persisted state change.
type Events interface {
	PublishTask(ctx context.Context, t *task.Task)
}

// Config tunes delivery behavior.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	TaskTTL        time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
}

// Request is one point-to-point delivery order.
type Request struct {
	Sender        string
	SenderSubnets []string
	Target        string
	ContextID     string
	Message       []task.Part
	Credential    string
}

// Router delivers messages to single targets and records every delivery
// as a task.
type Router struct {
	Store     task.Store
	Directory directory.Client
	Gateway   *subnet.Gateway
	Transport transport.Transport
	Events    Events

	TraceManager   *observability.TraceManager
	MetricsManager *observability.MetricsManager
	Logger         *slog.Logger

	cfg Config
}

// New builds a router. Events may be nil when no realtime hub is wired.
func New(store task.Store, dir directory.Client, gw *subnet.Gateway, tr transport.Transport, events Events, tm *observability.TraceManager, mm *observability.MetricsManager, logger *slog.Logger, cfg Config) *Router {
	cfg.defaults()
	return &Router{
		Store:          store,
		Directory:      dir,
		Gateway:        gw,
		Transport:      tr,
		Events:         events,
		TraceManager:   tm,
		MetricsManager: mm,
		Logger:         logger,
		cfg:            cfg,
	}
}

// Route validates, authorizes and delivers one message. Requests that
// fail before authorization leave no task behind; once a task exists the
// returned task carries the final state even when delivery failed.
func (r *Router) Route(ctx context.Context, req Request) (*task.Task, error) {
	ctx, span := r.TraceManager.StartRouteSpan(ctx, req.Sender, req.Target)
	defer span.End()

	if req.Sender == "" || req.Target == "" {
		err := fmt.Errorf("%w: sender and target are required", ErrInvalidRequest)
		r.TraceManager.RecordError(span, err)
		return nil, err
	}
	if len(req.Message) == 0 {
		err := fmt.Errorf("%w: empty message", ErrInvalidRequest)
		r.TraceManager.RecordError(span, err)
		return nil, err
	}

	ref, err := r.Directory.Resolve(ctx, req.Target)
	if err != nil {
		r.TraceManager.RecordError(span, err)
		r.Logger.InfoContext(ctx, "route target not found",
			slog.String("sender", req.Sender),
			slog.String("target", req.Target),
		)
		return nil, err
	}
	if ref.Endpoint == "" {
		err := fmt.Errorf("resolve %s: %w", req.Target, directory.ErrNotFound)
		r.TraceManager.RecordError(span, err)
		return nil, err
	}

	if err := r.Gateway.Authorize(ctx, req.SenderSubnets, ref, req.Credential); err != nil {
		r.TraceManager.RecordError(span, err)
		r.MetricsManager.IncrementAuthorizationDenied(ctx, req.Target)
		return nil, err
	}
	r.TraceManager.AddSubnetAttributes(span, ref.SubnetIDs, subnet.CrossSubnet(req.SenderSubnets, ref))

	contextID := req.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	t := task.New(task.KindRoute, contextID, req.Sender, req.Target, req.Message, r.cfg.TaskTTL)
	if err := r.Store.Create(ctx, t); err != nil {
		r.TraceManager.RecordError(span, err)
		return nil, fmt.Errorf("persist task: %w", err)
	}
	r.MetricsManager.IncrementTasksCreated(ctx, string(t.Kind))
	r.TraceManager.AddTaskAttributes(span, t.ID, t.ContextID, string(t.State))
	r.publish(ctx, t)

	final, err := r.Deliver(ctx, t, ref, req.SenderSubnets)
	if err != nil {
		r.TraceManager.RecordError(span, err)
		return final, err
	}
	r.TraceManager.SetSpanSuccess(span)
	return final, nil
}

// Deliver pushes an already persisted submitted task to its resolved
// endpoint and drives it to a terminal state. The broadcast engine uses
// it directly for legs it created upfront.
func (r *Router) Deliver(ctx context.Context, t *task.Task, ref *directory.AgentRef, senderSubnets []string) (*task.Task, error) {
	// Store writes survive caller cancellation: a leg canceled mid-race
	// must still be recorded as canceled, and Redis rejects every command
	// once its context is done.
	storeCtx := context.WithoutCancel(ctx)

	working, err := r.transition(storeCtx, t.ID, task.StateSubmitted, task.StateWorking, nil, nil)
	if err != nil {
		return nil, err
	}

	stop := r.MetricsManager.StartTimer()
	defer stop(ctx, t.Target)

	payload, attempts, deliverErr := r.attempt(ctx, working, ref, senderSubnets)
	if deliverErr == nil {
		done, err := r.transition(storeCtx, t.ID, task.StateWorking, task.StateCompleted, payload, nil)
		if err != nil {
			return nil, err
		}
		r.Logger.InfoContext(ctx, "delivery completed",
			slog.String("task_id", t.ID),
			slog.String("target", t.Target),
			slog.Int("attempts", attempts),
		)
		return done, nil
	}

	if errors.Is(deliverErr, context.Canceled) {
		canceled, err := r.transition(storeCtx, t.ID, task.StateWorking, task.StateCanceled, nil, nil)
		if err != nil {
			return nil, err
		}
		return canceled, deliverErr
	}

	failure := &task.Failure{
		Code:     failureCode(deliverErr),
		Message:  deliverErr.Error(),
		Attempts: attempts,
	}
	failed, err := r.transition(storeCtx, t.ID, task.StateWorking, task.StateFailed, nil, failure)
	if err != nil {
		return nil, err
	}

	entry := task.DeadLetter{
		TaskID:     t.ID,
		ContextID:  t.ContextID,
		Sender:     t.Sender,
		Target:     t.Target,
		Payload:    t.Payload,
		Error:      deliverErr.Error(),
		RetryCount: attempts,
		Timestamp:  time.Now().UTC(),
	}
	if err := r.Store.AppendDeadLetter(storeCtx, entry); err != nil {
		r.Logger.ErrorContext(ctx, "dead letter append failed",
			slog.String("task_id", t.ID),
			slog.Any("error", err),
		)
	} else {
		r.MetricsManager.IncrementDeadLetters(ctx, t.ContextID)
	}

	r.Logger.WarnContext(ctx, "delivery failed",
		slog.String("task_id", t.ID),
		slog.String("target", t.Target),
		slog.Int("attempts", attempts),
		slog.Any("error", deliverErr),
	)
	return failed, deliverErr
}

// attempt runs the bounded retry loop. Only timeouts and refusals are
// retried; everything else aborts immediately.
func (r *Router) attempt(ctx context.Context, t *task.Task, ref *directory.AgentRef, senderSubnets []string) (result []byte, attempts int, err error) {
	env := transport.Envelope{
		Sender:    t.Sender,
		ContextID: t.ContextID,
		Parts:     t.Payload,
	}
	cross := subnet.CrossSubnet(senderSubnets, ref)

	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()

		spanCtx, span := r.TraceManager.StartDeliveryAttemptSpan(attemptCtx, ref.Endpoint, attempts)
		defer span.End()

		var payload []byte
		var attemptErr error
		if cross {
			payload, attemptErr = r.Gateway.Forward(spanCtx, ref.Endpoint, env)
		} else {
			payload, attemptErr = r.Transport.Deliver(spanCtx, ref.Endpoint, env)
		}

		r.MetricsManager.IncrementDeliveryAttempts(ctx, t.Target, attemptErr == nil)
		if attemptErr != nil {
			r.TraceManager.RecordError(span, attemptErr)
			if ctx.Err() != nil {
				return backoff.Permanent(context.Cause(ctx))
			}
			if transport.Retryable(attemptErr) {
				return attemptErr
			}
			return backoff.Permanent(attemptErr)
		}
		r.TraceManager.SetSpanSuccess(span)
		result = payload
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	err = backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(r.cfg.MaxAttempts-1)), ctx))
	return result, attempts, err
}

// Cancel drives a task to canceled from either non-terminal state.
func (r *Router) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := r.Store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.State.Terminal() {
		return nil, fmt.Errorf("cancel %s: %w", taskID, task.ErrConflict)
	}
	return r.transition(ctx, taskID, t.State, task.StateCanceled, nil, nil)
}

// RetryDeadLetters replays up to max dead letters for a context, oldest
// first, as fresh routes. Replays that fail again are re-dead-lettered by
// the normal delivery path. It returns the number of replays attempted.
func (r *Router) RetryDeadLetters(ctx context.Context, contextID string, senderSubnets []string, credential string, max int) (int, error) {
	if max <= 0 {
		max = 1
	}
	replayed := 0
	for replayed < max {
		entry, err := r.Store.PopDeadLetter(ctx, contextID)
		if errors.Is(err, task.ErrNotFound) {
			break
		}
		if err != nil {
			return replayed, err
		}
		replayed++

		req := Request{
			Sender:        entry.Sender,
			SenderSubnets: senderSubnets,
			Target:        entry.Target,
			ContextID:     entry.ContextID,
			Message:       entry.Payload,
			Credential:    credential,
		}
		if _, err := r.Route(ctx, req); err != nil {
			r.Logger.WarnContext(ctx, "dead letter replay failed",
				slog.String("task_id", entry.TaskID),
				slog.String("target", entry.Target),
				slog.Any("error", err),
			)
		}
	}
	return replayed, nil
}

// transition wraps the store CAS with metrics and the realtime publish.
func (r *Router) transition(ctx context.Context, id string, from, to task.State, result []byte, failure *task.Failure) (*task.Task, error) {
	t, err := r.Store.Transition(ctx, id, from, to, result, failure)
	if err != nil {
		if errors.Is(err, task.ErrConflict) {
			r.MetricsManager.IncrementTaskConflicts(ctx, string(to))
		}
		return nil, err
	}
	r.MetricsManager.IncrementTaskTransitions(ctx, string(from), string(to))
	r.publish(ctx, t)
	return t, nil
}

func (r *Router) publish(ctx context.Context, t *task.Task) {
	if r.Events != nil {
		r.Events.PublishTask(ctx, t)
	}
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return "timeout"
	case errors.Is(err, transport.ErrRefused):
		return "refused"
	case errors.Is(err, subnet.ErrHopLimit):
		return "hop_limit"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
