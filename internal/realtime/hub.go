// Package realtime pushes task lifecycle events to connected agents over
// named channels. Delivery is best effort: a slow consumer loses its
// oldest buffered events, never the hub's liveness.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentplanet/acn/internal/observability"
	"github.com/agentplanet/acn/internal/task"
)

// DefaultBufferSize is the per-connection outbound event buffer.
const DefaultBufferSize = 256

// DefaultIdleTimeout is how long a connection may go without a ping
// before the reaper disconnects it.
const DefaultIdleTimeout = 90 * time.Second

// Hub fans events out to subscribed connections. Channel names are
// free-form; by convention the router publishes to the task's context id
// and to the target agent id.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	channels map[string]map[string]*Conn

	bufSize     int
	idleTimeout time.Duration
	logger      *slog.Logger

	tracer  *observability.TraceManager
	metrics *observability.MetricsManager
	onDrop  func(n int)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBufferSize overrides the per-connection buffer capacity.
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 1 {
			h.bufSize = n
		}
	}
}

// WithIdleTimeout overrides how long a silent connection survives.
func WithIdleTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.idleTimeout = d
		}
	}
}

// WithDropCallback registers a hook invoked with the number of events
// dropped on each buffer overflow. Used to feed the dropped-events
// counter.
func WithDropCallback(fn func(n int)) HubOption {
	return func(h *Hub) { h.onDrop = fn }
}

// WithObservability attaches the trace and metrics managers so connects,
// disconnects and publishes are traced and counted.
func WithObservability(tm *observability.TraceManager, mm *observability.MetricsManager) HubOption {
	return func(h *Hub) {
		h.tracer = tm
		h.metrics = mm
	}
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		conns:       make(map[string]*Conn),
		channels:    make(map[string]map[string]*Conn),
		bufSize:     DefaultBufferSize,
		idleTimeout: DefaultIdleTimeout,
		logger:      logger,
		tracer:      observability.NewTraceManager("acn-realtime"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a connection for an agent and auto-subscribes it to
// its own agent id channel.
func (h *Hub) Connect(ctx context.Context, agentID, subnetID string) *Conn {
	c := newConn(uuid.NewString(), agentID, subnetID, h.bufSize)

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	h.Subscribe(c.ID, agentID)

	if h.metrics != nil {
		h.metrics.AddRealtimeConnections(ctx, 1)
	}
	h.logger.InfoContext(ctx, "realtime connection opened",
		slog.String("conn_id", c.ID),
		slog.String("agent_id", agentID),
	)
	return c
}

// Disconnect removes a connection from every channel and unblocks its
// reader.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	for ch := range c.channels {
		h.removeFromChannel(ch, connID)
	}
	h.mu.Unlock()

	c.close()
	if h.metrics != nil {
		h.metrics.AddRealtimeConnections(ctx, -1)
	}
	h.logger.InfoContext(ctx, "realtime connection closed",
		slog.String("conn_id", connID),
		slog.String("agent_id", c.AgentID),
	)
}

// Subscribe adds the connection to a channel. Unknown connections are
// ignored.
func (h *Hub) Subscribe(connID, channel string) {
	if channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	c.channels[channel] = struct{}{}
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]*Conn)
	}
	h.channels[channel][connID] = c
}

// Unsubscribe removes the connection from a channel.
func (h *Hub) Unsubscribe(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(c.channels, channel)
	h.removeFromChannel(channel, connID)
}

// removeFromChannel must be called with h.mu held.
func (h *Hub) removeFromChannel(channel, connID string) {
	subs := h.channels[channel]
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// Touch records liveness for a connection, typically on a ping.
func (h *Hub) Touch(connID string) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		c.touch(time.Now())
	}
}

// Publish pushes an event to every subscriber of a channel and returns
// the number of connections reached.
func (h *Hub) Publish(ctx context.Context, channel, eventType string, data json.RawMessage) int {
	ctx, span := h.tracer.StartPublishSpan(ctx, channel, eventType)
	defer span.End()

	if h.metrics != nil {
		h.metrics.IncrementRealtimeEvents(ctx, eventType)
	}

	e := &Event{
		Type:      eventType,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	subs := make([]*Conn, 0, len(h.channels[channel]))
	for _, c := range h.channels[channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		if dropped := c.push(e); dropped > 0 {
			if h.onDrop != nil {
				h.onDrop(dropped)
			}
			h.logger.WarnContext(ctx, "realtime buffer overflow",
				slog.String("conn_id", c.ID),
				slog.String("agent_id", c.AgentID),
				slog.Int("dropped", dropped),
			)
		}
	}
	return len(subs)
}

// PublishTask pushes a task snapshot to the task's context channel and
// to the target agent's own channel.
func (h *Hub) PublishTask(ctx context.Context, t *task.Task) {
	data, err := json.Marshal(t)
	if err != nil {
		h.logger.ErrorContext(ctx, "encode task event",
			slog.String("task_id", t.ID),
			slog.Any("error", err),
		)
		return
	}
	h.Publish(ctx, t.ContextID, EventTaskUpdate, data)
	if t.Target != "" && t.Target != t.ContextID {
		h.Publish(ctx, t.Target, EventTaskUpdate, data)
	}
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Run reaps idle connections until the context ends. The interval is
// derived from the idle timeout.
func (h *Hub) Run(ctx context.Context) {
	interval := h.idleTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll(ctx)
			return
		case <-ticker.C:
			h.reap(ctx)
		}
	}
}

func (h *Hub) reap(ctx context.Context) {
	cutoff := time.Now().Add(-h.idleTimeout)

	h.mu.RLock()
	stale := make([]string, 0)
	for id, c := range h.conns {
		if c.seen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.logger.InfoContext(ctx, "reaping idle realtime connection", slog.String("conn_id", id))
		h.Disconnect(ctx, id)
	}
}

func (h *Hub) closeAll(ctx context.Context) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Disconnect(ctx, id)
	}
}
