package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrConnClosed is returned by Next after the connection is released.
var ErrConnClosed = errors.New("realtime connection closed")

// Event is the envelope pushed over a realtime channel.
type Event struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Event types on the wire. Clients also send subscribe/unsubscribe/ping;
// the hub responds with pong and pushes the rest.
const (
	EventSystem     = "system"
	EventTaskUpdate = "task_update"
	EventDropped    = "dropped_event"
	EventPong       = "pong"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
)

// droppedData is the payload of a dropped_event marker.
type droppedData struct {
	Dropped int `json:"dropped"`
}

// Conn is one live push channel to a connected agent. The outbound
// buffer is bounded: when a publish would overflow it, the oldest
// undelivered events are dropped and a single dropped_event marker is
// substituted at the front, so publishers never block and memory stays
// bounded.
type Conn struct {
	ID       string
	AgentID  string
	SubnetID string

	mu       sync.Mutex
	buf      []*Event
	bufSize  int
	notify   chan struct{}
	closed   bool
	lastSeen time.Time
	channels map[string]struct{}
}

func newConn(id, agentID, subnetID string, bufSize int) *Conn {
	return &Conn{
		ID:       id,
		AgentID:  agentID,
		SubnetID: subnetID,
		bufSize:  bufSize,
		notify:   make(chan struct{}, 1),
		lastSeen: time.Now(),
		channels: make(map[string]struct{}),
	}
}

// push queues an event, applying the drop-oldest policy on overflow. It
// reports how many events were newly dropped.
func (c *Conn) push(e *Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	newlyDropped := 0
	if len(c.buf)+1 > c.bufSize {
		// Fold an existing marker's count into the new one. Folded
		// events were already reported dropped on a previous push.
		total := 0
		if len(c.buf) > 0 && c.buf[0].Type == EventDropped {
			var d droppedData
			_ = json.Unmarshal(c.buf[0].Data, &d)
			total = d.Dropped
			c.buf = c.buf[1:]
		}
		// Make room for the marker and the incoming event.
		for len(c.buf)+2 > c.bufSize {
			c.buf = c.buf[1:]
			newlyDropped++
		}
		data, _ := json.Marshal(droppedData{Dropped: total + newlyDropped})
		marker := &Event{
			Type:      EventDropped,
			Data:      data,
			Timestamp: time.Now().UTC(),
		}
		c.buf = append([]*Event{marker}, c.buf...)
	}

	c.buf = append(c.buf, e)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return newlyDropped
}

// Next blocks until an event is buffered, the connection closes, or the
// context ends. The socket writer of each connection drains events
// through it.
func (c *Conn) Next(ctx context.Context) (*Event, error) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			e := c.buf[0]
			c.buf = c.buf[1:]
			c.mu.Unlock()
			return e, nil
		}
		if c.closed {
			c.mu.Unlock()
			return nil, ErrConnClosed
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Buffered returns the number of queued events.
func (c *Conn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

func (c *Conn) touch(t time.Time) {
	c.mu.Lock()
	c.lastSeen = t
	c.mu.Unlock()
}

func (c *Conn) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *Conn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
