package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a task. Transitions are monotonic:
// submitted -> working -> {completed, failed, canceled}. A submitted task
// may also be canceled directly when its delivery was never started.
type State string

const (
	StateSubmitted State = "submitted"
	StateWorking   State = "working"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether a task in this state can never change again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// ValidTransition reports whether from -> to is allowed by the state machine.
func ValidTransition(from, to State) bool {
	switch from {
	case StateSubmitted:
		return to == StateWorking || to == StateCanceled
	case StateWorking:
		return to == StateCompleted || to == StateFailed || to == StateCanceled
	}
	return false
}

// Kind distinguishes a point-to-point route from one leg of a broadcast.
type Kind string

const (
	KindRoute        Kind = "route"
	KindBroadcastLeg Kind = "broadcast-leg"
)

// Part is one element of an opaque message payload. The core never
// interprets part content; it only carries it to the target endpoint.
type Part struct {
	Kind string          `json:"kind"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TextPart builds a text payload part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// DataPart builds a structured-data payload part.
func DataPart(data json.RawMessage) Part {
	return Part{Kind: "data", Data: data}
}

// Failure is the structured error recorded on a task that reached the
// failed state.
type Failure struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// DefaultTTL is how long a task outlives its creation before the store
// stops returning it.
const DefaultTTL = 30 * 24 * time.Hour

// Task is the durable record of one delivery unit: a point-to-point route
// or a single broadcast leg. All legs of one broadcast share a ContextID.
type Task struct {
	ID        string          `json:"id"`
	ContextID string          `json:"context_id"`
	Kind      Kind            `json:"kind"`
	State     State           `json:"state"`
	Sender    string          `json:"sender"`
	Target    string          `json:"target"`
	Payload   []Part          `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Failure        `json:"error,omitempty"`
}

// New builds a task in the submitted state with a fresh id. A zero ttl
// falls back to DefaultTTL.
func New(kind Kind, contextID, sender, target string, payload []Part, ttl time.Duration) *Task {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		ContextID: contextID,
		Kind:      kind,
		State:     StateSubmitted,
		Sender:    sender,
		Target:    target,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the task is past its expiry at the given time.
func (t *Task) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Clone returns a shallow copy so callers cannot mutate stored state.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}
