package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a task does not exist or is past its
	// expiry. The query surface does not distinguish the two cases.
	ErrNotFound = errors.New("task not found")

	// ErrConflict is returned when a transition's from-state does not
	// match the stored state, or the transition is not allowed by the
	// state machine. A terminal task is never resurrected.
	ErrConflict = errors.New("task state conflict")
)

// Query selects tasks for List. Cursor is an opaque token from a previous
// page; an empty cursor starts at the oldest task.
type Query struct {
	ContextID string
	State     State
	Cursor    string
	Limit     int
}

// Page is one page of List results. NextCursor is empty when the listing
// is exhausted.
type Page struct {
	Tasks      []*Task
	NextCursor string
}

// DeadLetter is a failed delivery retained for replay after the retry
// budget is exhausted.
type DeadLetter struct {
	TaskID     string    `json:"task_id"`
	ContextID  string    `json:"context_id"`
	Sender     string    `json:"sender"`
	Target     string    `json:"target"`
	Payload    []Part    `json:"payload,omitempty"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store persists tasks and their secondary indexes. Implementations must
// apply Transition as an atomic compare-and-swap on the stored state:
// the router and the broadcast engine may race on the same task id.
type Store interface {
	// Create persists a new task and its index entries. The task's
	// remaining TTL is derived from ExpiresAt at write time.
	Create(ctx context.Context, t *Task) error

	// Transition moves a task from one state to another, recording the
	// result or failure on terminal transitions. It returns ErrConflict
	// when the stored state differs from from, or the transition is
	// illegal, and ErrNotFound when the task is gone or expired. On
	// success the updated task is returned.
	Transition(ctx context.Context, id string, from, to State, result json.RawMessage, failure *Failure) (*Task, error)

	// Get returns a task by id, or ErrNotFound if absent or expired.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns a page of non-expired tasks in insertion order,
	// filtered by the query. The cursor is stable under concurrent
	// inserts.
	List(ctx context.Context, q Query) (*Page, error)

	// AppendDeadLetter records a failed delivery under its context id.
	AppendDeadLetter(ctx context.Context, entry DeadLetter) error

	// DeadLetters returns up to limit retained dead letters for a
	// context, newest first, without removing them.
	DeadLetters(ctx context.Context, contextID string, limit int) ([]DeadLetter, error)

	// PopDeadLetter removes and returns the oldest dead letter for a
	// context, or ErrNotFound when the list is empty.
	PopDeadLetter(ctx context.Context, contextID string) (*DeadLetter, error)

	// Sweep removes expired tasks and their index entries. Backing
	// stores with passive expiry only need to clean indexes here.
	Sweep(ctx context.Context) (int, error)
}
