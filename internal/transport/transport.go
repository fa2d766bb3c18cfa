// Package transport carries message envelopes to resolved agent
// endpoints. The core treats it as a request/response primitive: one
// envelope in, one opaque success payload or one classified error out.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentplanet/acn/internal/task"
)

var (
	// ErrTimeout marks an attempt that did not complete within its
	// per-attempt deadline. Retryable.
	ErrTimeout = errors.New("delivery timed out")

	// ErrRefused marks an attempt the endpoint rejected or that failed
	// at the connection level. Retryable.
	ErrRefused = errors.New("delivery refused")
)

// Envelope is the wire unit carried to an endpoint.
type Envelope struct {
	Sender    string      `json:"sender"`
	ContextID string      `json:"context_id"`
	Parts     []task.Part `json:"message_parts"`
	Hops      int         `json:"hops,omitempty"`
}

// Error wraps a transport failure with the endpoint it occurred against.
type Error struct {
	Endpoint string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Endpoint, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the router's retry loop should attempt the
// delivery again.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRefused)
}

// Transport performs one delivery attempt against an endpoint.
type Transport interface {
	Deliver(ctx context.Context, endpoint string, env Envelope) (json.RawMessage, error)
}
