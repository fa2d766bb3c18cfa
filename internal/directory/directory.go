// Package directory defines the client interface to the external agent
// directory. The core only reads resolution snapshots through this
// interface and must tolerate staleness: an agent may go offline between
// resolution and delivery.
package directory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an agent id cannot be resolved. Callers
// surface it immediately and never retry it.
var ErrNotFound = errors.New("agent not found in directory")

// Status is the directory's view of an agent's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

// AgentRef is an immutable-per-lookup snapshot of an agent. The directory
// owns and mutates the underlying record; the core only reads.
type AgentRef struct {
	ID        string
	Endpoint  string
	Skills    []string
	SubnetIDs []string
	Status    Status
}

// HasSkill reports whether the snapshot lists the given skill.
func (r *AgentRef) HasSkill(skill string) bool {
	for _, s := range r.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// InSubnet reports whether the snapshot lists the given subnet.
func (r *AgentRef) InSubnet(subnetID string) bool {
	for _, s := range r.SubnetIDs {
		if s == subnetID {
			return true
		}
	}
	return false
}

// Filter selects agents by skill and/or subnet membership, optionally
// restricted to a status.
type Filter struct {
	Skills   []string
	SubnetID string
	Status   Status
}

// Client resolves agent ids to reachable endpoints and memberships.
type Client interface {
	// Resolve returns a snapshot for the agent, or ErrNotFound.
	Resolve(ctx context.Context, agentID string) (*AgentRef, error)

	// ResolveByFilter returns the ids of agents matching the filter at
	// the time of the call. Order is deterministic (ascending id).
	ResolveByFilter(ctx context.Context, f Filter) ([]string, error)
}
