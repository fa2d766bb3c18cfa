package directory

import (
	"context"
	"sort"
	"sync"
)

// Static is an in-process directory used by tests and local deployments
// where the external directory service is not available. Entries are
// registered programmatically.
type Static struct {
	mu     sync.RWMutex
	agents map[string]AgentRef
}

// NewStatic returns an empty static directory.
func NewStatic() *Static {
	return &Static{agents: make(map[string]AgentRef)}
}

// Add registers or replaces an agent snapshot.
func (d *Static) Add(ref AgentRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[ref.ID] = ref
}

// Remove drops an agent.
func (d *Static) Remove(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, agentID)
}

// SetStatus updates an agent's availability if it exists.
func (d *Static) SetStatus(agentID string, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ref, ok := d.agents[agentID]; ok {
		ref.Status = status
		d.agents[agentID] = ref
	}
}

func (d *Static) Resolve(ctx context.Context, agentID string) (*AgentRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ref, ok := d.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := ref
	return &snapshot, nil
}

func (d *Static) ResolveByFilter(ctx context.Context, f Filter) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for id, ref := range d.agents {
		if f.Status != "" && ref.Status != f.Status {
			continue
		}
		if f.SubnetID != "" && !ref.InSubnet(f.SubnetID) {
			continue
		}
		if !hasAllSkills(&ref, f.Skills) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func hasAllSkills(ref *AgentRef, skills []string) bool {
	for _, s := range skills {
		if !ref.HasSkill(s) {
			return false
		}
	}
	return true
}
