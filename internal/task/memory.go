package task

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// deadLetterCap bounds each context's dead-letter list, matching the cap
// the Redis store applies with LTRIM.
const deadLetterCap = 10000

// MemoryStore is an in-process Store used by tests and single-node local
// runs. It implements the same compare-and-swap transition semantics as
// the Redis store.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	seqs        map[string]uint64
	order       []string // task ids in insertion order
	seq         uint64
	deadLetters map[string][]DeadLetter
	now         func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]*Task),
		seqs:        make(map[string]uint64),
		deadLetters: make(map[string][]DeadLetter),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.tasks[t.ID] = t.Clone()
	s.seqs[t.ID] = s.seq
	s.order = append(s.order, t.ID)
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to State, result json.RawMessage, failure *Failure) (*Task, error) {
	if !ValidTransition(from, to) {
		return nil, ErrConflict
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Expired(s.now()) {
		return nil, ErrNotFound
	}
	if t.State != from {
		return nil, ErrConflict
	}

	t.State = to
	if result != nil {
		t.Result = result
	}
	if failure != nil {
		t.Error = failure
	}
	return t.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok || t.Expired(s.now()) {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, q Query) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var afterSeq uint64
	if q.Cursor != "" {
		n, err := strconv.ParseUint(q.Cursor, 10, 64)
		if err != nil {
			return nil, ErrNotFound
		}
		afterSeq = n
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	page := &Page{}
	for _, id := range s.order {
		seq := s.seqs[id]
		if seq <= afterSeq {
			continue
		}
		t, ok := s.tasks[id]
		if !ok || t.Expired(now) {
			continue
		}
		if q.ContextID != "" && t.ContextID != q.ContextID {
			continue
		}
		if q.State != "" && t.State != q.State {
			continue
		}
		if len(page.Tasks) == limit {
			// One more match exists past the page boundary.
			page.NextCursor = strconv.FormatUint(s.seqs[page.Tasks[limit-1].ID], 10)
			return page, nil
		}
		page.Tasks = append(page.Tasks, t.Clone())
	}
	return page, nil
}

func (s *MemoryStore) AppendDeadLetter(ctx context.Context, entry DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.deadLetters[entry.ContextID], entry)
	if len(list) > deadLetterCap {
		list = list[len(list)-deadLetterCap:]
	}
	s.deadLetters[entry.ContextID] = list
	return nil
}

func (s *MemoryStore) DeadLetters(ctx context.Context, contextID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.deadLetters[contextID]
	out := make([]DeadLetter, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *MemoryStore) PopDeadLetter(ctx context.Context, contextID string) (*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.deadLetters[contextID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	entry := list[0]
	s.deadLetters[contextID] = list[1:]
	return &entry, nil
}

func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		t, ok := s.tasks[id]
		if ok && !t.Expired(now) {
			kept = append(kept, id)
			continue
		}
		delete(s.tasks, id)
		delete(s.seqs, id)
		removed++
	}
	s.order = kept
	return removed, nil
}
