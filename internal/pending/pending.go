// Package pending tracks background full-answer generations by opaque id.
package pending

import (
	"sync"
	"time"
)

// Entry is the poll-visible state of one background generation. Settled
// entries never change again; repeated polls see the same value.
type Entry struct {
	Ready      bool
	Answer     string
	Err        string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store abstracts the pending-full map so the orchestrator can be tested
// without process-wide state.
type Store interface {
	Create(id string)
	Get(id string) (Entry, bool)
	Resolve(id, answer, errMsg string)
}

type record struct {
	entry    Entry
	deadline time.Time
}

// MemoryStore is the in-process Store. Entries expire a fixed interval
// after settlement so long-lived processes do not accumulate them.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore constructs a store whose settled entries live for ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Create registers a fresh pending entry under id.
func (s *MemoryStore) Create(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[id] = record{
		entry:    Entry{StartedAt: s.now()},
		deadline: s.now().Add(s.ttl),
	}
}

// Get returns the entry for id. Expired entries are dropped and reported
// absent, which polls surface as not-found.
func (s *MemoryStore) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return Entry{}, false
	}
	if s.now().After(r.deadline) {
		delete(s.records, id)
		return Entry{}, false
	}
	return r.entry, true
}

// Resolve settles id exactly once with the final answer and optional
// error. The whole entry is replaced in one step; later calls are no-ops.
func (s *MemoryStore) Resolve(id, answer, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok || r.entry.Ready {
		return
	}

	r.entry = Entry{
		Ready:      true,
		Answer:     answer,
		Err:        errMsg,
		StartedAt:  r.entry.StartedAt,
		FinishedAt: s.now(),
	}
	r.deadline = s.now().Add(s.ttl)
	s.records[id] = r
}
