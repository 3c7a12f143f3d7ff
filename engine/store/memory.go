package store

import (
	"context"
	"sync"

	"github.com/trellis/fulfillment/engine/history"
)

// MemoryStore keeps histories in process memory. It honors the same
// single-writer-per-instance contract as the Postgres store and backs
// tests and the local storage driver.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string][]history.Event
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string][]history.Event)}
}

// CreateInstance appends the Started event at seq 1
func (s *MemoryStore) CreateInstance(_ context.Context, sagaID string, started history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[sagaID]; ok {
		return ErrAlreadyExists
	}

	started.Seq = 1
	s.instances[sagaID] = []history.Event{started}
	return nil
}

// Append extends the history after the optimistic sequence check
func (s *MemoryStore) Append(_ context.Context, sagaID string, expectedSeq int, events []history.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.instances[sagaID]
	if !ok {
		return 0, ErrNotFound
	}

	current := log[len(log)-1].Seq
	if current != expectedSeq {
		return 0, &ConflictError{SagaID: sagaID, ExpectedSeq: expectedSeq, ActualSeq: current}
	}

	for _, ev := range events {
		current++
		ev.Seq = current
		log = append(log, ev)
	}
	s.instances[sagaID] = log

	return current, nil
}

// History returns a copy of the ordered event log
func (s *MemoryStore) History(_ context.Context, sagaID string) ([]history.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.instances[sagaID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]history.Event, len(log))
	copy(out, log)
	return out, nil
}

// RunnableInstances lists non-terminal instance IDs
func (s *MemoryStore) RunnableInstances(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, log := range s.instances {
		if _, done := history.Terminal(log); !done {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PendingTimers lists scheduled-but-unfired timers of non-terminal instances
func (s *MemoryStore) PendingTimers(_ context.Context) ([]PendingTimer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []PendingTimer
	for id, log := range s.instances {
		if _, done := history.Terminal(log); done {
			continue
		}
		fired := make(map[string]bool)
		for _, ev := range log {
			if ev.Type == history.EventTimerFired || ev.Type == history.EventTimerCanceled {
				fired[ev.CommandID] = true
			}
		}
		for _, ev := range log {
			if ev.Type == history.EventTimerScheduled && !fired[ev.CommandID] {
				pending = append(pending, PendingTimer{SagaID: id, CommandID: ev.CommandID, FireAt: ev.FireAt})
			}
		}
	}
	return pending, nil
}
