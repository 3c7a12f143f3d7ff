// Package store persists saga histories. Appends are durable before they
// are acknowledged and serialized per instance through an optimistic
// sequence check: at most one writer can extend a given history version.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine/history"
)

var (
	// ErrNotFound is returned when a saga ID is unknown.
	ErrNotFound = errors.New("saga instance not found")
	// ErrAlreadyExists is returned when creating an instance whose ID is taken.
	ErrAlreadyExists = errors.New("saga instance already exists")
)

// ConflictError is returned when an append carries a stale expected
// sequence number. The caller must reload the history and re-derive its
// decision; it must never drop the event.
type ConflictError struct {
	SagaID      string
	ExpectedSeq int
	ActualSeq   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: expected seq %d, got %d", e.SagaID, e.ExpectedSeq, e.ActualSeq)
}

// IsConflict reports whether err is a store-level concurrency conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// PendingTimer is a scheduled timer with no recorded fire, used to rebuild
// the in-process scheduler after a restart.
type PendingTimer struct {
	SagaID    string
	CommandID string
	FireAt    time.Time
}

// Store is the durable history log. Sequence numbers start at 1 with the
// Started event and grow monotonically.
type Store interface {
	// CreateInstance appends the Started event at seq 1. Fails with
	// ErrAlreadyExists when the ID is taken.
	CreateInstance(ctx context.Context, sagaID string, started history.Event) error

	// Append extends the history. expectedSeq must equal the current
	// highest sequence number or the append fails with *ConflictError.
	// Returns the new highest sequence number.
	Append(ctx context.Context, sagaID string, expectedSeq int, events []history.Event) (int, error)

	// History returns the full ordered event log. ErrNotFound for
	// unknown IDs.
	History(ctx context.Context, sagaID string) ([]history.Event, error)

	// RunnableInstances lists IDs of instances without a terminal event,
	// used for recovery after a restart.
	RunnableInstances(ctx context.Context) ([]string, error)

	// PendingTimers lists timers scheduled but not yet fired across
	// non-terminal instances.
	PendingTimers(ctx context.Context) ([]PendingTimer, error)
}
