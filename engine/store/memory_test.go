package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/fulfillment/engine/history"
)

func TestMemoryStore_CreateInstance(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	err := st.CreateInstance(ctx, "saga-1", history.NewStarted("wf", nil, "", ""))
	require.NoError(t, err)

	err = st.CreateInstance(ctx, "saga-1", history.NewStarted("wf", nil, "", ""))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	hist, err := st.History(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, history.EventStarted, hist[0].Type)
	assert.Equal(t, 1, hist[0].Seq)

	_, err = st.History(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_AppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.CreateInstance(ctx, "saga-1", history.NewStarted("wf", nil, "", "")))

	seq, err := st.Append(ctx, "saga-1", 1, []history.Event{
		history.NewActivityScheduled("activity:1", "step", nil, history.ActivityOptions{}),
		history.NewActivityCompleted("activity:1", nil, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seq)

	hist, err := st.History(ctx, "saga-1")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	for i, ev := range hist {
		assert.Equal(t, i+1, ev.Seq)
	}
}

func TestMemoryStore_AppendConflicts(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.CreateInstance(ctx, "saga-1", history.NewStarted("wf", nil, "", "")))

	_, err := st.Append(ctx, "saga-1", 5, []history.Event{history.NewCompleted(nil)})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "saga-1", conflict.SagaID)
	assert.Equal(t, 5, conflict.ExpectedSeq)
	assert.Equal(t, 1, conflict.ActualSeq)

	_, err = st.Append(ctx, "missing", 1, []history.Event{history.NewCompleted(nil)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RunnableInstances(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	require.NoError(t, st.CreateInstance(ctx, "open", history.NewStarted("wf", nil, "", "")))
	require.NoError(t, st.CreateInstance(ctx, "closed", history.NewStarted("wf", nil, "", "")))
	_, err := st.Append(ctx, "closed", 1, []history.Event{history.NewCompleted(nil)})
	require.NoError(t, err)

	runnable, err := st.RunnableInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"open"}, runnable)
}

func TestMemoryStore_PendingTimers(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	fireAt := time.Now().UTC().Add(time.Minute)

	require.NoError(t, st.CreateInstance(ctx, "saga-1", history.NewStarted("wf", nil, "", "")))
	_, err := st.Append(ctx, "saga-1", 1, []history.Event{
		history.NewTimerScheduled("timer:1", fireAt),
		history.NewTimerScheduled("timer:2", fireAt),
		history.NewTimerFired("timer:1"),
	})
	require.NoError(t, err)

	pending, err := st.PendingTimers(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "saga-1", pending[0].SagaID)
	assert.Equal(t, "timer:2", pending[0].CommandID)
	assert.WithinDuration(t, fireAt, pending[0].FireAt, time.Second)

	// Terminal instances no longer report timers
	_, err = st.Append(ctx, "saga-1", 4, []history.Event{history.NewCompleted(nil)})
	require.NoError(t, err)
	pending, err = st.PendingTimers(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
