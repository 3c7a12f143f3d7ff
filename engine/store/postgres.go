package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine/history"
)

// PostgresStore implements Store using PostgreSQL.
//
// Schema:
//
//	CREATE TABLE saga_instances (
//	    saga_id     TEXT PRIMARY KEY,
//	    workflow    TEXT NOT NULL,
//	    current_seq INT NOT NULL,
//	    terminal    BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE saga_history (
//	    saga_id    TEXT NOT NULL,
//	    seq        INT NOT NULL,
//	    event_type TEXT NOT NULL,
//	    payload    JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (saga_id, seq)
//	);
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// postgresEvent represents a history row in the database
type postgresEvent struct {
	SagaID    string    `db:"saga_id"`
	Seq       int       `db:"seq"`
	EventType string    `db:"event_type"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

// CreateInstance inserts the instance row and the Started event at seq 1
func (s *PostgresStore) CreateInstance(ctx context.Context, sagaID string, started history.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO saga_instances (saga_id, workflow, current_seq, terminal, created_at, updated_at)
		VALUES ($1, $2, 1, FALSE, $3, $3)
		ON CONFLICT (saga_id) DO NOTHING`,
		sagaID, started.Workflow, now)
	if err != nil {
		return errors.Wrap(err, "failed to insert instance")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyExists
	}

	started.Seq = 1
	if err := s.insertEvent(ctx, tx, sagaID, started); err != nil {
		return err
	}

	return tx.Commit()
}

// Append extends the history after the optimistic sequence check
func (s *PostgresStore) Append(ctx context.Context, sagaID string, expectedSeq int, events []history.Event) (int, error) {
	if len(events) == 0 {
		return expectedSeq, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	terminal := false
	for _, ev := range events {
		if ev.IsTerminal() {
			terminal = true
		}
	}

	newSeq := expectedSeq + len(events)
	res, err := tx.ExecContext(ctx, `
		UPDATE saga_instances
		SET current_seq = $1, terminal = terminal OR $2, updated_at = $3
		WHERE saga_id = $4 AND current_seq = $5`,
		newSeq, terminal, time.Now().UTC(), sagaID, expectedSeq)
	if err != nil {
		return 0, errors.Wrap(err, "failed to advance sequence")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var current int
		err := tx.GetContext(ctx, &current,
			"SELECT current_seq FROM saga_instances WHERE saga_id = $1", sagaID)
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, errors.Wrap(err, "failed to read current sequence")
		}
		return 0, &ConflictError{SagaID: sagaID, ExpectedSeq: expectedSeq, ActualSeq: current}
	}

	seq := expectedSeq
	for _, ev := range events {
		seq++
		ev.Seq = seq
		if err := s.insertEvent(ctx, tx, sagaID, ev); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit append")
	}
	return newSeq, nil
}

func (s *PostgresStore) insertEvent(ctx context.Context, tx *sqlx.Tx, sagaID string, ev history.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO saga_history (saga_id, seq, event_type, payload, created_at)
		VALUES (:saga_id, :seq, :event_type, :payload, :created_at)`,
		&postgresEvent{
			SagaID:    sagaID,
			Seq:       ev.Seq,
			EventType: string(ev.Type),
			Payload:   payload,
			CreatedAt: ev.Time,
		})
	if err != nil {
		return errors.Wrap(err, "failed to insert event")
	}
	return nil
}

// History returns the full ordered event log
func (s *PostgresStore) History(ctx context.Context, sagaID string) ([]history.Event, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM saga_instances WHERE saga_id = $1)", sagaID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check instance")
	}
	if !exists {
		return nil, ErrNotFound
	}

	var rows []postgresEvent
	err = s.db.SelectContext(ctx, &rows, `
		SELECT saga_id, seq, event_type, payload, created_at
		FROM saga_history
		WHERE saga_id = $1
		ORDER BY seq ASC`, sagaID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get history")
	}

	events := make([]history.Event, len(rows))
	for i, row := range rows {
		var ev history.Event
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event")
		}
		ev.Seq = row.Seq
		events[i] = ev
	}
	return events, nil
}

// RunnableInstances lists non-terminal instance IDs
func (s *PostgresStore) RunnableInstances(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		"SELECT saga_id FROM saga_instances WHERE terminal = FALSE ORDER BY created_at ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runnable instances")
	}
	return ids, nil
}

// PendingTimers lists scheduled-but-unfired timers of non-terminal instances
func (s *PostgresStore) PendingTimers(ctx context.Context) ([]PendingTimer, error) {
	var rows []postgresEvent
	err := s.db.SelectContext(ctx, &rows, `
		SELECT h.saga_id, h.seq, h.event_type, h.payload, h.created_at
		FROM saga_history h
		JOIN saga_instances i ON i.saga_id = h.saga_id
		WHERE i.terminal = FALSE
		  AND h.event_type = $1
		  AND NOT EXISTS (
			SELECT 1 FROM saga_history f
			WHERE f.saga_id = h.saga_id
			  AND f.event_type IN ($2, $3)
			  AND f.payload->>'command_id' = h.payload->>'command_id'
		  )`,
		string(history.EventTimerScheduled),
		string(history.EventTimerFired),
		string(history.EventTimerCanceled))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending timers")
	}

	pending := make([]PendingTimer, 0, len(rows))
	for _, row := range rows {
		var ev history.Event
		if err := json.Unmarshal(row.Payload, &ev); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal timer event")
		}
		pending = append(pending, PendingTimer{SagaID: row.SagaID, CommandID: ev.CommandID, FireAt: ev.FireAt})
	}
	return pending, nil
}
