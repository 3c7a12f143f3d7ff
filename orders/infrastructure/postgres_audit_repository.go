package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/shared/models"
)

// PostgresAuditRepository implements AuditRepository using PostgreSQL
type PostgresAuditRepository struct {
	db *sqlx.DB
}

// NewPostgresAuditRepository creates a new PostgresAuditRepository
func NewPostgresAuditRepository(db *sqlx.DB) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

// postgresAuditEvent represents an audit row in the database
type postgresAuditEvent struct {
	ID        string    `db:"id"`
	OrderID   string    `db:"order_id"`
	Type      string    `db:"type"`
	Payload   []byte    `db:"payload_json"`
	CreatedAt time.Time `db:"created_at"`
}

// Insert appends one audit row
func (r *PostgresAuditRepository) Insert(ctx context.Context, orderID, eventType string, payload json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, order_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		models.GenerateUUID().String(), orderID, eventType, nullableJSON(payload), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to insert audit event")
	}
	return nil
}

// List returns all audit rows for an order ordered by timestamp
func (r *PostgresAuditRepository) List(ctx context.Context, orderID string) ([]domain.AuditEvent, error) {
	var rows []postgresAuditEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, order_id, type, COALESCE(payload_json, 'null') AS payload_json, created_at
		FROM audit_events
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit events")
	}

	events := make([]domain.AuditEvent, len(rows))
	for i, row := range rows {
		events[i] = domain.AuditEvent{
			ID:        models.ID(row.ID),
			OrderID:   row.OrderID,
			Type:      row.Type,
			Timestamp: row.CreatedAt,
		}
		if string(row.Payload) != "null" {
			events[i].Payload = json.RawMessage(row.Payload)
		}
	}
	return events, nil
}
