package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/orders/domain"
)

// PostgresOrderRepository implements OrderRepository using PostgreSQL
type PostgresOrderRepository struct {
	db *sqlx.DB
}

// NewPostgresOrderRepository creates a new PostgresOrderRepository
func NewPostgresOrderRepository(db *sqlx.DB) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db}
}

// postgresOrder represents an order row in the database
type postgresOrder struct {
	ID        string    `db:"id"`
	State     string    `db:"state"`
	Address   []byte    `db:"address_json"`
	Items     []byte    `db:"items_json"`
	PaymentID string    `db:"payment_id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// UpsertState inserts or updates the order's state; a nil address keeps
// the stored one (COALESCE).
func (r *PostgresOrderRepository) UpsertState(ctx context.Context, orderID string, state domain.OrderState, address json.RawMessage) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, state, address_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			address_json = COALESCE(EXCLUDED.address_json, orders.address_json),
			updated_at = EXCLUDED.updated_at`,
		orderID, string(state), nullableJSON(address), now)
	if err != nil {
		return errors.Wrap(err, "failed to upsert order state")
	}
	return nil
}

// UpdateAddress replaces only the address column
func (r *PostgresOrderRepository) UpdateAddress(ctx context.Context, orderID string, address json.RawMessage) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE orders SET address_json = $1, updated_at = $2 WHERE id = $3",
		[]byte(address), time.Now().UTC(), orderID)
	if err != nil {
		return errors.Wrap(err, "failed to update address")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Find returns the order row
func (r *PostgresOrderRepository) Find(ctx context.Context, orderID string) (*domain.Order, error) {
	var row postgresOrder
	err := r.db.GetContext(ctx, &row, `
		SELECT id, state, COALESCE(address_json, 'null') AS address_json,
		       COALESCE(items_json, '[]') AS items_json,
		       COALESCE(payment_id, '') AS payment_id,
		       created_at, updated_at
		FROM orders WHERE id = $1`, orderID)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find order")
	}
	return r.toDomain(&row)
}

func (r *PostgresOrderRepository) toDomain(row *postgresOrder) (*domain.Order, error) {
	var items []domain.Item
	if len(row.Items) > 0 {
		if err := json.Unmarshal(row.Items, &items); err != nil {
			return nil, errors.Wrap(err, "invalid items payload")
		}
	}

	order := &domain.Order{
		ID:        row.ID,
		State:     domain.OrderState(row.State),
		Items:     items,
		PaymentID: row.PaymentID,
	}
	if string(row.Address) != "null" {
		order.Address = json.RawMessage(row.Address)
	}
	order.Timestamps.CreatedAt = row.CreatedAt
	order.Timestamps.UpdatedAt = row.UpdatedAt
	return order, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
