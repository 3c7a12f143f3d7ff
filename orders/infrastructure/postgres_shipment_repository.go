package infrastructure

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/orders/domain"
)

// PostgresShipmentRepository implements ShipmentRepository using PostgreSQL
type PostgresShipmentRepository struct {
	db *sqlx.DB
}

// NewPostgresShipmentRepository creates a new PostgresShipmentRepository
func NewPostgresShipmentRepository(db *sqlx.DB) *PostgresShipmentRepository {
	return &PostgresShipmentRepository{db: db}
}

// Insert appends a shipment row
func (r *PostgresShipmentRepository) Insert(ctx context.Context, shipment *domain.Shipment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO shipments (order_id, status, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id, status) DO NOTHING`,
		shipment.OrderID, string(shipment.Status), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to insert shipment")
	}
	return nil
}
