package infrastructure

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/shared/models"
)

// PostgresPaymentRepository implements PaymentRepository using PostgreSQL
type PostgresPaymentRepository struct {
	db *sqlx.DB
}

// NewPostgresPaymentRepository creates a new PostgresPaymentRepository
func NewPostgresPaymentRepository(db *sqlx.DB) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db}
}

// postgresPayment represents a payment row in the database
type postgresPayment struct {
	PaymentID string    `db:"payment_id"`
	OrderID   string    `db:"order_id"`
	Status    string    `db:"status"`
	Amount    int64     `db:"amount"`
	Currency  string    `db:"currency"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Charge records the charge under the payment ID, the idempotency key.
// The row is locked before the decision, so a concurrent retry either
// sees the committed charge or waits for it; either way exactly one row
// exists per key and the reported outcome is stable.
func (r *PostgresPaymentRepository) Charge(ctx context.Context, payment *domain.Payment) (*domain.Payment, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var row postgresPayment
	err = tx.GetContext(ctx, &row, `
		SELECT payment_id, order_id, status, amount, currency, created_at, updated_at
		FROM payments WHERE payment_id = $1 FOR UPDATE`, payment.PaymentID)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, errors.Wrap(err, "failed to lock payment row")
	}

	if err == nil && row.Status == string(domain.PaymentStatusCharged) {
		if err := tx.Commit(); err != nil {
			return nil, false, errors.Wrap(err, "failed to commit idempotent read")
		}
		return &domain.Payment{
			PaymentID: row.PaymentID,
			OrderID:   row.OrderID,
			Status:    domain.PaymentStatusCharged,
			Amount:    models.NewMoney(row.Amount, row.Currency),
		}, true, nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (payment_id, order_id, status, amount, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (payment_id) DO UPDATE SET
			order_id = EXCLUDED.order_id,
			status = EXCLUDED.status,
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at`,
		payment.PaymentID, payment.OrderID, string(domain.PaymentStatusCharged),
		payment.Amount.Amount, payment.Amount.Currency, now)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to upsert payment")
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "failed to commit charge")
	}

	charged := *payment
	charged.Status = domain.PaymentStatusCharged
	return &charged, false, nil
}
