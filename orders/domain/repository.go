package domain

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by repositories for unknown keys
var ErrNotFound = errors.New("not found")

// OrderRepository persists order rows
type OrderRepository interface {
	// UpsertState inserts or updates the order's state. A non-nil address
	// replaces the stored one; nil leaves it untouched.
	UpsertState(ctx context.Context, orderID string, state OrderState, address json.RawMessage) error

	// UpdateAddress replaces only the address, never the state
	UpdateAddress(ctx context.Context, orderID string, address json.RawMessage) error

	Find(ctx context.Context, orderID string) (*Order, error)
}

// PaymentRepository persists payment rows keyed by payment ID
type PaymentRepository interface {
	// Charge records the charge for paymentID, or returns the existing
	// row when the key was already charged. The write is atomic per key:
	// N calls leave exactly one row and one external charge.
	// alreadyCharged reports an idempotent replay.
	Charge(ctx context.Context, payment *Payment) (result *Payment, alreadyCharged bool, err error)
}

// ShipmentRepository persists shipment rows
type ShipmentRepository interface {
	Insert(ctx context.Context, shipment *Shipment) error
}

// AuditRepository is the append-only audit projection, ordered by
// (order_id, timestamp).
type AuditRepository interface {
	Insert(ctx context.Context, orderID, eventType string, payload json.RawMessage) error
	List(ctx context.Context, orderID string) ([]AuditEvent, error)
}
