package domain

import (
	"encoding/json"
	"time"

	"github.com/trellis/fulfillment/shared/models"
)

// OrderState represents the lifecycle state of an order
type OrderState string

const (
	OrderStateReceived         OrderState = "received"
	OrderStateValidated        OrderState = "validated"
	OrderStateAwaitingApproval OrderState = "awaiting_approval"
	OrderStateApproved         OrderState = "approved"
	OrderStatePaymentCharged   OrderState = "payment_charged"
	OrderStateShipping         OrderState = "shipping"
	OrderStateShipped          OrderState = "shipped"
	OrderStateCanceled         OrderState = "canceled"
	OrderStateFailed           OrderState = "failed"
)

// IsTerminal reports whether the state is final
func (s OrderState) IsTerminal() bool {
	return s == OrderStateShipped || s == OrderStateCanceled || s == OrderStateFailed
}

// Item is a single order line
type Item struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// Order is the business entity owned by the order saga
type Order struct {
	ID         string
	State      OrderState
	Address    json.RawMessage
	Items      []Item
	PaymentID  string
	Timestamps models.Timestamps
}

// Amount derives the charge for an order: one currency unit per item
// quantity. A demo rule, kept stable because the payment upsert compares
// against it on idempotent retries.
func Amount(items []Item) models.Money {
	var total int64
	for _, it := range items {
		total += int64(it.Qty)
	}
	return models.NewMoney(total*100, "USD")
}

// PaymentStatus represents the status of a payment row
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusCharged PaymentStatus = "charged"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment is keyed by PaymentID, the charge idempotency key
type Payment struct {
	PaymentID string
	OrderID   string
	Status    PaymentStatus
	Amount    models.Money
}

// ShipmentStatus represents the status of a shipment row
type ShipmentStatus string

const (
	ShipmentStatusPrepared   ShipmentStatus = "prepared"
	ShipmentStatusDispatched ShipmentStatus = "dispatched"
	ShipmentStatusFailed     ShipmentStatus = "failed"
)

// Shipment belongs to one order
type Shipment struct {
	OrderID string
	Status  ShipmentStatus
}

// AuditEvent is one append-only row per domain occurrence, the externally
// queryable projection of the saga's history.
type AuditEvent struct {
	ID        models.ID       `json:"id"`
	OrderID   string          `json:"order_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Audit event types
const (
	AuditOrderReceived     = "order_received"
	AuditOrderValidated    = "order_validated"
	AuditAddressUpdated    = "address_updated"
	AuditPaymentCharged    = "payment_charged"
	AuditPaymentIdempotent = "payment_idempotent"
	AuditPackagePrepared   = "package_prepared"
	AuditCarrierDispatched = "carrier_dispatched"
	AuditOrderShipped      = "order_shipped"
	AuditOrderCanceled     = "order_canceled"
	AuditOrderFailed       = "order_failed"
	AuditDispatchFailed    = "dispatch_failed"
	AuditCancelRejected    = "cancel_rejected"
)
