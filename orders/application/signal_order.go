package application

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/orders/workflow"
)

// ErrCancelRejected is returned when a cancel arrives after the order's
// package has already been handed to a carrier.
var ErrCancelRejected = errors.New("cancel rejected: package already dispatched")

// ErrUnknownSignal is returned for signal names the saga does not accept.
var ErrUnknownSignal = errors.New("unknown signal")

// SignalOrderCommand represents an operator signal aimed at an order saga
type SignalOrderCommand struct {
	OrderID string          `json:"order_id"`
	Signal  string          `json:"signal"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SignalOrder use case delivers approve, cancel and address-update
// signals into a running order saga
type SignalOrder struct {
	runtime *engine.Runtime
	orders  domain.OrderRepository
	audit   domain.AuditRepository
}

// NewSignalOrder creates a new SignalOrder use case
func NewSignalOrder(runtime *engine.Runtime, orders domain.OrderRepository, audit domain.AuditRepository) *SignalOrder {
	return &SignalOrder{runtime: runtime, orders: orders, audit: audit}
}

// Execute validates and delivers the signal. Cancels are rejected once a
// carrier dispatch has been recorded for the order; the rejection leaves
// an audit entry so operators can see the attempt.
func (uc *SignalOrder) Execute(ctx context.Context, cmd *SignalOrderCommand) error {
	if cmd.OrderID == "" {
		return errors.New("order_id is required")
	}

	switch cmd.Signal {
	case workflow.SignalApprove, workflow.SignalUpdateAddress:
	case workflow.SignalCancel:
		if err := uc.checkCancelWindow(ctx, cmd.OrderID); err != nil {
			return err
		}
	default:
		return errors.Wrap(ErrUnknownSignal, cmd.Signal)
	}

	if cmd.Signal == workflow.SignalUpdateAddress && len(cmd.Payload) == 0 {
		return errors.New("update_address requires a payload")
	}

	err := uc.runtime.Signal(ctx, SagaID(cmd.OrderID), cmd.Signal, cmd.Payload)
	return errors.Wrapf(err, "signaling order %s", cmd.OrderID)
}

// checkCancelWindow rejects cancellation when the order row already
// reached shipping or shipped. Only dispatch_carrier moves an order into
// shipping, so the row state is the commit point for the cancel window.
func (uc *SignalOrder) checkCancelWindow(ctx context.Context, orderID string) error {
	order, err := uc.orders.Find(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "loading order")
	}

	if order.State == domain.OrderStateShipping || order.State == domain.OrderStateShipped {
		payload, _ := json.Marshal(map[string]string{"state": string(order.State)})
		if auditErr := uc.audit.Insert(ctx, orderID, domain.AuditCancelRejected, payload); auditErr != nil {
			return errors.Wrap(auditErr, "recording cancel rejection")
		}
		return ErrCancelRejected
	}
	return nil
}
