// Package activities implements the side-effecting operations of the
// fulfillment saga. Every activity is idempotent by its natural business
// key: re-running it after a crash or retry produces the same rows and
// the same reported outcome.
package activities

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/shared/models"
)

// Activity names
const (
	ReceiveOrder     = "receive_order"
	ValidateOrder    = "validate_order"
	PersistAddress   = "persist_address"
	ChargePayment    = "charge_payment"
	PreparePackage   = "prepare_package"
	DispatchCarrier  = "dispatch_carrier"
	MarkShipped      = "mark_shipped"
	RecordResolution = "record_resolution"
)

// OrderSnapshot is the order view passed between saga steps
type OrderSnapshot struct {
	OrderID string          `json:"order_id"`
	Address json.RawMessage `json:"address,omitempty"`
	Items   []domain.Item   `json:"items,omitempty"`
}

// ReceiveOrderInput starts the fulfillment of an order
type ReceiveOrderInput struct {
	OrderID string          `json:"order_id"`
	Address json.RawMessage `json:"address,omitempty"`
	Items   []domain.Item   `json:"items,omitempty"`
}

// PersistAddressInput updates only the order's address
type PersistAddressInput struct {
	OrderID string          `json:"order_id"`
	Address json.RawMessage `json:"address"`
}

// ChargePaymentInput charges an order's payment, idempotent by PaymentID
type ChargePaymentInput struct {
	OrderID   string        `json:"order_id"`
	PaymentID string        `json:"payment_id"`
	Items     []domain.Item `json:"items,omitempty"`
}

// ChargeResult reports the (possibly replayed) charge outcome
type ChargeResult struct {
	Status string       `json:"status"`
	Amount models.Money `json:"amount"`
}

// ResolutionInput records why a saga ended in canceled or failed.
type ResolutionInput struct {
	OrderID string            `json:"order_id"`
	State   domain.OrderState `json:"state"`
	Reason  string            `json:"reason"`
}

// ShipmentStepInput identifies the order a shipping step acts on
type ShipmentStepInput struct {
	OrderID string `json:"order_id"`
}

// Activities bundles the saga's side-effecting operations over the
// order-service repositories.
type Activities struct {
	orders    domain.OrderRepository
	payments  domain.PaymentRepository
	shipments domain.ShipmentRepository
	audit     domain.AuditRepository
	faults    *FaultInjector
}

// NewActivities creates the activity set. faults may be nil.
func NewActivities(
	orders domain.OrderRepository,
	payments domain.PaymentRepository,
	shipments domain.ShipmentRepository,
	audit domain.AuditRepository,
	faults *FaultInjector,
) *Activities {
	return &Activities{
		orders:    orders,
		payments:  payments,
		shipments: shipments,
		audit:     audit,
		faults:    faults,
	}
}

// Register wires all activities into the runtime
func (a *Activities) Register(r *engine.Runtime) {
	r.RegisterActivity(ReceiveOrder, a.receiveOrder)
	r.RegisterActivity(ValidateOrder, a.validateOrder)
	r.RegisterActivity(PersistAddress, a.persistAddress)
	r.RegisterActivity(ChargePayment, a.chargePayment)
	r.RegisterActivity(PreparePackage, a.preparePackage)
	r.RegisterActivity(DispatchCarrier, a.dispatchCarrier)
	r.RegisterActivity(MarkShipped, a.markShipped)
	r.RegisterActivity(RecordResolution, a.recordResolution)
}

func (a *Activities) receiveOrder(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in ReceiveOrderInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.Fatalf("invalid receive_order input: %v", err)
	}
	if err := a.faults.Inject(ctx); err != nil {
		return nil, err
	}

	if in.Items == nil {
		in.Items = []domain.Item{{SKU: "ABC", Qty: 1}}
	}

	if err := a.orders.UpsertState(ctx, in.OrderID, domain.OrderStateReceived, in.Address); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]interface{}{"address": in.Address, "items": in.Items})
	if err := a.audit.Insert(ctx, in.OrderID, domain.AuditOrderReceived, payload); err != nil {
		return nil, err
	}

	return json.Marshal(OrderSnapshot{OrderID: in.OrderID, Address: in.Address, Items: in.Items})
}

func (a *Activities) validateOrder(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var order OrderSnapshot
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, engine.Fatalf("invalid validate_order input: %v", err)
	}
	if err := a.faults.Inject(ctx); err != nil {
		return nil, err
	}

	if len(order.Items) == 0 {
		return nil, engine.Fatalf("no items to validate")
	}

	if err := a.orders.UpsertState(ctx, order.OrderID, domain.OrderStateValidated, nil); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]interface{}{"items": order.Items})
	if err := a.audit.Insert(ctx, order.OrderID, domain.AuditOrderValidated, payload); err != nil {
		return nil, err
	}

	return nil, nil
}

func (a *Activities) persistAddress(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in PersistAddressInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.Fatalf("invalid persist_address input: %v", err)
	}
	if err := a.faults.Inject(ctx); err != nil {
		return nil, err
	}

	if err := a.orders.UpdateAddress(ctx, in.OrderID, in.Address); err != nil {
		return nil, err
	}
	if err := a.audit.Insert(ctx, in.OrderID, domain.AuditAddressUpdated, in.Address); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Activities) chargePayment(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in ChargePaymentInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.Fatalf("invalid charge_payment input: %v", err)
	}
	if err := a.faults.Inject(ctx); err != nil {
		return nil, err
	}

	result, already, err := a.payments.Charge(ctx, &domain.Payment{
		PaymentID: in.PaymentID,
		OrderID:   in.OrderID,
		Status:    domain.PaymentStatusPending,
		Amount:    domain.Amount(in.Items),
	})
	if err != nil {
		return nil, errors.Wrap(err, "charge failed")
	}

	auditType := domain.AuditPaymentCharged
	if already {
		auditType = domain.AuditPaymentIdempotent
	}
	payload, _ := json.Marshal(map[string]interface{}{"payment_id": in.PaymentID, "amount": result.Amount})
	if err := a.audit.Insert(ctx, in.OrderID, auditType, payload); err != nil {
		return nil, err
	}
	if err := a.orders.UpsertState(ctx, in.OrderID, domain.OrderStatePaymentCharged, nil); err != nil {
		return nil, err
	}

	return json.Marshal(ChargeResult{Status: string(result.Status), Amount: result.Amount})
}

func (a *Activities) preparePackage(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in ShipmentStepInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.Fatalf("invalid prepare_package input: %v", err)
	}
	if err := a.faults.Inject(ctx); err != nil {
		return nil, err
	}

	if err := a.shipments.Insert(ctx, &domain.Shipment{OrderID: in.OrderID, Status: domain.ShipmentStatusPrepared}); err != nil {
		return nil, err
	}
	if err := a.audit.Insert(ctx, in.OrderID, domain.AuditPackagePrepared, nil); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Activities) dispatchCarrier(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in ShipmentStepInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.Fatalf("invalid dispatch_carrier input: %v", err)
	}
	if err := a.faults.Inject(ctx); err != nil {
		return nil, err
	}

	if err := a.shipments.Insert(ctx, &domain.Shipment{OrderID: in.OrderID, Status: domain.ShipmentStatusDispatched}); err != nil {
		return nil, err
	}
	// The final shipped state is recorded by mark_shipped.
	if err := a.orders.UpsertState(ctx, in.OrderID, domain.OrderStateShipping, nil); err != nil {
		return nil, err
	}
	if err := a.audit.Insert(ctx, in.OrderID, domain.AuditCarrierDispatched, nil); err != nil {
		return nil, err
	}
	return nil, nil
}

func (a *Activities) markShipped(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in ShipmentStepInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.Fatalf("invalid mark_shipped input: %v", err)
	}
	if err := a.faults.Inject(ctx); err != nil {
		return nil, err
	}

	if err := a.orders.UpsertState(ctx, in.OrderID, domain.OrderStateShipped, nil); err != nil {
		return nil, err
	}
	if err := a.audit.Insert(ctx, in.OrderID, domain.AuditOrderShipped, nil); err != nil {
		return nil, err
	}
	return nil, nil
}

// recordResolution persists the terminal state of a canceled or failed
// order. It runs without fault injection so the final audit entry lands
// even when the upstream fault rates are high.
func (a *Activities) recordResolution(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var in ResolutionInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, engine.Fatalf("invalid record_resolution input: %v", err)
	}

	auditType := domain.AuditOrderFailed
	if in.State == domain.OrderStateCanceled {
		auditType = domain.AuditOrderCanceled
	}
	if err := a.orders.UpsertState(ctx, in.OrderID, in.State, nil); err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]string{"reason": in.Reason})
	if err := a.audit.Insert(ctx, in.OrderID, auditType, payload); err != nil {
		return nil, err
	}
	return nil, nil
}
