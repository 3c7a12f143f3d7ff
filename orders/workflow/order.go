package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/orders/activities"
	"github.com/trellis/fulfillment/orders/domain"
)

// OrderWorkflowName identifies the top-level fulfillment saga.
const OrderWorkflowName = "order-fulfillment"

// Options tune the fulfillment sagas. ReviewWindow bounds how long an
// order waits for manual approval, ShippingAttempts bounds how many
// shipping children an order spawns before giving up.
type Options struct {
	ReviewWindow     time.Duration
	ShippingAttempts int
	Activity         engine.ActivityOptions
}

// DefaultOptions use short demo timings. Production deployments should
// raise ReviewWindow well above the activity retry budget.
func DefaultOptions() Options {
	return Options{
		ReviewWindow:     3 * time.Second,
		ShippingAttempts: 2,
		Activity:         engine.DefaultActivityOptions(),
	}
}

// Register wires the order and shipping workflows into a runtime.
func Register(r *engine.Runtime, opts Options) {
	if opts.ReviewWindow <= 0 {
		opts.ReviewWindow = DefaultOptions().ReviewWindow
	}
	if opts.ShippingAttempts <= 0 {
		opts.ShippingAttempts = DefaultOptions().ShippingAttempts
	}
	r.RegisterWorkflow(OrderWorkflowName, (&OrderWorkflow{opts: opts}).Execute)
	r.RegisterWorkflow(ShippingWorkflowName, (&ShippingWorkflow{opts: opts}).Execute)
}

// OrderInput starts an order fulfillment saga.
type OrderInput struct {
	OrderID   string          `json:"order_id"`
	PaymentID string          `json:"payment_id"`
	Address   json.RawMessage `json:"address,omitempty"`
	Items     []domain.Item   `json:"items,omitempty"`
}

// OrderWorkflow drives an order from intake to shipped. The sequence is
// receive, validate, a manual review gate with a deadline, payment, then
// one shipping child saga per delivery attempt. Cancel signals are
// honored between steps until a carrier dispatch has been recorded.
type OrderWorkflow struct {
	opts Options
}

func (w *OrderWorkflow) Execute(c *engine.Context, raw json.RawMessage) (interface{}, error) {
	var in OrderInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errors.Wrap(err, "unmarshaling order input")
	}
	if in.PaymentID == "" {
		in.PaymentID = in.OrderID + "-payment"
	}

	c.SetStatus("order_id", in.OrderID)
	c.SetStatus("dispatched", false)

	w.step(c, activities.ReceiveOrder, domain.OrderStateReceived)
	var order activities.OrderSnapshot
	receiveIn := activities.ReceiveOrderInput{OrderID: in.OrderID, Address: in.Address, Items: in.Items}
	if err := c.ExecuteActivity(activities.ReceiveOrder, receiveIn, &order, w.opts.Activity); err != nil {
		return w.resolve(c, in.OrderID, domain.OrderStateFailed, stepFailure(activities.ReceiveOrder, err))
	}
	if reason, ok := w.cancelRequested(c); ok {
		return w.resolve(c, in.OrderID, domain.OrderStateCanceled, reason)
	}

	w.step(c, activities.ValidateOrder, domain.OrderStateValidated)
	if err := c.ExecuteActivity(activities.ValidateOrder, order, nil, w.opts.Activity); err != nil {
		return w.resolve(c, in.OrderID, domain.OrderStateFailed, stepFailure(activities.ValidateOrder, err))
	}
	if reason, ok := w.cancelRequested(c); ok {
		return w.resolve(c, in.OrderID, domain.OrderStateCanceled, reason)
	}

	if addr, ok := w.drainAddressUpdates(c); ok {
		order.Address = addr
		persistIn := activities.PersistAddressInput{OrderID: in.OrderID, Address: addr}
		if err := c.ExecuteActivity(activities.PersistAddress, persistIn, nil, w.opts.Activity); err != nil {
			return w.resolve(c, in.OrderID, domain.OrderStateFailed, stepFailure(activities.PersistAddress, err))
		}
	}

	w.step(c, "manual_review", domain.OrderStateAwaitingApproval)
	deadline := c.NewTimer(w.opts.ReviewWindow)
	idx, payload := c.Await(
		engine.OnSignal(SignalApprove),
		engine.OnSignal(SignalCancel),
		engine.OnTimer(deadline),
	)
	switch idx {
	case 1:
		var cancel CancelPayload
		_ = json.Unmarshal(payload, &cancel)
		return w.resolve(c, in.OrderID, domain.OrderStateCanceled, cancelReason(cancel))
	case 2:
		return w.resolve(c, in.OrderID, domain.OrderStateFailed, "manual_review_timeout")
	}
	c.SetStatus("approved", true)
	w.step(c, activities.ChargePayment, domain.OrderStateApproved)

	chargeIn := activities.ChargePaymentInput{OrderID: in.OrderID, PaymentID: in.PaymentID, Items: order.Items}
	var charge activities.ChargeResult
	if err := c.ExecuteActivity(activities.ChargePayment, chargeIn, &charge, w.opts.Activity); err != nil {
		return w.resolve(c, in.OrderID, domain.OrderStateFailed, stepFailure(activities.ChargePayment, err))
	}
	c.SetStatus("state", string(domain.OrderStatePaymentCharged))
	c.SetStatus("charged", charge.Amount.Amount)
	if reason, ok := w.cancelRequested(c); ok {
		return w.resolve(c, in.OrderID, domain.OrderStateCanceled, reason)
	}

	w.step(c, "shipping", domain.OrderStateShipping)
	var lastErr error
	dispatched := false
	for attempt := 1; attempt <= w.opts.ShippingAttempts; attempt++ {
		c.SetStatus("shipping_attempt", attempt)
		if addr, ok := w.drainAddressUpdates(c); ok {
			order.Address = addr
			persistIn := activities.PersistAddressInput{OrderID: in.OrderID, Address: addr}
			if err := c.ExecuteActivity(activities.PersistAddress, persistIn, nil, w.opts.Activity); err != nil {
				return w.resolve(c, in.OrderID, domain.OrderStateFailed, stepFailure(activities.PersistAddress, err))
			}
		}

		childID := fmt.Sprintf("ship-%s-%d", in.OrderID, attempt)
		childIn := ShippingInput{Order: order, ParentID: c.SagaID()}
		if err := c.ExecuteChild(ShippingWorkflowName, childID, childIn, nil); err != nil {
			lastErr = err
			var report DispatchFailedPayload
			if c.PollSignal(SignalDispatchFailed, &report) {
				lastErr = errors.New(report.Reason)
			}
			c.SetStatus("last_error", lastErr.Error())
			if reason, ok := w.cancelRequested(c); ok {
				return w.resolve(c, in.OrderID, domain.OrderStateCanceled, reason)
			}
			continue
		}
		dispatched = true
		break
	}
	if !dispatched {
		return w.resolve(c, in.OrderID, domain.OrderStateFailed, stepFailure("shipping", lastErr))
	}
	c.SetStatus("dispatched", true)

	w.step(c, activities.MarkShipped, domain.OrderStateShipping)
	markIn := activities.ShipmentStepInput{OrderID: in.OrderID}
	if err := c.ExecuteActivity(activities.MarkShipped, markIn, nil, w.opts.Activity); err != nil {
		return w.resolve(c, in.OrderID, domain.OrderStateFailed, stepFailure(activities.MarkShipped, err))
	}

	c.SetStatus("state", string(domain.OrderStateShipped))
	return string(domain.OrderStateShipped), nil
}

func (w *OrderWorkflow) step(c *engine.Context, step string, state domain.OrderState) {
	c.SetStatus("step", step)
	c.SetStatus("state", string(state))
}

// cancelRequested consumes a pending cancel signal, if any. Polls are
// bounded to signals the saga has already observed, so the outcome is
// stable across replays.
func (w *OrderWorkflow) cancelRequested(c *engine.Context) (string, bool) {
	var cancel CancelPayload
	if !c.PollSignal(SignalCancel, &cancel) {
		return "", false
	}
	return cancelReason(cancel), true
}

// drainAddressUpdates consumes every pending update_address signal and
// returns the most recent address.
func (w *OrderWorkflow) drainAddressUpdates(c *engine.Context) (json.RawMessage, bool) {
	var latest json.RawMessage
	for {
		var update AddressPayload
		if !c.PollSignal(SignalUpdateAddress, &update) {
			break
		}
		if len(update.Address) > 0 {
			latest = update.Address
		}
	}
	return latest, latest != nil
}

// resolve drives the saga to a terminal canceled or failed state,
// persisting the outcome and reason through a final activity.
func (w *OrderWorkflow) resolve(c *engine.Context, orderID string, state domain.OrderState, reason string) (interface{}, error) {
	c.SetStatus("state", string(state))
	c.SetStatus("resolution", reason)

	resIn := activities.ResolutionInput{OrderID: orderID, State: state, Reason: reason}
	if err := c.ExecuteActivity(activities.RecordResolution, resIn, nil, w.opts.Activity); err != nil {
		return nil, errors.Wrapf(err, "recording %s resolution", state)
	}
	return string(state), nil
}

func stepFailure(step string, err error) string {
	if err == nil {
		return step + "_failed"
	}
	return fmt.Sprintf("%s_failed: %v", step, err)
}

func cancelReason(p CancelPayload) string {
	if p.Reason == "" {
		return "user_request"
	}
	return p.Reason
}
