package workflow

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/orders/activities"
)

// ShippingWorkflowName identifies the child saga spawned per delivery attempt.
const ShippingWorkflowName = "shipping"

// ShippingInput is the payload a parent order passes to a shipping child.
type ShippingInput struct {
	Order    activities.OrderSnapshot `json:"order"`
	ParentID string                   `json:"parent_id"`
}

// ShippingWorkflow prepares a package and hands it to a carrier. It is
// always spawned as a child of an order saga; when a step exhausts its
// retry budget the child signals the parent before failing so the order
// can surface the reason to operators.
type ShippingWorkflow struct {
	opts Options
}

func (w *ShippingWorkflow) Execute(c *engine.Context, raw json.RawMessage) (interface{}, error) {
	var in ShippingInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, errors.Wrap(err, "unmarshaling shipping input")
	}

	c.SetStatus("order_id", in.Order.OrderID)
	step := activities.ShipmentStepInput{OrderID: in.Order.OrderID}

	c.SetStatus("step", activities.PreparePackage)
	if err := c.ExecuteActivity(activities.PreparePackage, step, nil, w.opts.Activity); err != nil {
		w.reportFailure(c, in.ParentID, err)
		return nil, err
	}

	c.SetStatus("step", activities.DispatchCarrier)
	if err := c.ExecuteActivity(activities.DispatchCarrier, step, nil, w.opts.Activity); err != nil {
		w.reportFailure(c, in.ParentID, err)
		return nil, err
	}

	return "dispatched", nil
}

func (w *ShippingWorkflow) reportFailure(c *engine.Context, parentID string, err error) {
	if parentID == "" {
		return
	}
	c.SignalExternal(parentID, SignalDispatchFailed, DispatchFailedPayload{Reason: err.Error()})
}
