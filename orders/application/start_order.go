package application

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/orders/workflow"
)

// SagaID derives the saga instance ID for an order.
func SagaID(orderID string) string {
	return "order-" + orderID
}

// StartOrderCommand represents the command to start fulfilling an order
type StartOrderCommand struct {
	OrderID   string          `json:"order_id"`
	PaymentID string          `json:"payment_id,omitempty"`
	Address   json.RawMessage `json:"address,omitempty"`
	Items     []domain.Item   `json:"items,omitempty"`
}

// StartOrderResponse represents the response after starting fulfillment
type StartOrderResponse struct {
	OrderID string `json:"order_id"`
	SagaID  string `json:"saga_id"`
}

// StartOrder use case starts the fulfillment saga for an order
type StartOrder struct {
	runtime *engine.Runtime
}

// NewStartOrder creates a new StartOrder use case
func NewStartOrder(runtime *engine.Runtime) *StartOrder {
	return &StartOrder{runtime: runtime}
}

// Execute starts the order fulfillment saga. Starting the same order
// twice returns store.ErrAlreadyExists from the underlying runtime.
func (uc *StartOrder) Execute(ctx context.Context, cmd *StartOrderCommand) (*StartOrderResponse, error) {
	if cmd.OrderID == "" {
		return nil, errors.New("order_id is required")
	}
	for _, item := range cmd.Items {
		if item.Qty <= 0 {
			return nil, errors.Errorf("item %s has non-positive quantity", item.SKU)
		}
	}

	input, err := json.Marshal(workflow.OrderInput{
		OrderID:   cmd.OrderID,
		PaymentID: cmd.PaymentID,
		Address:   cmd.Address,
		Items:     cmd.Items,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling order input")
	}

	sagaID := SagaID(cmd.OrderID)
	if err := uc.runtime.StartSaga(ctx, sagaID, workflow.OrderWorkflowName, input); err != nil {
		return nil, errors.Wrap(err, "starting order saga")
	}

	return &StartOrderResponse{OrderID: cmd.OrderID, SagaID: sagaID}, nil
}
