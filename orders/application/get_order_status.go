package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine"
)

// GetOrderStatusQuery represents the query for an order's progress
type GetOrderStatusQuery struct {
	OrderID string `json:"order_id"`
}

// OrderStatusResponse is the saga's status snapshot for one order
type OrderStatusResponse struct {
	OrderID     string                 `json:"order_id"`
	SagaID      string                 `json:"saga_id"`
	State       string                 `json:"state"`
	Step        string                 `json:"step,omitempty"`
	Terminal    bool                   `json:"terminal"`
	Result      json.RawMessage        `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Status      map[string]interface{} `json:"status"`
	LastUpdated time.Time              `json:"last_updated"`
}

// GetOrderStatus use case reads an order's progress without disturbing
// the running saga
type GetOrderStatus struct {
	runtime *engine.Runtime
}

// NewGetOrderStatus creates a new GetOrderStatus use case
func NewGetOrderStatus(runtime *engine.Runtime) *GetOrderStatus {
	return &GetOrderStatus{runtime: runtime}
}

// Execute replays the saga history into a status snapshot.
func (uc *GetOrderStatus) Execute(ctx context.Context, q *GetOrderStatusQuery) (*OrderStatusResponse, error) {
	if q.OrderID == "" {
		return nil, errors.New("order_id is required")
	}

	sagaID := SagaID(q.OrderID)
	res, err := uc.runtime.Query(ctx, sagaID)
	if err != nil {
		return nil, errors.Wrapf(err, "querying order %s", q.OrderID)
	}

	out := &OrderStatusResponse{
		OrderID:     q.OrderID,
		SagaID:      sagaID,
		Terminal:    res.Terminal,
		Result:      res.Result,
		Error:       res.Error,
		Status:      res.Status,
		LastUpdated: res.LastUpdated,
	}
	if s, ok := res.Status["state"].(string); ok {
		out.State = s
	}
	if s, ok := res.Status["step"].(string); ok {
		out.Step = s
	}
	return out, nil
}
