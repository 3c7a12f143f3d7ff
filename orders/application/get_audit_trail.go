package application

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/orders/domain"
)

// GetAuditTrailQuery represents the query for an order's audit history
type GetAuditTrailQuery struct {
	OrderID string `json:"order_id"`
}

// AuditTrailResponse lists an order's audit events oldest first
type AuditTrailResponse struct {
	OrderID string              `json:"order_id"`
	Events  []domain.AuditEvent `json:"events"`
}

// GetAuditTrail use case lists everything that happened to an order
type GetAuditTrail struct {
	audit domain.AuditRepository
}

// NewGetAuditTrail creates a new GetAuditTrail use case
func NewGetAuditTrail(audit domain.AuditRepository) *GetAuditTrail {
	return &GetAuditTrail{audit: audit}
}

// Execute returns the order's audit trail in insertion order.
func (uc *GetAuditTrail) Execute(ctx context.Context, q *GetAuditTrailQuery) (*AuditTrailResponse, error) {
	if q.OrderID == "" {
		return nil, errors.New("order_id is required")
	}

	events, err := uc.audit.List(ctx, q.OrderID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing audit trail for %s", q.OrderID)
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	return &AuditTrailResponse{OrderID: q.OrderID, Events: events}, nil
}
