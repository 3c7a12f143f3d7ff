package infrastructure

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/shared/models"
)

// Memory repositories back tests and the local storage driver. They honor
// the same contracts as the Postgres implementations, including charge
// idempotency per payment ID.

// MemoryOrderRepository implements OrderRepository in process memory
type MemoryOrderRepository struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

// NewMemoryOrderRepository creates an empty MemoryOrderRepository
func NewMemoryOrderRepository() *MemoryOrderRepository {
	return &MemoryOrderRepository{orders: make(map[string]*domain.Order)}
}

func (r *MemoryOrderRepository) UpsertState(_ context.Context, orderID string, state domain.OrderState, address json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		order = &domain.Order{ID: orderID, Timestamps: models.NewTimestamps()}
		r.orders[orderID] = order
	}
	order.State = state
	if address != nil {
		order.Address = address
	}
	order.Timestamps = order.Timestamps.Update()
	return nil
}

func (r *MemoryOrderRepository) UpdateAddress(_ context.Context, orderID string, address json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	order.Address = address
	order.Timestamps = order.Timestamps.Update()
	return nil
}

func (r *MemoryOrderRepository) Find(_ context.Context, orderID string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *order
	return &copied, nil
}

// MemoryPaymentRepository implements PaymentRepository in process memory
type MemoryPaymentRepository struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment

	// Charges counts external charge effects per payment ID, used by
	// idempotency tests.
	Charges map[string]int
}

// NewMemoryPaymentRepository creates an empty MemoryPaymentRepository
func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{
		payments: make(map[string]*domain.Payment),
		Charges:  make(map[string]int),
	}
}

func (r *MemoryPaymentRepository) Charge(_ context.Context, payment *domain.Payment) (*domain.Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.payments[payment.PaymentID]; ok && existing.Status == domain.PaymentStatusCharged {
		copied := *existing
		return &copied, true, nil
	}

	charged := *payment
	charged.Status = domain.PaymentStatusCharged
	r.payments[payment.PaymentID] = &charged
	r.Charges[payment.PaymentID]++

	copied := charged
	return &copied, false, nil
}

// Rows returns the number of stored payment rows
func (r *MemoryPaymentRepository) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payments)
}

// MemoryShipmentRepository implements ShipmentRepository in process memory
type MemoryShipmentRepository struct {
	mu        sync.Mutex
	shipments []domain.Shipment
}

// NewMemoryShipmentRepository creates an empty MemoryShipmentRepository
func NewMemoryShipmentRepository() *MemoryShipmentRepository {
	return &MemoryShipmentRepository{}
}

func (r *MemoryShipmentRepository) Insert(_ context.Context, shipment *domain.Shipment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.shipments {
		if s.OrderID == shipment.OrderID && s.Status == shipment.Status {
			return nil
		}
	}
	r.shipments = append(r.shipments, *shipment)
	return nil
}

// ByOrder returns shipments of an order
func (r *MemoryShipmentRepository) ByOrder(orderID string) []domain.Shipment {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Shipment
	for _, s := range r.shipments {
		if s.OrderID == orderID {
			out = append(out, s)
		}
	}
	return out
}

// MemoryAuditRepository implements AuditRepository in process memory
type MemoryAuditRepository struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

// NewMemoryAuditRepository creates an empty MemoryAuditRepository
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (r *MemoryAuditRepository) Insert(_ context.Context, orderID, eventType string, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, domain.AuditEvent{
		ID:        models.GenerateUUID(),
		OrderID:   orderID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (r *MemoryAuditRepository) List(_ context.Context, orderID string) ([]domain.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.AuditEvent
	for _, ev := range r.events {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
