package activities

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/orders/infrastructure"
)

type fixtures struct {
	orders    *infrastructure.MemoryOrderRepository
	payments  *infrastructure.MemoryPaymentRepository
	shipments *infrastructure.MemoryShipmentRepository
	audit     *infrastructure.MemoryAuditRepository
	acts      *Activities
}

func newFixtures(faults *FaultInjector) *fixtures {
	f := &fixtures{
		orders:    infrastructure.NewMemoryOrderRepository(),
		payments:  infrastructure.NewMemoryPaymentRepository(),
		shipments: infrastructure.NewMemoryShipmentRepository(),
		audit:     infrastructure.NewMemoryAuditRepository(),
	}
	f.acts = NewActivities(f.orders, f.payments, f.shipments, f.audit, faults)
	return f
}

func TestReceiveOrder_DefaultsItems(t *testing.T) {
	f := newFixtures(nil)
	ctx := context.Background()

	input, _ := json.Marshal(ReceiveOrderInput{OrderID: "ord-1"})
	out, err := f.acts.receiveOrder(ctx, input)
	require.NoError(t, err)

	var snapshot OrderSnapshot
	require.NoError(t, json.Unmarshal(out, &snapshot))
	assert.Equal(t, []domain.Item{{SKU: "ABC", Qty: 1}}, snapshot.Items)

	order, err := f.orders.Find(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateReceived, order.State)
}

func TestValidateOrder_RejectsEmptyItems(t *testing.T) {
	f := newFixtures(nil)
	ctx := context.Background()

	input, _ := json.Marshal(OrderSnapshot{OrderID: "ord-1"})
	_, err := f.acts.validateOrder(ctx, input)
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))
}

func TestChargePayment_Idempotent(t *testing.T) {
	f := newFixtures(nil)
	ctx := context.Background()

	input, _ := json.Marshal(ChargePaymentInput{
		OrderID:   "ord-1",
		PaymentID: "pay-1",
		Items:     []domain.Item{{SKU: "ABC", Qty: 3}},
	})

	first, err := f.acts.chargePayment(ctx, input)
	require.NoError(t, err)

	// A redelivered charge must not touch the provider again
	second, err := f.acts.chargePayment(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, 1, f.payments.Rows())
	assert.Equal(t, 1, f.payments.Charges["pay-1"])

	var r1, r2 ChargeResult
	require.NoError(t, json.Unmarshal(first, &r1))
	require.NoError(t, json.Unmarshal(second, &r2))
	assert.Equal(t, r1.Amount, r2.Amount)
	assert.Equal(t, int64(300), r1.Amount.Amount)

	events, err := f.audit.List(ctx, "ord-1")
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{domain.AuditPaymentCharged, domain.AuditPaymentIdempotent}, types)
}

func TestRecordResolution(t *testing.T) {
	f := newFixtures(nil)
	ctx := context.Background()

	input, _ := json.Marshal(ResolutionInput{
		OrderID: "ord-1",
		State:   domain.OrderStateCanceled,
		Reason:  "user_request",
	})
	_, err := f.acts.recordResolution(ctx, input)
	require.NoError(t, err)

	order, err := f.orders.Find(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateCanceled, order.State)

	events, err := f.audit.List(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditOrderCanceled, events[0].Type)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "user_request", payload["reason"])
}

func TestFaultInjector(t *testing.T) {
	t.Run("nil injector is a no-op", func(t *testing.T) {
		var f *FaultInjector
		assert.NoError(t, f.Inject(context.Background()))
	})

	t.Run("forced error rate", func(t *testing.T) {
		f := NewFaultInjector(1.0, 0, 42)
		err := f.Inject(context.Background())
		require.Error(t, err)
		assert.False(t, engine.IsFatal(err))
	})

	t.Run("forced hang honors context", func(t *testing.T) {
		f := NewFaultInjector(0, 1.0, 42)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := f.Inject(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
