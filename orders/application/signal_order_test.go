package application

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/engine/store"
	"github.com/trellis/fulfillment/orders/activities"
	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/orders/infrastructure"
	"github.com/trellis/fulfillment/orders/workflow"
)

type useCases struct {
	runtime *engine.Runtime
	orders  *infrastructure.MemoryOrderRepository
	audit   *infrastructure.MemoryAuditRepository

	start  *StartOrder
	signal *SignalOrder
	status *GetOrderStatus
	trail  *GetAuditTrail
}

func newUseCases(t *testing.T) *useCases {
	t.Helper()

	orderRepo := infrastructure.NewMemoryOrderRepository()
	paymentRepo := infrastructure.NewMemoryPaymentRepository()
	shipmentRepo := infrastructure.NewMemoryShipmentRepository()
	auditRepo := infrastructure.NewMemoryAuditRepository()

	runtime := engine.NewRuntime(store.NewMemoryStore(), nil, 2)
	acts := activities.NewActivities(orderRepo, paymentRepo, shipmentRepo, auditRepo, nil)
	acts.Register(runtime)
	workflow.Register(runtime, workflow.Options{
		ReviewWindow:     5 * time.Second,
		ShippingAttempts: 2,
		Activity: engine.ActivityOptions{
			StartToCloseTimeout: time.Second,
			Retry:               engine.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 1.5, MaxAttempts: 2},
		},
	})
	require.NoError(t, runtime.Start(context.Background()))
	t.Cleanup(runtime.Stop)

	return &useCases{
		runtime: runtime,
		orders:  orderRepo,
		audit:   auditRepo,
		start:   NewStartOrder(runtime),
		signal:  NewSignalOrder(runtime, orderRepo, auditRepo),
		status:  NewGetOrderStatus(runtime),
		trail:   NewGetAuditTrail(auditRepo),
	}
}

func (u *useCases) waitState(t *testing.T, orderID, state string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := u.status.Execute(context.Background(), &GetOrderStatusQuery{OrderID: orderID})
		require.NoError(t, err)
		if res.State == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order %s never reached state %s", orderID, state)
}

func TestStartOrder_Execute(t *testing.T) {
	u := newUseCases(t)
	ctx := context.Background()

	t.Run("starts the saga", func(t *testing.T) {
		res, err := u.start.Execute(ctx, &StartOrderCommand{OrderID: "ord-1"})
		require.NoError(t, err)
		assert.Equal(t, "ord-1", res.OrderID)
		assert.Equal(t, "order-ord-1", res.SagaID)
	})

	t.Run("duplicate start conflicts", func(t *testing.T) {
		_, err := u.start.Execute(ctx, &StartOrderCommand{OrderID: "ord-1"})
		assert.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run("missing order id", func(t *testing.T) {
		_, err := u.start.Execute(ctx, &StartOrderCommand{})
		assert.Error(t, err)
	})

	t.Run("non-positive quantity", func(t *testing.T) {
		_, err := u.start.Execute(ctx, &StartOrderCommand{
			OrderID: "ord-bad",
			Items:   []domain.Item{{SKU: "ABC", Qty: 0}},
		})
		assert.Error(t, err)
	})
}

func TestSignalOrder_Execute(t *testing.T) {
	u := newUseCases(t)
	ctx := context.Background()

	_, err := u.start.Execute(ctx, &StartOrderCommand{OrderID: "ord-1"})
	require.NoError(t, err)
	u.waitState(t, "ord-1", string(domain.OrderStateAwaitingApproval))

	t.Run("unknown signal name", func(t *testing.T) {
		err := u.signal.Execute(ctx, &SignalOrderCommand{OrderID: "ord-1", Signal: "reboot"})
		assert.ErrorIs(t, err, ErrUnknownSignal)
	})

	t.Run("update_address requires payload", func(t *testing.T) {
		err := u.signal.Execute(ctx, &SignalOrderCommand{OrderID: "ord-1", Signal: workflow.SignalUpdateAddress})
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnknownSignal)
	})

	t.Run("unknown order", func(t *testing.T) {
		err := u.signal.Execute(ctx, &SignalOrderCommand{OrderID: "nope", Signal: workflow.SignalApprove})
		assert.ErrorIs(t, errors.Cause(err), store.ErrNotFound)
	})

	t.Run("approve is delivered", func(t *testing.T) {
		err := u.signal.Execute(ctx, &SignalOrderCommand{OrderID: "ord-1", Signal: workflow.SignalApprove})
		require.NoError(t, err)
		u.waitState(t, "ord-1", string(domain.OrderStateShipped))
	})

	t.Run("signal after terminal conflicts", func(t *testing.T) {
		err := u.signal.Execute(ctx, &SignalOrderCommand{OrderID: "ord-1", Signal: workflow.SignalApprove})
		assert.ErrorIs(t, errors.Cause(err), engine.ErrAlreadyTerminal)
	})
}

func TestSignalOrder_CancelWindow(t *testing.T) {
	u := newUseCases(t)
	ctx := context.Background()

	// A dispatched order's row reads shipping; cancels must bounce.
	require.NoError(t, u.orders.UpsertState(ctx, "ord-s", domain.OrderStateShipping, nil))
	err := u.signal.Execute(ctx, &SignalOrderCommand{OrderID: "ord-s", Signal: workflow.SignalCancel})
	assert.ErrorIs(t, err, ErrCancelRejected)

	events, listErr := u.audit.List(ctx, "ord-s")
	require.NoError(t, listErr)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditCancelRejected, events[0].Type)

	require.NoError(t, u.orders.UpsertState(ctx, "ord-t", domain.OrderStateShipped, nil))
	err = u.signal.Execute(ctx, &SignalOrderCommand{OrderID: "ord-t", Signal: workflow.SignalCancel})
	assert.ErrorIs(t, err, ErrCancelRejected)
}

func TestGetOrderStatus_Execute(t *testing.T) {
	u := newUseCases(t)
	ctx := context.Background()

	_, err := u.status.Execute(ctx, &GetOrderStatusQuery{OrderID: "missing"})
	assert.ErrorIs(t, errors.Cause(err), store.ErrNotFound)

	_, err = u.start.Execute(ctx, &StartOrderCommand{OrderID: "ord-1"})
	require.NoError(t, err)
	u.waitState(t, "ord-1", string(domain.OrderStateAwaitingApproval))

	res, err := u.status.Execute(ctx, &GetOrderStatusQuery{OrderID: "ord-1"})
	require.NoError(t, err)
	assert.False(t, res.Terminal)
	assert.Equal(t, "order-ord-1", res.SagaID)
	assert.Equal(t, string(domain.OrderStateAwaitingApproval), res.State)
}

func TestGetAuditTrail_Execute(t *testing.T) {
	u := newUseCases(t)
	ctx := context.Background()

	res, err := u.trail.Execute(ctx, &GetAuditTrailQuery{OrderID: "empty"})
	require.NoError(t, err)
	assert.Empty(t, res.Events)

	require.NoError(t, u.audit.Insert(ctx, "ord-1", domain.AuditOrderReceived, nil))
	require.NoError(t, u.audit.Insert(ctx, "ord-1", domain.AuditOrderValidated, json.RawMessage(`{"ok":true}`)))

	res, err = u.trail.Execute(ctx, &GetAuditTrailQuery{OrderID: "ord-1"})
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	assert.Equal(t, domain.AuditOrderReceived, res.Events[0].Type)
	assert.Equal(t, domain.AuditOrderValidated, res.Events[1].Type)
}
