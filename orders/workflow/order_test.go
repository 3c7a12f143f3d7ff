package workflow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/engine/store"
	"github.com/trellis/fulfillment/orders/activities"
	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/orders/infrastructure"
)

type testEnv struct {
	runtime   *engine.Runtime
	orders    *infrastructure.MemoryOrderRepository
	payments  *infrastructure.MemoryPaymentRepository
	shipments *infrastructure.MemoryShipmentRepository
	audit     *infrastructure.MemoryAuditRepository
}

func testOptions() Options {
	return Options{
		ReviewWindow:     5 * time.Second,
		ShippingAttempts: 2,
		Activity: engine.ActivityOptions{
			StartToCloseTimeout: time.Second,
			Retry: engine.RetryPolicy{
				InitialInterval:    time.Millisecond,
				BackoffCoefficient: 1.5,
				MaxAttempts:        2,
			},
		},
	}
}

// newTestEnv wires the sagas over in-memory storage. customize runs
// between registration and start so tests can stub single activities.
func newTestEnv(t *testing.T, opts Options, customize func(*testEnv)) *testEnv {
	t.Helper()

	env := &testEnv{
		orders:    infrastructure.NewMemoryOrderRepository(),
		payments:  infrastructure.NewMemoryPaymentRepository(),
		shipments: infrastructure.NewMemoryShipmentRepository(),
		audit:     infrastructure.NewMemoryAuditRepository(),
	}
	env.runtime = engine.NewRuntime(store.NewMemoryStore(), nil, 2)

	acts := activities.NewActivities(env.orders, env.payments, env.shipments, env.audit, nil)
	acts.Register(env.runtime)
	Register(env.runtime, opts)

	if customize != nil {
		customize(env)
	}

	require.NoError(t, env.runtime.Start(context.Background()))
	t.Cleanup(env.runtime.Stop)
	return env
}

func (e *testEnv) startOrder(t *testing.T, orderID string, items []domain.Item) string {
	t.Helper()
	input, err := json.Marshal(OrderInput{OrderID: orderID, Items: items})
	require.NoError(t, err)
	sagaID := "order-" + orderID
	require.NoError(t, e.runtime.StartSaga(context.Background(), sagaID, OrderWorkflowName, input))
	return sagaID
}

func (e *testEnv) waitStatus(t *testing.T, sagaID, key string, want interface{}) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := e.runtime.Query(context.Background(), sagaID)
		require.NoError(t, err)
		if res.Status[key] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("saga %s never reported %s=%v", sagaID, key, want)
}

func (e *testEnv) waitTerminal(t *testing.T, sagaID string) *engine.QueryResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		res, err := e.runtime.Query(context.Background(), sagaID)
		require.NoError(t, err)
		if res.Terminal {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("saga %s did not finish", sagaID)
	return nil
}

func (e *testEnv) auditTypes(t *testing.T, orderID string) []string {
	t.Helper()
	events, err := e.audit.List(context.Background(), orderID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestOrderWorkflow_HappyPath(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)

	sagaID := env.startOrder(t, "ord-1", []domain.Item{{SKU: "ABC", Qty: 2}})
	env.waitStatus(t, sagaID, "state", string(domain.OrderStateAwaitingApproval))

	require.NoError(t, env.runtime.Signal(context.Background(), sagaID, SignalApprove, nil))

	res := env.waitTerminal(t, sagaID)
	assert.Empty(t, res.Error)
	assert.JSONEq(t, `"shipped"`, string(res.Result))
	assert.Equal(t, true, res.Status["dispatched"])
	assert.Equal(t, true, res.Status["approved"])

	order, err := env.orders.Find(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateShipped, order.State)

	// Exactly one charge for the derived payment ID
	assert.Equal(t, 1, env.payments.Rows())
	assert.Equal(t, 1, env.payments.Charges["ord-1-payment"])

	statuses := env.shipments.ByOrder("ord-1")
	require.Len(t, statuses, 2)
	assert.Equal(t, domain.ShipmentStatusPrepared, statuses[0].Status)
	assert.Equal(t, domain.ShipmentStatusDispatched, statuses[1].Status)

	assert.Equal(t, []string{
		domain.AuditOrderReceived,
		domain.AuditOrderValidated,
		domain.AuditPaymentCharged,
		domain.AuditPackagePrepared,
		domain.AuditCarrierDispatched,
		domain.AuditOrderShipped,
	}, env.auditTypes(t, "ord-1"))
}

func TestOrderWorkflow_ReviewWindowExpires(t *testing.T) {
	opts := testOptions()
	opts.ReviewWindow = 50 * time.Millisecond
	env := newTestEnv(t, opts, nil)

	sagaID := env.startOrder(t, "ord-2", nil)
	res := env.waitTerminal(t, sagaID)

	assert.JSONEq(t, `"failed"`, string(res.Result))
	assert.Equal(t, "manual_review_timeout", res.Status["resolution"])

	order, err := env.orders.Find(context.Background(), "ord-2")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateFailed, order.State)

	assert.Contains(t, env.auditTypes(t, "ord-2"), domain.AuditOrderFailed)
	assert.Equal(t, 0, env.payments.Rows())
}

func TestOrderWorkflow_CancelDuringReview(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)

	sagaID := env.startOrder(t, "ord-3", nil)
	env.waitStatus(t, sagaID, "state", string(domain.OrderStateAwaitingApproval))

	payload, _ := json.Marshal(CancelPayload{Reason: "changed my mind"})
	require.NoError(t, env.runtime.Signal(context.Background(), sagaID, SignalCancel, payload))

	res := env.waitTerminal(t, sagaID)
	assert.JSONEq(t, `"canceled"`, string(res.Result))
	assert.Equal(t, "changed my mind", res.Status["resolution"])

	order, err := env.orders.Find(context.Background(), "ord-3")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateCanceled, order.State)

	// Cancellation before approval never charges
	assert.Equal(t, 0, env.payments.Rows())
	assert.Empty(t, env.shipments.ByOrder("ord-3"))
	assert.Contains(t, env.auditTypes(t, "ord-3"), domain.AuditOrderCanceled)
}

func TestOrderWorkflow_AddressUpdateBeforeShipping(t *testing.T) {
	env := newTestEnv(t, testOptions(), nil)

	sagaID := env.startOrder(t, "ord-4", nil)
	env.waitStatus(t, sagaID, "state", string(domain.OrderStateAwaitingApproval))

	newAddr := json.RawMessage(`{"street":"42 Pine St","city":"Lakewood"}`)
	payload, _ := json.Marshal(AddressPayload{Address: newAddr})
	require.NoError(t, env.runtime.Signal(context.Background(), sagaID, SignalUpdateAddress, payload))
	require.NoError(t, env.runtime.Signal(context.Background(), sagaID, SignalApprove, nil))

	res := env.waitTerminal(t, sagaID)
	assert.JSONEq(t, `"shipped"`, string(res.Result))

	order, err := env.orders.Find(context.Background(), "ord-4")
	require.NoError(t, err)
	assert.JSONEq(t, string(newAddr), string(order.Address))
	assert.Contains(t, env.auditTypes(t, "ord-4"), domain.AuditAddressUpdated)
}

func TestOrderWorkflow_ShippingRetriesWithNewChild(t *testing.T) {
	var dispatches int32
	env := newTestEnv(t, testOptions(), func(env *testEnv) {
		env.runtime.RegisterActivity(activities.DispatchCarrier, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			if atomic.AddInt32(&dispatches, 1) == 1 {
				return nil, engine.Fatalf("carrier unavailable")
			}
			return nil, nil
		})
	})

	sagaID := env.startOrder(t, "ord-5", nil)
	env.waitStatus(t, sagaID, "state", string(domain.OrderStateAwaitingApproval))
	require.NoError(t, env.runtime.Signal(context.Background(), sagaID, SignalApprove, nil))

	res := env.waitTerminal(t, sagaID)
	assert.JSONEq(t, `"shipped"`, string(res.Result))
	assert.Equal(t, 2, res.Status["shipping_attempt"])

	// First delivery attempt failed as its own child saga
	first, err := env.runtime.Query(context.Background(), "ship-ord-5-1")
	require.NoError(t, err)
	assert.True(t, first.Terminal)
	assert.Contains(t, first.Error, "carrier unavailable")

	second, err := env.runtime.Query(context.Background(), "ship-ord-5-2")
	require.NoError(t, err)
	assert.True(t, second.Terminal)
	assert.Empty(t, second.Error)
}

func TestOrderWorkflow_ShippingExhaustsAttempts(t *testing.T) {
	env := newTestEnv(t, testOptions(), func(env *testEnv) {
		env.runtime.RegisterActivity(activities.DispatchCarrier, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, engine.Fatalf("carrier unavailable")
		})
	})

	sagaID := env.startOrder(t, "ord-6", nil)
	env.waitStatus(t, sagaID, "state", string(domain.OrderStateAwaitingApproval))
	require.NoError(t, env.runtime.Signal(context.Background(), sagaID, SignalApprove, nil))

	res := env.waitTerminal(t, sagaID)
	assert.JSONEq(t, `"failed"`, string(res.Result))

	resolution, _ := res.Status["resolution"].(string)
	assert.Contains(t, resolution, "shipping_failed")
	lastErr, _ := res.Status["last_error"].(string)
	assert.Contains(t, lastErr, "carrier unavailable")

	order, err := env.orders.Find(context.Background(), "ord-6")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStateFailed, order.State)

	// Both children exist and failed
	for _, childID := range []string{"ship-ord-6-1", "ship-ord-6-2"} {
		child, err := env.runtime.Query(context.Background(), childID)
		require.NoError(t, err)
		assert.True(t, child.Terminal)
		assert.NotEmpty(t, child.Error)
	}
}

func TestShippingWorkflow_SignalsParentOnFailure(t *testing.T) {
	env := newTestEnv(t, testOptions(), func(env *testEnv) {
		env.runtime.RegisterActivity(activities.DispatchCarrier, func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, engine.Fatalf("carrier unavailable")
		})
	})

	sagaID := env.startOrder(t, "ord-7", nil)
	env.waitStatus(t, sagaID, "state", string(domain.OrderStateAwaitingApproval))
	require.NoError(t, env.runtime.Signal(context.Background(), sagaID, SignalApprove, nil))
	env.waitTerminal(t, sagaID)

	hist, err := env.runtime.History(context.Background(), sagaID)
	require.NoError(t, err)

	received := 0
	for _, ev := range hist {
		if ev.Name == SignalDispatchFailed && ev.Type == "signal.received" {
			received++
		}
	}
	assert.Equal(t, 2, received)
}
