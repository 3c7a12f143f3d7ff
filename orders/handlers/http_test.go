package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/engine/store"
	"github.com/trellis/fulfillment/orders/activities"
	"github.com/trellis/fulfillment/orders/application"
	"github.com/trellis/fulfillment/orders/domain"
	"github.com/trellis/fulfillment/orders/infrastructure"
	"github.com/trellis/fulfillment/orders/workflow"
)

type testServer struct {
	server *httptest.Server
	orders *infrastructure.MemoryOrderRepository
}

func newTestServer(t *testing.T) *testServer {
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

	handlers := NewOrderHandlers(
		application.NewStartOrder(runtime),
		application.NewSignalOrder(runtime, orderRepo, auditRepo),
		application.NewGetOrderStatus(runtime),
		application.NewGetAuditTrail(auditRepo),
	)

	router := chi.NewRouter()
	handlers.RegisterRoutes(router)
	router.Handle("/metrics", NewMetricsHandler())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{server: srv, orders: orderRepo}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *testServer) waitState(t *testing.T, orderID, state string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := s.do(t, http.MethodGet, "/orders/"+orderID+"/status", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var res application.OrderStatusResponse
		require.NoError(t, json.Unmarshal(body, &res))
		if res.State == state {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order %s never reached state %s", orderID, state)
}

func TestOrderHandlers_Lifecycle(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/orders/ord-1/start", `{"items":[{"sku":"ABC","qty":1}]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var started application.StartOrderResponse
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, "order-ord-1", started.SagaID)

	// Duplicate start conflicts
	resp, _ = s.do(t, http.MethodPost, "/orders/ord-1/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	s.waitState(t, "ord-1", string(domain.OrderStateAwaitingApproval))

	resp, _ = s.do(t, http.MethodPost, "/orders/ord-1/approve", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	s.waitState(t, "ord-1", string(domain.OrderStateShipped))

	resp, body = s.do(t, http.MethodGet, "/orders/ord-1/audit", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var trail application.AuditTrailResponse
	require.NoError(t, json.Unmarshal(body, &trail))
	assert.NotEmpty(t, trail.Events)
}

func TestOrderHandlers_ErrorMapping(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/orders/missing/status", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/orders/missing/approve", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/orders/ord-1/address", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Cancel after a recorded dispatch bounces with a conflict
	require.NoError(t, s.orders.UpsertState(context.Background(), "ord-x", domain.OrderStateShipping, nil))
	resp, _ = s.do(t, http.MethodPost, "/orders/ord-x/cancel", `{"reason":"too late"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestOrderHandlers_CancelDuringReview(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/orders/ord-2/start", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	s.waitState(t, "ord-2", string(domain.OrderStateAwaitingApproval))

	resp, _ = s.do(t, http.MethodPost, "/orders/ord-2/cancel", `{"reason":"changed my mind"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	s.waitState(t, "ord-2", string(domain.OrderStateCanceled))
}
