package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/trellis/fulfillment/engine"
	"github.com/trellis/fulfillment/engine/store"
	"github.com/trellis/fulfillment/orders/application"
	"github.com/trellis/fulfillment/orders/workflow"
)

// OrderHandlers contains order fulfillment HTTP handlers
type OrderHandlers struct {
	startOrder     *application.StartOrder
	signalOrder    *application.SignalOrder
	getOrderStatus *application.GetOrderStatus
	getAuditTrail  *application.GetAuditTrail
}

// NewOrderHandlers creates new order handlers
func NewOrderHandlers(
	startOrder *application.StartOrder,
	signalOrder *application.SignalOrder,
	getOrderStatus *application.GetOrderStatus,
	getAuditTrail *application.GetAuditTrail,
) *OrderHandlers {
	return &OrderHandlers{
		startOrder:     startOrder,
		signalOrder:    signalOrder,
		getOrderStatus: getOrderStatus,
		getAuditTrail:  getAuditTrail,
	}
}

// StartOrder handles order fulfillment start requests
func (h *OrderHandlers) StartOrder(w http.ResponseWriter, r *http.Request) {
	var cmd application.StartOrderCommand
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	cmd.OrderID = chi.URLParam(r, "id")

	response, err := h.startOrder.Execute(r.Context(), &cmd)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(response)
}

// Approve handles manual review approvals
func (h *OrderHandlers) Approve(w http.ResponseWriter, r *http.Request) {
	h.signal(w, r, workflow.SignalApprove, nil)
}

// Cancel handles cancellation requests
func (h *OrderHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	var payload workflow.CancelPayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	raw, _ := json.Marshal(payload)
	h.signal(w, r, workflow.SignalCancel, raw)
}

// UpdateAddress handles shipping address changes
func (h *OrderHandlers) UpdateAddress(w http.ResponseWriter, r *http.Request) {
	var payload workflow.AddressPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(payload.Address) == 0 {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}
	raw, _ := json.Marshal(payload)
	h.signal(w, r, workflow.SignalUpdateAddress, raw)
}

func (h *OrderHandlers) signal(w http.ResponseWriter, r *http.Request, name string, payload json.RawMessage) {
	cmd := application.SignalOrderCommand{
		OrderID: chi.URLParam(r, "id"),
		Signal:  name,
		Payload: payload,
	}
	if err := h.signalOrder.Execute(r.Context(), &cmd); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"order_id": cmd.OrderID, "signal": name, "status": "accepted"})
}

// GetStatus handles order status queries
func (h *OrderHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	query := &application.GetOrderStatusQuery{OrderID: chi.URLParam(r, "id")}
	response, err := h.getOrderStatus.Execute(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetAuditTrail handles audit trail queries
func (h *OrderHandlers) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	query := &application.GetAuditTrailQuery{OrderID: chi.URLParam(r, "id")}
	response, err := h.getAuditTrail.Execute(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// RegisterRoutes registers order routes
func (h *OrderHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders/{id}", func(r chi.Router) {
		r.Post("/start", h.StartOrder)
		r.Post("/approve", h.Approve)
		r.Post("/cancel", h.Cancel)
		r.Post("/address", h.UpdateAddress)
		r.Get("/status", h.GetStatus)
		r.Get("/audit", h.GetAuditTrail)
	})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, engine.ErrAlreadyTerminal),
		errors.Is(err, application.ErrCancelRejected):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, application.ErrUnknownSignal):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
