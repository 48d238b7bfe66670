package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/greenharvest/marketplace/internal/catalog"
	"github.com/greenharvest/marketplace/internal/checkout"
	"github.com/greenharvest/marketplace/internal/fault"
	"github.com/greenharvest/marketplace/internal/orders"
	"github.com/greenharvest/marketplace/internal/realtime"
	"github.com/greenharvest/marketplace/internal/users"
)

type OrdersHandler struct {
	Orders   *orders.Service
	Products catalog.Store
	Hub      *realtime.Hub
	Logger   *zap.Logger

	// PaymentDelay simulates the gateway round trip on /payments/simulate.
	PaymentDelay time.Duration
}

type CreateCheckoutReq struct {
	CustomerID string                 `json:"customer_id"`
	Items      []checkout.SessionItem `json:"items"`
}

type CreateCheckoutResp struct {
	CheckoutID string    `json:"checkout_id"`
	TotalCents int       `json:"total_cents"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type FinalizeReq struct {
	CheckoutID string `json:"checkout_id"`
	PaymentRef string `json:"payment_reference"`
}

type SimulatePaymentReq struct {
	CheckoutID string `json:"checkout_id"`
}

type AdvanceReq struct {
	State string      `json:"state"`
	Note  string      `json:"note"`
	Actor users.Actor `json:"actor"`
}

type CancelReq struct {
	CustomerID string `json:"customer_id"`
	Note       string `json:"note"`
}

func (h *OrdersHandler) Register(r *chi.Mux) {
	r.Post("/api/checkout", h.createCheckout)
	r.Post("/api/orders/finalize", h.finalize)
	r.Post("/api/payments/simulate", h.simulatePayment)
	r.Post("/api/orders/{id}/status", h.advance)
	r.Post("/api/orders/{id}/cancel", h.cancel)
	r.Get("/api/orders/{id}/track", h.track)
	r.Get("/api/orders", h.list)
	r.Get("/api/products", h.listProducts)
	r.Get("/ws/orders/{id}", func(w http.ResponseWriter, req *http.Request) {
		h.Hub.ServeWS(w, req)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), map[string]string{"error": fault.Message(err)})
}

func (h *OrdersHandler) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sess, err := h.Orders.Checkout.Create(ctx, req.CustomerID, req.Items)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateCheckoutResp{
		CheckoutID: sess.ID,
		TotalCents: sess.TotalCents,
		ExpiresAt:  sess.ExpiresAt,
	})
}

func (h *OrdersHandler) finalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.CheckoutID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "checkout_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	order, err := h.Orders.Finalize(ctx, req.CheckoutID, req.PaymentRef)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// simulatePayment stands in for a real gateway: it waits a beat, mints a
// reference, and finalizes the session with it.
func (h *OrdersHandler) simulatePayment(w http.ResponseWriter, r *http.Request) {
	var req SimulatePaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.CheckoutID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "checkout_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if h.PaymentDelay > 0 {
		select {
		case <-time.After(h.PaymentDelay):
		case <-ctx.Done():
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "payment gateway timeout"})
			return
		}
	}

	ref := fmt.Sprintf("SIM-%s", uuid.NewString())
	order, err := h.Orders.Finalize(ctx, req.CheckoutID, ref)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *OrdersHandler) advance(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req AdvanceReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if _, err := users.ParseRole(string(req.Actor.Role)); err != nil {
		writeErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	order, err := h.Orders.Advance(ctx, orderID, req.State, req.Note, req.Actor)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrdersHandler) cancel(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	var req CancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if req.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "customer_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	order, err := h.Orders.Cancel(ctx, orderID, req.CustomerID, req.Note)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrdersHandler) track(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	role, err := users.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		writeErr(w, err)
		return
	}
	actor := users.Actor{ID: r.URL.Query().Get("actor_id"), Role: role}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	order, err := h.Orders.Track(ctx, orderID, actor)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	var (
		out []*orders.Order
		err error
	)
	switch {
	case q.Get("customer_id") != "":
		out, err = h.Orders.ListForCustomer(ctx, q.Get("customer_id"))
	case q.Get("farmer_id") != "":
		out, err = h.Orders.ListForFarmer(ctx, q.Get("farmer_id"))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "customer_id or farmer_id required"})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if out == nil {
		out = []*orders.Order{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Products.List(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}
