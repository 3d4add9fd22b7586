package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"BananaPay/internal/gateway"
	"BananaPay/internal/models"
	"BananaPay/internal/payments"
	"BananaPay/internal/pricing"
	"BananaPay/internal/services"
	"BananaPay/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

type Handler struct {
	Orders        services.OrderService
	Notifications *payments.NotificationHandler
	Reconciler    *payments.Reconciler
	Catalog       *pricing.Catalog
	Logger        *slog.Logger
	// PollInterval paces the websocket status stream.
	PollInterval time.Duration

	validate *validator.Validate
	upgrader websocket.Upgrader
}

const maxNotifyBody = 64 << 10

type createOrderRequest struct {
	Plan         string `json:"plan" validate:"required"`
	Amount       string `json:"amount" validate:"required,numeric"`
	PayerAccount string `json:"payerAccount" validate:"required,max=128"`
}

type checkoutResponse struct {
	OrderID     string            `json:"orderId"`
	State       models.OrderState `json:"state"`
	Plan        string            `json:"plan"`
	Amount      string            `json:"amount"`
	Method      string            `json:"method"`
	RedirectURL string            `json:"redirectUrl,omitempty"`
	FormHTML    string            `json:"formHtml,omitempty"`
}

func NewHandler(orders services.OrderService, notifications *payments.NotificationHandler, reconciler *payments.Reconciler, catalog *pricing.Catalog, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Orders:        orders,
		Notifications: notifications,
		Reconciler:    reconciler,
		Catalog:       catalog,
		Logger:        logger,
		PollInterval:  time.Second,
		validate:      validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	co, err := h.Orders.CreateOrder(r.Context(), services.OrderRequest{
		Plan:         req.Plan,
		Amount:       req.Amount,
		PayerAccount: req.PayerAccount,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrMissingPayer):
			writeError(w, http.StatusBadRequest, "missing payer account")
		case errors.Is(err, services.ErrUnknownPlan):
			writeError(w, http.StatusBadRequest, "unknown plan")
		case errors.Is(err, services.ErrPriceMismatch):
			writeError(w, http.StatusConflict, "amount_mismatch")
		default:
			h.Logger.Error("create order failed", "err", err)
			writeError(w, http.StatusInternalServerError, "create order failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, newCheckoutResponse(co))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, order.Status())
}

func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	co, err := h.Orders.Checkout(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, services.ErrNotCheckout):
			writeError(w, http.StatusConflict, "order is not awaiting payment")
		default:
			h.Logger.Error("checkout failed", "err", err)
			writeError(w, http.StatusInternalServerError, "checkout failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, newCheckoutResponse(co))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Orders.Cancel(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, services.ErrNotCancelable):
			writeError(w, http.StatusConflict, "order can no longer be cancelled")
		default:
			h.Logger.Error("cancel failed", "err", err)
			writeError(w, http.StatusInternalServerError, "cancel failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, order.Status())
}

// ReconcileOrder is the "I have paid" button: it asks the gateway right away
// instead of waiting for the sweep.
func (h *Handler) ReconcileOrder(w http.ResponseWriter, r *http.Request) {
	res, err := h.Reconciler.ReconcileNow(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, gateway.ErrTransientTransport):
			writeError(w, http.StatusBadGateway, "gateway unavailable")
		default:
			h.Logger.Error("reconcile failed", "err", err)
			writeError(w, http.StatusInternalServerError, "reconcile failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, res.Order.Status())
}

// Notify is the gateway webhook. The body is the bare acknowledgement the
// gateway expects; store failures answer 500 so it redelivers.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotifyBody))
	if err != nil {
		writeAck(w, http.StatusOK, payments.AckFailure)
		return
	}
	res := h.Notifications.HandleBody(r.Context(), body)

	status := http.StatusOK
	if res.Err != nil && !isNotificationOutcome(res.Err) {
		h.Logger.Error("notification processing failed", "err", res.Err)
		status = http.StatusInternalServerError
	}
	writeAck(w, status, res.Ack)
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog.Offers())
}

// StreamOrder pushes the order status over a websocket whenever it changes,
// and closes once the order is terminal.
func (h *Handler) StreamOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()

	var last models.Status
	for {
		status := order.Status()
		if status != last {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(status); err != nil {
				return
			}
			last = status
		}
		if status.State.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status.State)),
				time.Now().Add(time.Second))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ticker.C:
		}

		next, err := h.Orders.GetOrder(ctx, order.OrderID)
		if err != nil {
			h.Logger.Warn("order stream lookup failed", "order_id", order.OrderID, "err", err)
			continue
		}
		order = next
	}
}

func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request) (*models.Order, bool) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return nil, false
	}
	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return nil, false
		}
		h.Logger.Error("get order failed", "err", err)
		writeError(w, http.StatusInternalServerError, "get order failed")
		return nil, false
	}
	return order, true
}

func newCheckoutResponse(co *services.Checkout) checkoutResponse {
	return checkoutResponse{
		OrderID:     co.Order.OrderID,
		State:       co.Order.State,
		Plan:        co.Order.Plan,
		Amount:      co.Order.Amount.StringFixed(2),
		Method:      string(co.Payment.Method),
		RedirectURL: co.Payment.RedirectURL,
		FormHTML:    co.Payment.FormHTML,
	}
}

func isNotificationOutcome(err error) bool {
	for _, target := range []error{
		payments.ErrMalformedNotification,
		payments.ErrSignatureInvalid,
		payments.ErrUnknownOrder,
		payments.ErrAmountMismatch,
		payments.ErrDuplicateNotification,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
