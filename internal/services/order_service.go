package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"BananaPay/internal/gateway"
	"BananaPay/internal/models"
	"BananaPay/internal/pricing"
	"BananaPay/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMissingPayer  = errors.New("missing payer account")
	ErrUnknownPlan   = errors.New("unknown plan")
	ErrPriceMismatch = errors.New("amount does not match plan price")
	ErrNotCheckout   = errors.New("order is not awaiting payment")
	ErrNotCancelable = errors.New("order can no longer be cancelled")
)

type OrderRequest struct {
	Plan         string
	Amount       string
	PayerAccount string
}

type Checkout struct {
	Order   *models.Order
	Payment *gateway.PaymentRequest
}

type OrderService struct {
	Store   store.OrderStore
	Gateway gateway.Port
	Catalog *pricing.Catalog
	Now     func() time.Time
}

// CreateOrder prices the request from the catalog and signs the gateway
// request before anything is stored, so a failed build leaves no order.
func (s OrderService) CreateOrder(ctx context.Context, req OrderRequest) (*Checkout, error) {
	payer := strings.TrimSpace(req.PayerAccount)
	if payer == "" {
		return nil, ErrMissingPayer
	}
	plan, err := s.Catalog.Lookup(req.Plan)
	if err != nil {
		return nil, ErrUnknownPlan
	}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil || !amount.Equal(plan.Amount) {
			return nil, ErrPriceMismatch
		}
	}

	now := s.now()
	order := &models.Order{
		OrderID:      NewOrderID(now),
		Plan:         plan.Name,
		Amount:       plan.Amount,
		PayerAccount: payer,
		State:        models.OrderCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	payment, err := s.Gateway.BuildPaymentRequest(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	if err := s.Store.Create(ctx, order); err != nil {
		return nil, err
	}
	updated, _, err := s.Store.Transition(ctx, order.OrderID, models.OrderAwaitingNotification, "")
	if err != nil {
		return nil, err
	}
	return &Checkout{Order: updated, Payment: payment}, nil
}

func (s OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.Store.Get(ctx, orderID)
}

// Checkout rebuilds the signed request for an order still awaiting payment,
// for a buyer who closed the gateway page.
func (s OrderService) Checkout(ctx context.Context, orderID string) (*Checkout, error) {
	order, err := s.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.State != models.OrderAwaitingNotification {
		return nil, ErrNotCheckout
	}
	payment, err := s.Gateway.BuildPaymentRequest(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	return &Checkout{Order: order, Payment: payment}, nil
}

// Cancel abandons an order the buyer never took to the gateway.
func (s OrderService) Cancel(ctx context.Context, orderID string) (*models.Order, error) {
	order, changed, err := s.Store.Transition(ctx, orderID, models.OrderCancelled, "")
	if err != nil {
		return nil, err
	}
	if !changed && order.State != models.OrderCancelled {
		return order, ErrNotCancelable
	}
	return order, nil
}

func (s OrderService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// NewOrderID returns ORDER_<yyyymmddHHMMSS>_<8 hex>.
func NewOrderID(at time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORDER_" + at.UTC().Format("20060102150405") + "_" + hex[:8]
}
