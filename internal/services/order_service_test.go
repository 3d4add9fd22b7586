package services

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"BananaPay/internal/gateway"
	"BananaPay/internal/models"
	"BananaPay/internal/pricing"
	"BananaPay/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPort struct {
	err    error
	builds int
}

func (s *stubPort) BuildPaymentRequest(_ context.Context, order *models.Order) (*gateway.PaymentRequest, error) {
	s.builds++
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.PaymentRequest{Method: gateway.MethodRedirect, RedirectURL: "https://gw.test/pay?out_trade_no=" + order.OrderID}, nil
}

func (s *stubPort) VerifyInbound(map[string]string) bool { return false }

func (s *stubPort) Query(context.Context, string) (*gateway.QueryResult, error) {
	return nil, errors.New("not used")
}

func newService(t *testing.T, port gateway.Port) (OrderService, *store.Memory) {
	t.Helper()
	cat, err := pricing.NewCatalog(nil)
	require.NoError(t, err)
	st := store.NewMemory()
	return OrderService{
		Store:   st,
		Gateway: port,
		Catalog: cat,
		Now:     func() time.Time { return time.Date(2026, 3, 1, 12, 5, 6, 0, time.UTC) },
	}, st
}

func TestCreateOrder(t *testing.T) {
	svc, st := newService(t, &stubPort{})

	co, err := svc.CreateOrder(context.Background(), OrderRequest{Plan: "professional", Amount: "29", PayerAccount: " alice "})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^ORDER_20260301120506_[0-9a-f]{8}$`), co.Order.OrderID)
	assert.Equal(t, models.OrderAwaitingNotification, co.Order.State)
	assert.Equal(t, "29.00", co.Order.Amount.StringFixed(2))
	assert.Equal(t, "alice", co.Order.PayerAccount)
	assert.Contains(t, co.Payment.RedirectURL, co.Order.OrderID)

	stored, err := st.Get(context.Background(), co.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderAwaitingNotification, stored.State)
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	svc, _ := newService(t, &stubPort{})
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, OrderRequest{Plan: "professional", Amount: "29.00"})
	assert.ErrorIs(t, err, ErrMissingPayer)

	_, err = svc.CreateOrder(ctx, OrderRequest{Plan: "normal", Amount: "29.00", PayerAccount: "a"})
	assert.ErrorIs(t, err, ErrUnknownPlan)

	_, err = svc.CreateOrder(ctx, OrderRequest{Plan: "professional", Amount: "0.01", PayerAccount: "a"})
	assert.ErrorIs(t, err, ErrPriceMismatch)

	_, err = svc.CreateOrder(ctx, OrderRequest{Plan: "professional", Amount: "abc", PayerAccount: "a"})
	assert.ErrorIs(t, err, ErrPriceMismatch)
}

func TestCreateOrderBuildFailureLeavesNoTrace(t *testing.T) {
	port := &stubPort{err: errors.New("no key")}
	svc, st := newService(t, port)

	_, err := svc.CreateOrder(context.Background(), OrderRequest{Plan: "basic", Amount: "9.90", PayerAccount: "a"})
	require.Error(t, err)
	assert.Equal(t, 1, port.builds)

	stale, err := st.ListStaleCreated(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
	awaiting, err := st.ListAwaiting(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, awaiting)
}

func TestCheckoutAndCancel(t *testing.T) {
	svc, st := newService(t, &stubPort{})
	ctx := context.Background()

	co, err := svc.CreateOrder(ctx, OrderRequest{Plan: "basic", Amount: "9.90", PayerAccount: "a"})
	require.NoError(t, err)

	again, err := svc.Checkout(ctx, co.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, co.Payment.RedirectURL, again.Payment.RedirectURL)

	_, err = svc.Cancel(ctx, co.Order.OrderID)
	assert.ErrorIs(t, err, ErrNotCancelable)

	now := time.Now().UTC()
	require.NoError(t, st.Create(ctx, &models.Order{
		OrderID: "ORDER_STUCK", Plan: "basic", Amount: co.Order.Amount,
		PayerAccount: "a", State: models.OrderCreated, CreatedAt: now, UpdatedAt: now,
	}))
	_, err = svc.Checkout(ctx, "ORDER_STUCK")
	assert.ErrorIs(t, err, ErrNotCheckout)

	cancelled, err := svc.Cancel(ctx, "ORDER_STUCK")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.State)

	// cancelling twice is not an error
	_, err = svc.Cancel(ctx, "ORDER_STUCK")
	assert.NoError(t, err)

	_, err = svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func TestNewOrderIDUnique(t *testing.T) {
	at := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewOrderID(at)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
