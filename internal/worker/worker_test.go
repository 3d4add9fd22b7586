package worker

import (
	"context"
	"testing"
	"time"

	"BananaPay/internal/gateway"
	"BananaPay/internal/models"
	"BananaPay/internal/payments"
	"BananaPay/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queryPort struct {
	results map[string]*gateway.QueryResult
}

func (q *queryPort) BuildPaymentRequest(context.Context, *models.Order) (*gateway.PaymentRequest, error) {
	return &gateway.PaymentRequest{}, nil
}

func (q *queryPort) VerifyInbound(map[string]string) bool { return false }

func (q *queryPort) Query(_ context.Context, outTradeNo string) (*gateway.QueryResult, error) {
	if r, ok := q.results[outTradeNo]; ok {
		return r, nil
	}
	return nil, gateway.ErrTransientTransport
}

func seed(t *testing.T, st store.OrderStore, id string, state models.OrderState, at time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &models.Order{
		OrderID:      id,
		Plan:         "basic",
		Amount:       decimal.RequireFromString("9.90"),
		PayerAccount: "a",
		State:        models.OrderCreated,
		CreatedAt:    at,
		UpdatedAt:    at,
	}))
	if state == models.OrderAwaitingNotification {
		_, _, err := st.Transition(ctx, id, state, "")
		require.NoError(t, err)
	}
}

func TestSweepOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Now().UTC()
	later := now.Add(10 * time.Minute)

	seed(t, st, "O-PAID", models.OrderAwaitingNotification, now)
	seed(t, st, "O-DOWN", models.OrderAwaitingNotification, now)
	seed(t, st, "O-STALE", models.OrderCreated, now.Add(-time.Hour))
	seed(t, st, "O-FRESH", models.OrderCreated, later)

	require.NoError(t, st.AppendNotification(ctx, &models.NotificationRecord{
		ID: uuid.NewString(), OrderID: "O-DOWN", Source: models.SourceNotify, TradeStatus: "WAIT_BUYER_PAY",
		ReceivedAt: now.Add(-200 * 24 * time.Hour), Outcome: models.OutcomeIgnoredStatus,
	}))

	port := &queryPort{results: map[string]*gateway.QueryResult{
		"O-PAID": {TradeNo: "T1", TradeStatus: gateway.TradeSuccess, TotalAmount: "9.90"},
	}}
	clock := func() time.Time { return later }
	w := &Worker{
		Store:        st,
		Reconciler:   &payments.Reconciler{Store: st, Gateway: port, AwaitTimeout: 2 * time.Minute, OrderTTL: time.Hour, Now: clock},
		AwaitTimeout: 2 * time.Minute,
		Retention:    180 * 24 * time.Hour,
		Now:          clock,
	}

	stats, err := w.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Reconciled)
	assert.Equal(t, 1, stats.Changed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, int64(1), stats.Pruned)

	for id, want := range map[string]models.OrderState{
		"O-PAID":  models.OrderPaid,
		"O-DOWN":  models.OrderAwaitingNotification,
		"O-STALE": models.OrderCancelled,
		"O-FRESH": models.OrderCreated,
	} {
		o, err := st.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, o.State, id)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	w := &Worker{
		Store:        st,
		Reconciler:   &payments.Reconciler{Store: st, Gateway: &queryPort{}},
		Interval:     5 * time.Millisecond,
		AwaitTimeout: time.Minute,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
