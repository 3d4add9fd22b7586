package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"BananaPay/internal/gateway"
	"BananaPay/internal/models"
	"BananaPay/internal/store"
)

// Trade status recorded when the gateway has never heard of the order.
const statusTradeNotExist = "TRADE_NOT_EXIST"

type ReconcileResult struct {
	Order   *models.Order
	Outcome models.Outcome
	// Skipped is set when the order was not eligible for a query.
	Skipped bool
}

// Reconciler actively queries the gateway for orders whose notification is
// late. It applies results through the same path as notifications.
type Reconciler struct {
	Store        store.OrderStore
	Gateway      gateway.Port
	Fulfiller    Fulfiller
	AwaitTimeout time.Duration
	OrderTTL     time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Reconcile queries the gateway for an order that has been awaiting
// notification for longer than AwaitTimeout.
func (r *Reconciler) Reconcile(ctx context.Context, orderID string) (ReconcileResult, error) {
	return r.reconcile(ctx, orderID, true)
}

// ReconcileNow is Reconcile without the age gate.
func (r *Reconciler) ReconcileNow(ctx context.Context, orderID string) (ReconcileResult, error) {
	return r.reconcile(ctx, orderID, false)
}

func (r *Reconciler) reconcile(ctx context.Context, orderID string, gated bool) (ReconcileResult, error) {
	logger := r.logger().With("order_id", orderID)

	order, err := r.Store.Get(ctx, orderID)
	if err != nil {
		return ReconcileResult{}, err
	}
	res := ReconcileResult{Order: order}
	if !r.due(order, gated) {
		res.Skipped = true
		return res, nil
	}

	// The query runs without the order lock so notifications for this order
	// are acknowledged while the gateway is slow.
	q, err := r.Gateway.Query(ctx, orderID)
	if err != nil {
		return res, fmt.Errorf("query %s: %w", orderID, err)
	}

	a := applier{store: r.Store, fulfiller: r.Fulfiller, logger: logger, now: r.now}
	var outcomeErr error
	err = r.Store.WithOrderLock(ctx, orderID, func(ctx context.Context) error {
		current, err := r.Store.Get(ctx, orderID)
		if err != nil {
			return err
		}
		res.Order = current
		// A notification may have settled the order while the query ran.
		if current.State != models.OrderAwaitingNotification {
			res.Skipped = true
			return nil
		}

		if q.NotFound || q.TradeStatus == gateway.TradeWaitBuyerPay {
			res.Order, res.Outcome, err = r.expireIfDue(ctx, a, current, q)
			return err
		}

		res.Order, res.Outcome, outcomeErr = a.apply(ctx, current, observation{
			source:      models.SourceQuery,
			tradeNo:     q.TradeNo,
			tradeStatus: q.TradeStatus,
			totalAmount: q.TotalAmount,
			raw:         q.Raw,
		})
		return ioError(outcomeErr)
	})
	if err != nil {
		return res, err
	}
	a.fulfill(res.Order, res.Outcome)
	if outcomeErr != nil {
		logger.Warn("query result not applied", "outcome", res.Outcome, "err", outcomeErr)
	}
	return res, nil
}

// due reports whether order should be queried now.
func (r *Reconciler) due(order *models.Order, gated bool) bool {
	if order.State != models.OrderAwaitingNotification {
		return false
	}
	return !gated || r.now().Sub(order.UpdatedAt) >= r.AwaitTimeout
}

// expireIfDue moves an order the buyer never paid to expired once its TTL
// has passed. Before that the order keeps waiting and nothing is recorded.
func (r *Reconciler) expireIfDue(ctx context.Context, a applier, order *models.Order, q *gateway.QueryResult) (*models.Order, models.Outcome, error) {
	if r.OrderTTL <= 0 || r.now().Sub(order.CreatedAt) < r.OrderTTL {
		return order, models.OutcomeIgnoredStatus, nil
	}
	status := q.TradeStatus
	if q.NotFound {
		status = statusTradeNotExist
	}
	return a.transition(ctx, order, models.OrderExpired, observation{
		source:      models.SourceQuery,
		tradeNo:     q.TradeNo,
		tradeStatus: status,
		totalAmount: q.TotalAmount,
		raw:         q.Raw,
	})
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}
