package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"BananaPay/internal/models"
	"BananaPay/internal/payments"
	"BananaPay/internal/store"
)

// Reconciler is the part of payments.Reconciler the sweep drives.
type Reconciler interface {
	Reconcile(ctx context.Context, orderID string) (payments.ReconcileResult, error)
}

type Worker struct {
	Store      store.OrderStore
	Reconciler Reconciler
	Interval   time.Duration
	// AwaitTimeout is how long an order waits for its notification before
	// the sweep queries the gateway. Created orders older than this never
	// reached checkout and are cancelled.
	AwaitTimeout time.Duration
	Retention    time.Duration
	BatchSize    int
	Logger       *slog.Logger
	Now          func() time.Time
}

type SweepStats struct {
	Reconciled int
	Changed    int
	Failed     int
	Cancelled  int
	Pruned     int64
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		stats, err := w.SweepOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger().Error("sweep error", "err", err)
		} else if stats.Changed > 0 || stats.Cancelled > 0 || stats.Pruned > 0 {
			w.logger().Info("sweep done",
				"reconciled", stats.Reconciled, "changed", stats.Changed, "failed", stats.Failed,
				"cancelled", stats.Cancelled, "pruned", stats.Pruned)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce reconciles late orders, cancels abandoned ones and prunes the
// audit log. A failing order does not stop the sweep.
func (w *Worker) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := w.now()

	awaiting, err := w.Store.ListAwaiting(ctx, now.Add(-w.AwaitTimeout), w.batchSize())
	if err != nil {
		return stats, err
	}
	for _, order := range awaiting {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Reconciled++
		res, err := w.Reconciler.Reconcile(ctx, order.OrderID)
		if err != nil {
			stats.Failed++
			w.logger().Warn("reconcile failed", "order_id", order.OrderID, "err", err)
			continue
		}
		if res.Outcome == models.OutcomeApplied {
			stats.Changed++
		}
	}

	stale, err := w.Store.ListStaleCreated(ctx, now.Add(-w.AwaitTimeout), w.batchSize())
	if err != nil {
		return stats, err
	}
	for _, order := range stale {
		_, changed, err := w.Store.Transition(ctx, order.OrderID, models.OrderCancelled, "")
		if err != nil {
			w.logger().Warn("cancel stale order failed", "order_id", order.OrderID, "err", err)
			continue
		}
		if changed {
			stats.Cancelled++
		}
	}

	if w.Retention > 0 {
		pruned, err := w.Store.PruneNotifications(ctx, now.Add(-w.Retention))
		if err != nil {
			return stats, err
		}
		stats.Pruned = pruned
	}
	return stats, nil
}

func (w *Worker) batchSize() int {
	if w.BatchSize <= 0 {
		return 50
	}
	return w.BatchSize
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}
