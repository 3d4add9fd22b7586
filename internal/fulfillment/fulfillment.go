package fulfillment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"BananaPay/internal/models"
	"BananaPay/internal/pricing"
)

// Entitlements grants what a paid plan unlocks. The account database lives
// outside this service.
type Entitlements interface {
	SetLevel(ctx context.Context, account, level string) error
}

// LogEntitlements only logs the upgrade. It is the default when no account
// service is wired.
type LogEntitlements struct {
	Logger *slog.Logger
}

func (l LogEntitlements) SetLevel(_ context.Context, account, level string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("account level upgraded", "account", account, "level", level)
	return nil
}

type PlanLookup interface {
	Lookup(name string) (pricing.Plan, error)
}

const attempts = 3

// Queue runs post-payment work off the notification path. Enqueue never
// blocks: a full queue drops the job, and the paid order stays durable for a
// later replay.
type Queue struct {
	jobs         chan models.Order
	entitlements Entitlements
	plans        PlanLookup
	logger       *slog.Logger
	workers      int
	backoff      time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(size, workers int, entitlements Entitlements, plans PlanLookup, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:         make(chan models.Order, size),
		entitlements: entitlements,
		plans:        plans,
		logger:       logger,
		workers:      workers,
		backoff:      500 * time.Millisecond,
	}
}

func (q *Queue) Enqueue(order models.Order) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- order:
		return true
	default:
		return false
	}
}

// Start launches the workers. They exit once Close has drained the queue.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for order := range q.jobs {
				q.fulfill(ctx, order)
			}
		}()
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) fulfill(ctx context.Context, order models.Order) {
	logger := q.logger.With("order_id", order.OrderID, "plan", order.Plan)

	plan, err := q.plans.Lookup(order.Plan)
	if err != nil {
		logger.Error("fulfillment skipped", "err", err)
		return
	}

	for i := 1; i <= attempts; i++ {
		err = q.entitlements.SetLevel(ctx, order.PayerAccount, plan.Level)
		if err == nil {
			logger.Info("order fulfilled", "level", plan.Level)
			return
		}
		logger.Warn("fulfillment attempt failed", "attempt", i, "err", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			logger.Error("fulfillment abandoned", "err", ctx.Err())
			return
		case <-time.After(q.backoff * time.Duration(i)):
		}
	}
	logger.Error("fulfillment failed", "err", err)
}
