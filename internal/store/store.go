package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"BananaPay/internal/models"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrDuplicateOrderID = errors.New("duplicate order id")
	ErrAlreadyApplied   = errors.New("notification already applied")
)

// OrderStore is the durable record of orders and their notification log.
//
// Transition never fails on a disallowed edge: it returns the current order
// with changed=false, which makes duplicate deliveries a no-op.
//
// The List methods return every match when limit <= 0.
type OrderStore interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, orderID string) (*models.Order, error)
	Transition(ctx context.Context, orderID string, target models.OrderState, gatewayTradeNo string) (*models.Order, bool, error)

	// WithOrderLock runs fn while holding an exclusive per-order lock.
	WithOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error

	AppendNotification(ctx context.Context, rec *models.NotificationRecord) error
	HasAppliedNotification(ctx context.Context, orderID, tradeNo, tradeStatus string) (bool, error)
	ListNotifications(ctx context.Context, orderID string) ([]*models.NotificationRecord, error)
	ListFlagged(ctx context.Context, since time.Time, limit int) ([]*models.NotificationRecord, error)
	PruneNotifications(ctx context.Context, before time.Time) (int64, error)

	ListAwaiting(ctx context.Context, olderThan time.Time, limit int) ([]*models.Order, error)
	ListStaleCreated(ctx context.Context, olderThan time.Time, limit int) ([]*models.Order, error)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { k.release(key, l) }, nil
	case <-ctx.Done():
		// The goroutine above still takes the lock; hand it straight back.
		go func() {
			<-acquired
			k.release(key, l)
		}()
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyedLock) {
	l.mu.Unlock()
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
