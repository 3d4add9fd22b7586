package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"BananaPay/internal/models"
)

// Memory is an OrderStore held in process memory. It is used by tests and by
// the "memory" database driver for local runs.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]*memOrder
	locks  *keyedMutex
}

type memOrder struct {
	mu    sync.Mutex
	order models.Order
	log   []models.NotificationRecord
}

func NewMemory() *Memory {
	return &Memory{
		orders: map[string]*memOrder{},
		locks:  newKeyedMutex(),
	}
}

func (m *Memory) entry(orderID string) (*memOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.orders[orderID]
	return e, ok
}

func (m *Memory) WithOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	unlock, err := m.locks.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	restore := m.checkpoint(orderID)
	if err := fn(ctx); err != nil {
		restore()
		return err
	}
	return nil
}

// checkpoint captures an order and its log so a failed locked sequence can
// be undone, matching the transactional stores.
func (m *Memory) checkpoint(orderID string) func() {
	e, ok := m.entry(orderID)
	if !ok {
		return func() {}
	}
	e.mu.Lock()
	saved := cloneOrder(e.order)
	known := make(map[string]bool, len(e.log))
	for _, r := range e.log {
		known[r.ID] = true
	}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.order = saved
		kept := e.log[:0]
		for _, r := range e.log {
			if known[r.ID] {
				kept = append(kept, r)
			}
		}
		e.log = kept
	}
}

func (m *Memory) Create(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.OrderID]; exists {
		return ErrDuplicateOrderID
	}
	m.orders[order.OrderID] = &memOrder{order: cloneOrder(*order)}
	return nil
}

func (m *Memory) Get(_ context.Context, orderID string) (*models.Order, error) {
	e, ok := m.entry(orderID)
	if !ok {
		return nil, ErrOrderNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := cloneOrder(e.order)
	return &out, nil
}

func (m *Memory) Transition(_ context.Context, orderID string, target models.OrderState, gatewayTradeNo string) (*models.Order, bool, error) {
	e, ok := m.entry(orderID)
	if !ok {
		return nil, false, ErrOrderNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !models.CanTransition(e.order.State, target) {
		out := cloneOrder(e.order)
		return &out, false, nil
	}
	e.order.State = target
	if e.order.GatewayTradeNo == nil && gatewayTradeNo != "" {
		no := gatewayTradeNo
		e.order.GatewayTradeNo = &no
	}
	e.order.UpdatedAt = laterOf(nowUTC(), e.order.UpdatedAt)
	out := cloneOrder(e.order)
	return &out, true, nil
}

func (m *Memory) AppendNotification(_ context.Context, rec *models.NotificationRecord) error {
	e, ok := m.entry(rec.OrderID)
	if !ok {
		return ErrOrderNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.AppliedStateChange {
		for _, r := range e.log {
			if r.AppliedStateChange && r.TradeNo == rec.TradeNo && r.TradeStatus == rec.TradeStatus {
				return ErrAlreadyApplied
			}
		}
	}
	e.log = append(e.log, *rec)
	return nil
}

func (m *Memory) HasAppliedNotification(_ context.Context, orderID, tradeNo, tradeStatus string) (bool, error) {
	e, ok := m.entry(orderID)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.log {
		if r.AppliedStateChange && r.TradeNo == tradeNo && r.TradeStatus == tradeStatus {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListNotifications(_ context.Context, orderID string) ([]*models.NotificationRecord, error) {
	e, ok := m.entry(orderID)
	if !ok {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.NotificationRecord, 0, len(e.log))
	for i := range e.log {
		rec := e.log[i]
		out = append(out, &rec)
	}
	return out, nil
}

func (m *Memory) ListFlagged(_ context.Context, since time.Time, limit int) ([]*models.NotificationRecord, error) {
	var out []*models.NotificationRecord
	for _, e := range m.snapshot() {
		e.mu.Lock()
		for i := range e.log {
			rec := e.log[i]
			if rec.Outcome == models.OutcomeAmountMismatch && !rec.ReceivedAt.Before(since) {
				out = append(out, &rec)
			}
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PruneNotifications(_ context.Context, before time.Time) (int64, error) {
	var pruned int64
	for _, e := range m.snapshot() {
		e.mu.Lock()
		kept := e.log[:0]
		for _, rec := range e.log {
			if !rec.AppliedStateChange && rec.ReceivedAt.Before(before) {
				pruned++
				continue
			}
			kept = append(kept, rec)
		}
		e.log = kept
		e.mu.Unlock()
	}
	return pruned, nil
}

func (m *Memory) ListAwaiting(_ context.Context, olderThan time.Time, limit int) ([]*models.Order, error) {
	return m.listOrders(limit, func(o *models.Order) bool {
		return o.State == models.OrderAwaitingNotification && o.UpdatedAt.Before(olderThan)
	}, func(o *models.Order) time.Time { return o.UpdatedAt })
}

func (m *Memory) ListStaleCreated(_ context.Context, olderThan time.Time, limit int) ([]*models.Order, error) {
	return m.listOrders(limit, func(o *models.Order) bool {
		return o.State == models.OrderCreated && o.CreatedAt.Before(olderThan)
	}, func(o *models.Order) time.Time { return o.CreatedAt })
}

func (m *Memory) listOrders(limit int, match func(*models.Order) bool, key func(*models.Order) time.Time) ([]*models.Order, error) {
	var out []*models.Order
	for _, e := range m.snapshot() {
		e.mu.Lock()
		o := cloneOrder(e.order)
		e.mu.Unlock()
		if match(&o) {
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]).Before(key(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) snapshot() []*memOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*memOrder, 0, len(m.orders))
	for _, e := range m.orders {
		out = append(out, e)
	}
	return out
}

func cloneOrder(o models.Order) models.Order {
	if o.GatewayTradeNo != nil {
		no := *o.GatewayTradeNo
		o.GatewayTradeNo = &no
	}
	return o
}
