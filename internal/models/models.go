package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderState string

const (
	OrderCreated              OrderState = "created"
	OrderAwaitingNotification OrderState = "awaiting_notification"
	OrderPaid                 OrderState = "paid"
	OrderFailed               OrderState = "failed"
	OrderCancelled            OrderState = "cancelled"
	OrderExpired              OrderState = "expired"
)

// transitions lists, for each target state, the only state it may be entered from.
var transitions = map[OrderState]OrderState{
	OrderAwaitingNotification: OrderCreated,
	OrderPaid:                 OrderAwaitingNotification,
	OrderFailed:               OrderAwaitingNotification,
	OrderCancelled:            OrderCreated,
	OrderExpired:              OrderAwaitingNotification,
}

// SourceFor returns the state an order must be in to move to target.
func SourceFor(target OrderState) (OrderState, bool) {
	from, ok := transitions[target]
	return from, ok
}

// CanTransition reports whether from -> to is an edge of the order lifecycle.
func CanTransition(from, to OrderState) bool {
	src, ok := transitions[to]
	return ok && src == from
}

func (s OrderState) Terminal() bool {
	switch s {
	case OrderPaid, OrderFailed, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

func (s OrderState) Valid() bool {
	switch s {
	case OrderCreated, OrderAwaitingNotification, OrderPaid, OrderFailed, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

type Order struct {
	OrderID        string
	Plan           string
	Amount         decimal.Decimal
	PayerAccount   string
	State          OrderState
	GatewayTradeNo *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Status is the view of an order exposed to the UI.
type Status struct {
	OrderID   string     `json:"orderId"`
	State     OrderState `json:"state"`
	Plan      string     `json:"plan"`
	Amount    string     `json:"amount"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (o *Order) Status() Status {
	return Status{
		OrderID:   o.OrderID,
		State:     o.State,
		Plan:      o.Plan,
		Amount:    o.Amount.StringFixed(2),
		UpdatedAt: o.UpdatedAt,
	}
}

type NotificationSource string

const (
	SourceNotify NotificationSource = "notify"
	SourceQuery  NotificationSource = "query"
)

type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeAmountMismatch Outcome = "amount_mismatch"
	OutcomeNoTransition   Outcome = "no_transition"
	OutcomeIgnoredStatus  Outcome = "ignored_status"
)

// NotificationRecord is one entry of an order's append-only audit log.
type NotificationRecord struct {
	ID                 string
	OrderID            string
	Source             NotificationSource
	TradeNo            string
	TradeStatus        string
	TotalAmount        string
	RawPayload         string
	ReceivedAt         time.Time
	Verified           bool
	AppliedStateChange bool
	Outcome            Outcome
}
