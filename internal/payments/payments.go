package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"BananaPay/internal/gateway"
	"BananaPay/internal/models"
	"BananaPay/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrMalformedNotification = errors.New("malformed notification")
	ErrSignatureInvalid      = errors.New("notification signature invalid")
	ErrUnknownOrder          = errors.New("notification for unknown order")
	ErrAmountMismatch        = errors.New("notification amount mismatch")
	ErrDuplicateNotification = errors.New("duplicate notification")
)

// Ack is the body returned to the gateway. Anything other than AckSuccess
// makes the gateway redeliver the notification on its retry schedule.
type Ack string

const (
	AckSuccess Ack = "success"
	AckFailure Ack = "failure"
)

// Fulfiller receives orders that just became paid. Enqueue must not block.
type Fulfiller interface {
	Enqueue(order models.Order) bool
}

var requiredFields = []string{"out_trade_no", "trade_no", "trade_status", "total_amount", "sign"}

// TargetState maps a gateway trade status onto the order lifecycle. Statuses
// without a mapping never move an order.
func TargetState(tradeStatus string) (models.OrderState, bool) {
	switch tradeStatus {
	case gateway.TradeSuccess:
		return models.OrderPaid, true
	case gateway.TradeClosed:
		return models.OrderFailed, true
	}
	return "", false
}

type Result struct {
	Ack     Ack
	Outcome models.Outcome
	Order   *models.Order
	Err     error
}

// observation is a trade status as seen by one notification or query.
type observation struct {
	source      models.NotificationSource
	tradeNo     string
	tradeStatus string
	totalAmount string
	raw         string
}

type NotificationHandler struct {
	Store     store.OrderStore
	Gateway   gateway.Port
	Fulfiller Fulfiller
	Logger    *slog.Logger
	Now       func() time.Time
}

// Handle processes one inbound notification. Errors never escape; they are
// folded into the acknowledgement and the order's audit log.
func (h *NotificationHandler) Handle(ctx context.Context, form url.Values) Result {
	return h.handle(ctx, form, form.Encode())
}

// HandleBody is Handle for a form-encoded request body. The body is kept in
// the audit log exactly as it arrived.
func (h *NotificationHandler) HandleBody(ctx context.Context, body []byte) Result {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		h.logger().Warn("notification rejected", "reason", "unparseable body")
		return Result{Ack: AckFailure, Err: fmt.Errorf("%w: %v", ErrMalformedNotification, err)}
	}
	return h.handle(ctx, form, string(body))
}

func (h *NotificationHandler) handle(ctx context.Context, form url.Values, raw string) Result {
	params := flatten(form)
	logger := h.logger().With("out_trade_no", params["out_trade_no"], "trade_status", params["trade_status"])

	for _, f := range requiredFields {
		if params[f] == "" {
			logger.Warn("notification rejected", "reason", "missing "+f)
			return Result{Ack: AckFailure, Err: fmt.Errorf("%w: missing %s", ErrMalformedNotification, f)}
		}
	}
	if !h.Gateway.VerifyInbound(params) {
		logger.Warn("notification rejected", "reason", "bad signature")
		return Result{Ack: AckFailure, Err: ErrSignatureInvalid}
	}

	obs := observation{
		source:      models.SourceNotify,
		tradeNo:     params["trade_no"],
		tradeStatus: params["trade_status"],
		totalAmount: params["total_amount"],
		raw:         raw,
	}

	a := applier{store: h.Store, fulfiller: h.Fulfiller, logger: logger, now: h.now}
	var res Result
	var outcomeErr error
	err := h.Store.WithOrderLock(ctx, params["out_trade_no"], func(ctx context.Context) error {
		order, err := h.Store.Get(ctx, params["out_trade_no"])
		if err != nil {
			if errors.Is(err, store.ErrOrderNotFound) {
				outcomeErr = ErrUnknownOrder
				return nil
			}
			return err
		}
		res.Order, res.Outcome, outcomeErr = a.apply(ctx, order, obs)
		return ioError(outcomeErr)
	})
	if err == nil {
		err = outcomeErr
		a.fulfill(res.Order, res.Outcome)
	}

	switch {
	case err == nil:
		res.Ack = AckSuccess
	case errors.Is(err, ErrDuplicateNotification):
		res.Ack = AckSuccess
		res.Err = err
	default:
		res.Ack = AckFailure
		res.Err = err
		logger.Warn("notification not applied", "err", err)
	}
	return res
}

func (h *NotificationHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *NotificationHandler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

// applier is the state-changing step shared by notifications and queries.
// Callers hold the order lock.
type applier struct {
	store     store.OrderStore
	fulfiller Fulfiller
	logger    *slog.Logger
	now       func() time.Time
}

func (a applier) apply(ctx context.Context, order *models.Order, obs observation) (*models.Order, models.Outcome, error) {
	amount, err := decimal.NewFromString(obs.totalAmount)
	if err != nil || !amount.Equal(order.Amount) {
		if err := a.record(ctx, order.OrderID, obs, false, models.OutcomeAmountMismatch); err != nil {
			return order, models.OutcomeAmountMismatch, err
		}
		a.logger.Error("amount mismatch, flagged for review",
			"order_id", order.OrderID, "expected", order.Amount.StringFixed(2), "reported", obs.totalAmount)
		return order, models.OutcomeAmountMismatch, ErrAmountMismatch
	}

	applied, err := a.store.HasAppliedNotification(ctx, order.OrderID, obs.tradeNo, obs.tradeStatus)
	if err != nil {
		return order, "", err
	}
	if applied {
		if err := a.record(ctx, order.OrderID, obs, false, models.OutcomeDuplicate); err != nil {
			return order, models.OutcomeDuplicate, err
		}
		return order, models.OutcomeDuplicate, ErrDuplicateNotification
	}

	target, ok := TargetState(obs.tradeStatus)
	if !ok {
		return order, models.OutcomeIgnoredStatus, a.record(ctx, order.OrderID, obs, false, models.OutcomeIgnoredStatus)
	}
	return a.transition(ctx, order, target, obs)
}

func (a applier) transition(ctx context.Context, order *models.Order, target models.OrderState, obs observation) (*models.Order, models.Outcome, error) {
	tradeNo := obs.tradeNo
	if target == models.OrderExpired {
		tradeNo = ""
	}
	updated, changed, err := a.store.Transition(ctx, order.OrderID, target, tradeNo)
	if err != nil {
		return order, "", err
	}
	if !changed {
		if target == models.OrderPaid && updated.State != models.OrderPaid {
			a.logger.Warn("payment reported for order that cannot become paid",
				"order_id", order.OrderID, "state", updated.State, "trade_no", obs.tradeNo)
		}
		return updated, models.OutcomeNoTransition, a.record(ctx, order.OrderID, obs, false, models.OutcomeNoTransition)
	}

	if err := a.record(ctx, order.OrderID, obs, true, models.OutcomeApplied); err != nil {
		if errors.Is(err, store.ErrAlreadyApplied) {
			return updated, models.OutcomeDuplicate, ErrDuplicateNotification
		}
		return updated, models.OutcomeApplied, err
	}
	a.logger.Info("order transitioned", "order_id", order.OrderID, "from", order.State, "to", updated.State, "source", obs.source)
	return updated, models.OutcomeApplied, nil
}

// fulfill hands a freshly paid order to the fulfiller. It runs after the
// order lock is released so a rolled back transition never ships.
func (a applier) fulfill(order *models.Order, outcome models.Outcome) {
	if a.fulfiller == nil || order == nil || outcome != models.OutcomeApplied || order.State != models.OrderPaid {
		return
	}
	if !a.fulfiller.Enqueue(*order) {
		a.logger.Warn("fulfillment queue full", "order_id", order.OrderID)
	}
}

func (a applier) record(ctx context.Context, orderID string, obs observation, applied bool, outcome models.Outcome) error {
	return a.store.AppendNotification(ctx, &models.NotificationRecord{
		ID:                 uuid.NewString(),
		OrderID:            orderID,
		Source:             obs.source,
		TradeNo:            obs.tradeNo,
		TradeStatus:        obs.tradeStatus,
		TotalAmount:        obs.totalAmount,
		RawPayload:         obs.raw,
		ReceivedAt:         a.now(),
		Verified:           true,
		AppliedStateChange: applied,
		Outcome:            outcome,
	})
}

// ioError drops the errors that describe an outcome rather than a failure,
// so the audit records written alongside them are committed.
func ioError(err error) error {
	if errors.Is(err, ErrAmountMismatch) || errors.Is(err, ErrDuplicateNotification) {
		return nil
	}
	return err
}

func flatten(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}
	return out
}
