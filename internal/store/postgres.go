package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BananaPay/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const orderColumns = `order_id, plan, amount::text, payer_account, state, gateway_trade_no, created_at, updated_at`

const notificationColumns = `id, order_id, source, trade_no, trade_status, total_amount, raw_payload,
	received_at, verified, applied_state_change, outcome`

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool}
}

type txKey struct{}

func (s *Postgres) WithOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, orderID); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("order lock: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

func (s *Postgres) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.Pool.Exec(ctx, sql, args...)
}

func (s *Postgres) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.Pool.QueryRow(ctx, sql, args...)
}

func (s *Postgres) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return s.Pool.Query(ctx, sql, args...)
}

func (s *Postgres) Create(ctx context.Context, order *models.Order) error {
	_, err := s.exec(ctx, `
		INSERT INTO orders (
			order_id, plan, amount, payer_account, state,
			gateway_trade_no, created_at, updated_at
		) VALUES ($1,$2,$3::numeric,$4,$5,$6,$7,$8)
	`,
		order.OrderID,
		order.Plan,
		order.Amount.StringFixed(2),
		order.PayerAccount,
		order.State,
		order.GatewayTradeNo,
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrderID
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (s *Postgres) Transition(ctx context.Context, orderID string, target models.OrderState, gatewayTradeNo string) (*models.Order, bool, error) {
	from, ok := models.SourceFor(target)
	if !ok {
		order, err := s.Get(ctx, orderID)
		return order, false, err
	}

	row := s.queryRow(ctx, `
		UPDATE orders
		SET state=$2,
			gateway_trade_no=COALESCE(gateway_trade_no, NULLIF($3, '')),
			updated_at=GREATEST(now(), updated_at)
		WHERE order_id=$1 AND state=$4
		RETURNING `+orderColumns,
		orderID, target, gatewayTradeNo, from)
	order, err := scanOrder(row)
	if err == nil {
		return order, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("transition order: %w", err)
	}

	order, err = s.Get(ctx, orderID)
	return order, false, err
}

func (s *Postgres) AppendNotification(ctx context.Context, rec *models.NotificationRecord) error {
	_, err := s.exec(ctx, `
		INSERT INTO notification_log (
			id, order_id, source, trade_no, trade_status, total_amount,
			raw_payload, received_at, verified, applied_state_change, outcome
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		rec.ID,
		rec.OrderID,
		rec.Source,
		rec.TradeNo,
		rec.TradeStatus,
		rec.TotalAmount,
		rec.RawPayload,
		rec.ReceivedAt,
		rec.Verified,
		rec.AppliedStateChange,
		rec.Outcome,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyApplied
		}
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

func (s *Postgres) HasAppliedNotification(ctx context.Context, orderID, tradeNo, tradeStatus string) (bool, error) {
	var exists bool
	row := s.queryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_log
			WHERE order_id=$1 AND trade_no=$2 AND trade_status=$3 AND applied_state_change
		)
	`, orderID, tradeNo, tradeStatus)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("check applied notification: %w", err)
	}
	return exists, nil
}

func (s *Postgres) ListNotifications(ctx context.Context, orderID string) ([]*models.NotificationRecord, error) {
	rows, err := s.query(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_log
		WHERE order_id=$1
		ORDER BY received_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (s *Postgres) ListFlagged(ctx context.Context, since time.Time, limit int) ([]*models.NotificationRecord, error) {
	rows, err := s.query(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_log
		WHERE outcome=$1 AND received_at >= $2
		ORDER BY received_at DESC
		LIMIT $3
	`, models.OutcomeAmountMismatch, since, pgLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (s *Postgres) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.exec(ctx, `
		DELETE FROM notification_log
		WHERE NOT applied_state_change AND received_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) ListAwaiting(ctx context.Context, olderThan time.Time, limit int) ([]*models.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE state='awaiting_notification' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`, olderThan, pgLimit(limit))
}

func (s *Postgres) ListStaleCreated(ctx context.Context, olderThan time.Time, limit int) ([]*models.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE state='created' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, pgLimit(limit))
}

func (s *Postgres) listOrders(ctx context.Context, sql string, args ...any) ([]*models.Order, error) {
	rows, err := s.query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var amount string
	var tradeNo sql.NullString
	if err := row.Scan(
		&order.OrderID,
		&order.Plan,
		&amount,
		&order.PayerAccount,
		&order.State,
		&tradeNo,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	order.Amount = d
	if tradeNo.Valid {
		order.GatewayTradeNo = &tradeNo.String
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return &order, nil
}

func collectNotifications(rows pgx.Rows) ([]*models.NotificationRecord, error) {
	defer rows.Close()
	var out []*models.NotificationRecord
	for rows.Next() {
		var rec models.NotificationRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.OrderID,
			&rec.Source,
			&rec.TradeNo,
			&rec.TradeStatus,
			&rec.TotalAmount,
			&rec.RawPayload,
			&rec.ReceivedAt,
			&rec.Verified,
			&rec.AppliedStateChange,
			&rec.Outcome,
		); err != nil {
			return nil, err
		}
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// pgLimit maps a non-positive limit to LIMIT NULL, which returns every row.
func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
