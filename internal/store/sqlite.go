package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"BananaPay/internal/models"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTime keeps a fixed width so stored timestamps sort lexically.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

const sqliteOrderColumns = `order_id, plan, amount, payer_account, state, gateway_trade_no, created_at, updated_at`

const sqliteNotificationColumns = `id, order_id, source, trade_no, trade_status, total_amount, raw_payload,
	received_at, verified, applied_state_change, outcome`

// SQLite is a single-node OrderStore. One connection serializes writes, and
// per-order locks are process local. Code holding an order lock must use the
// ctx it was handed, since the transaction owns the only connection.
type SQLite struct {
	db    *sql.DB
	locks *keyedMutex
}

func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	s := &SQLite{db: db, locks: newKeyedMutex()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			plan TEXT NOT NULL,
			amount TEXT NOT NULL,
			payer_account TEXT NOT NULL,
			state TEXT NOT NULL,
			gateway_trade_no TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_orders_state_updated ON orders(state, updated_at);

		CREATE TABLE IF NOT EXISTS notification_log (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(order_id),
			source TEXT NOT NULL,
			trade_no TEXT NOT NULL,
			trade_status TEXT NOT NULL,
			total_amount TEXT NOT NULL,
			raw_payload TEXT NOT NULL,
			received_at TEXT NOT NULL,
			verified INTEGER NOT NULL,
			applied_state_change INTEGER NOT NULL,
			outcome TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_notification_log_order ON notification_log(order_id, received_at);
		CREATE UNIQUE INDEX IF NOT EXISTS ux_notification_log_applied
			ON notification_log(order_id, trade_no, trade_status) WHERE applied_state_change = 1;

		CREATE TRIGGER IF NOT EXISTS notification_log_append_only
		BEFORE UPDATE ON notification_log
		BEGIN
			SELECT RAISE(ABORT, 'notification_log is append-only');
		END;
	`
	_, err := s.db.Exec(schema)
	return err
}

type sqliteTxKey struct{}

// sqliteConn is what *sql.DB and *sql.Tx have in common.
type sqliteConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) conn(ctx context.Context) sqliteConn {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithOrderLock runs fn in one transaction under a process-local order lock.
// The store methods fn calls with its ctx join that transaction.
func (s *SQLite) WithOrderLock(ctx context.Context, orderID string, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	unlock, err := s.locks.Lock(ctx, orderID)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Create(ctx context.Context, order *models.Order) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO orders (
			order_id, plan, amount, payer_account, state,
			gateway_trade_no, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		order.OrderID,
		order.Plan,
		order.Amount.StringFixed(2),
		order.PayerAccount,
		string(order.State),
		order.GatewayTradeNo,
		formatTime(order.CreatedAt),
		formatTime(order.UpdatedAt),
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateOrderID
		}
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+sqliteOrderColumns+` FROM orders WHERE order_id = ?`, orderID)
	order, err := scanSQLiteOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (s *SQLite) Transition(ctx context.Context, orderID string, target models.OrderState, gatewayTradeNo string) (*models.Order, bool, error) {
	from, ok := models.SourceFor(target)
	if !ok {
		order, err := s.Get(ctx, orderID)
		return order, false, err
	}

	row := s.conn(ctx).QueryRowContext(ctx, `
		UPDATE orders
		SET state = ?,
			gateway_trade_no = COALESCE(gateway_trade_no, NULLIF(?, '')),
			updated_at = max(updated_at, ?)
		WHERE order_id = ? AND state = ?
		RETURNING `+sqliteOrderColumns,
		string(target), gatewayTradeNo, formatTime(nowUTC()), orderID, string(from))
	order, err := scanSQLiteOrder(row)
	if err == nil {
		return order, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("transition order: %w", err)
	}

	order, err = s.Get(ctx, orderID)
	return order, false, err
}

func (s *SQLite) AppendNotification(ctx context.Context, rec *models.NotificationRecord) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO notification_log (
			id, order_id, source, trade_no, trade_status, total_amount,
			raw_payload, received_at, verified, applied_state_change, outcome
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.OrderID,
		string(rec.Source),
		rec.TradeNo,
		rec.TradeStatus,
		rec.TotalAmount,
		rec.RawPayload,
		formatTime(rec.ReceivedAt),
		rec.Verified,
		rec.AppliedStateChange,
		string(rec.Outcome),
	)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrAlreadyApplied
		}
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

func (s *SQLite) HasAppliedNotification(ctx context.Context, orderID, tradeNo, tradeStatus string) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_log
			WHERE order_id = ? AND trade_no = ? AND trade_status = ? AND applied_state_change = 1
		)
	`, orderID, tradeNo, tradeStatus).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check applied notification: %w", err)
	}
	return exists, nil
}

func (s *SQLite) ListNotifications(ctx context.Context, orderID string) ([]*models.NotificationRecord, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+sqliteNotificationColumns+`
		FROM notification_log
		WHERE order_id = ?
		ORDER BY received_at, rowid
	`, orderID)
	if err != nil {
		return nil, err
	}
	return collectSQLiteNotifications(rows)
}

func (s *SQLite) ListFlagged(ctx context.Context, since time.Time, limit int) ([]*models.NotificationRecord, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+sqliteNotificationColumns+`
		FROM notification_log
		WHERE outcome = ? AND received_at >= ?
		ORDER BY received_at DESC
		LIMIT ?
	`, string(models.OutcomeAmountMismatch), formatTime(since), sqliteLimit(limit))
	if err != nil {
		return nil, err
	}
	return collectSQLiteNotifications(rows)
}

func (s *SQLite) PruneNotifications(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		DELETE FROM notification_log
		WHERE applied_state_change = 0 AND received_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) ListAwaiting(ctx context.Context, olderThan time.Time, limit int) ([]*models.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+sqliteOrderColumns+`
		FROM orders
		WHERE state = 'awaiting_notification' AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?
	`, formatTime(olderThan), sqliteLimit(limit))
}

func (s *SQLite) ListStaleCreated(ctx context.Context, olderThan time.Time, limit int) ([]*models.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+sqliteOrderColumns+`
		FROM orders
		WHERE state = 'created' AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`, formatTime(olderThan), sqliteLimit(limit))
}

func (s *SQLite) listOrders(ctx context.Context, q string, args ...any) ([]*models.Order, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanSQLiteOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanSQLiteOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var amount, state, createdAt, updatedAt string
	var tradeNo sql.NullString
	if err := row.Scan(
		&order.OrderID,
		&order.Plan,
		&amount,
		&order.PayerAccount,
		&state,
		&tradeNo,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	order.Amount = d
	order.State = models.OrderState(state)
	if tradeNo.Valid {
		order.GatewayTradeNo = &tradeNo.String
	}
	if order.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if order.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &order, nil
}

func collectSQLiteNotifications(rows *sql.Rows) ([]*models.NotificationRecord, error) {
	defer rows.Close()
	var out []*models.NotificationRecord
	for rows.Next() {
		var rec models.NotificationRecord
		var source, outcome, receivedAt string
		if err := rows.Scan(
			&rec.ID,
			&rec.OrderID,
			&source,
			&rec.TradeNo,
			&rec.TradeStatus,
			&rec.TotalAmount,
			&rec.RawPayload,
			&receivedAt,
			&rec.Verified,
			&rec.AppliedStateChange,
			&outcome,
		); err != nil {
			return nil, err
		}
		rec.Source = models.NotificationSource(source)
		rec.Outcome = models.Outcome(outcome)
		t, err := parseTime(receivedAt)
		if err != nil {
			return nil, err
		}
		rec.ReceivedAt = t
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// sqliteLimit maps a non-positive limit to LIMIT -1, which returns every row.
func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(sqliteTime, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}
