package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	apperrors "equity-trader/internal/errors"
	"equity-trader/internal/models"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SQLiteStore implements Ledger using SQLite.
type SQLiteStore struct {
	*queries
	db *sql.DB
}

var _ Ledger = (*SQLiteStore)(nil)

// queries implements Tx over a connection or a transaction.
type queries struct {
	q dbtx
}

// NewSQLiteStore creates a new SQLite-based ledger. Every transaction begins
// with BEGIN IMMEDIATE so writers serialize across connections and processes.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		queries: &queries{q: db},
		db:      db,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Open positions, at most one per symbol
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL UNIQUE,
		ticker TEXT NOT NULL,
		shares REAL NOT NULL CHECK (shares > 0),
		entry_price REAL NOT NULL,
		original_entry_price REAL NOT NULL,
		original_shares REAL NOT NULL DEFAULT 0,
		entry_time TEXT NOT NULL,
		current_price REAL NOT NULL DEFAULT 0,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		unrealized_pnl_pct REAL NOT NULL DEFAULT 0,
		stop_loss_price REAL NOT NULL DEFAULT 0,
		take_profit_price REAL NOT NULL DEFAULT 0,
		trailing_stop_price REAL NOT NULL DEFAULT 0,
		conviction REAL NOT NULL DEFAULT 0,
		stop_order_id TEXT NOT NULL DEFAULT '',
		take_profit_order_id TEXT NOT NULL DEFAULT '',
		dca_rounds INTEGER NOT NULL DEFAULT 0,
		invested_capital REAL NOT NULL DEFAULT 0,
		partial_exits INTEGER NOT NULL DEFAULT 0,
		segment TEXT NOT NULL DEFAULT 'taxable',
		sector TEXT NOT NULL DEFAULT '',
		protection TEXT NOT NULL DEFAULT 'protected',
		updated_at TEXT NOT NULL
	);

	-- Executed legs, append only
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		ticker TEXT NOT NULL,
		side TEXT NOT NULL,
		shares REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL DEFAULT 0,
		entry_time TEXT NOT NULL,
		exit_time TEXT,
		pnl REAL NOT NULL DEFAULT 0,
		pnl_pct REAL NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		exit_tag TEXT NOT NULL DEFAULT '',
		intended_price REAL NOT NULL DEFAULT 0,
		filled_price REAL NOT NULL DEFAULT 0,
		slippage REAL NOT NULL DEFAULT 0,
		slippage_pct REAL NOT NULL DEFAULT 0,
		segment TEXT NOT NULL DEFAULT 'taxable',
		ai_model TEXT NOT NULL DEFAULT '',
		ai_conviction REAL NOT NULL DEFAULT 0,
		ai_reasoning TEXT NOT NULL DEFAULT '',
		dry_run INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Requests sent, or about to be sent, to the brokerage
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		ticker TEXT NOT NULL,
		side TEXT NOT NULL,
		order_type TEXT NOT NULL,
		status TEXT NOT NULL,
		tag TEXT NOT NULL,
		segment TEXT NOT NULL DEFAULT 'taxable',
		requested_qty REAL NOT NULL,
		requested_price REAL NOT NULL DEFAULT 0,
		filled_qty REAL NOT NULL DEFAULT 0,
		filled_price REAL NOT NULL DEFAULT 0,
		stop_price REAL NOT NULL DEFAULT 0,
		limit_price REAL NOT NULL DEFAULT 0,
		external_id TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		filled_at TEXT
	);

	-- Time-bounded trading restrictions, deactivated rather than deleted
	CREATE TABLE IF NOT EXISTS pair_locks (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		lock_end TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL DEFAULT '*',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- At most one live entry order per symbol
	CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_live_entry ON orders(symbol)
		WHERE tag = 'entry' AND status IN ('pending', 'open', 'partially_filled');

	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
	CREATE INDEX IF NOT EXISTS idx_pair_locks_symbol ON pair_locks(symbol, active);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumn("positions", "original_shares REAL NOT NULL DEFAULT 0")
}

// addColumn adds a column introduced after a ledger was first created.
func (s *SQLiteStore) addColumn(table, definition string) error {
	_, err := s.db.Exec("ALTER TABLE " + table + " ADD COLUMN " + definition)
	if err != nil && strings.Contains(err.Error(), "duplicate column name") {
		return nil
	}
	return err
}

// InTx runs fn inside one immediate transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Positions
// ============================================================================

const positionColumns = `symbol, ticker, shares, entry_price, original_entry_price, original_shares, entry_time,
	current_price, unrealized_pnl, unrealized_pnl_pct, stop_loss_price, take_profit_price,
	trailing_stop_price, conviction, stop_order_id, take_profit_order_id, dca_rounds,
	invested_capital, partial_exits, segment, sector, protection, updated_at`

// GetPosition returns the open position for symbol or ErrPositionNotFound.
func (q *queries) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+positionColumns+" FROM positions WHERE symbol = ?", symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %s: %w", symbol, err)
	}
	return p, nil
}

// ListPositions returns open positions ordered by symbol.
func (q *queries) ListPositions(ctx context.Context, filter PositionFilter) ([]models.Position, error) {
	query := "SELECT " + positionColumns + " FROM positions WHERE 1=1"
	args := []interface{}{}

	if filter.Protection != "" {
		query += " AND protection = ?"
		args = append(args, string(filter.Protection))
	}
	if filter.Sector != "" {
		query += " AND sector = ?"
		args = append(args, filter.Sector)
	}
	query += " ORDER BY symbol ASC"

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// InsertPosition inserts a new position. A second position for the same
// symbol fails with ErrDuplicatePosition.
func (q *queries) InsertPosition(ctx context.Context, p *models.Position) error {
	if p.Protection == "" {
		p.Protection = models.ProtectionProtected
	}
	if p.Segment == "" {
		p.Segment = models.SegmentTaxable
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Symbol, p.Ticker, p.Shares, p.EntryPrice, p.OriginalEntryPrice, p.OriginalShares, formatTime(p.EntryTime),
		p.CurrentPrice, p.UnrealizedPnL, p.UnrealizedPnLPct, p.StopLossPrice, p.TakeProfitPrice,
		p.TrailingStopPrice, p.Conviction, p.StopOrderID, p.TakeProfitOrderID, p.DCARounds,
		p.InvestedCapital, p.PartialExits, string(p.Segment), p.Sector, string(p.Protection), formatTime(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", p.Symbol, apperrors.ErrDuplicatePosition)
	}
	if err != nil {
		return fmt.Errorf("failed to insert position %s: %w", p.Symbol, err)
	}
	return nil
}

// UpdatePosition overwrites the mutable fields of an open position.
func (q *queries) UpdatePosition(ctx context.Context, p *models.Position) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE positions SET
			ticker = ?, shares = ?, entry_price = ?, original_entry_price = ?, original_shares = ?, entry_time = ?,
			current_price = ?, unrealized_pnl = ?, unrealized_pnl_pct = ?, stop_loss_price = ?,
			take_profit_price = ?, trailing_stop_price = ?, conviction = ?, stop_order_id = ?,
			take_profit_order_id = ?, dca_rounds = ?, invested_capital = ?, partial_exits = ?,
			segment = ?, sector = ?, protection = ?, updated_at = ?
		WHERE symbol = ?
	`, p.Ticker, p.Shares, p.EntryPrice, p.OriginalEntryPrice, p.OriginalShares, formatTime(p.EntryTime),
		p.CurrentPrice, p.UnrealizedPnL, p.UnrealizedPnLPct, p.StopLossPrice,
		p.TakeProfitPrice, p.TrailingStopPrice, p.Conviction, p.StopOrderID,
		p.TakeProfitOrderID, p.DCARounds, p.InvestedCapital, p.PartialExits,
		string(p.Segment), p.Sector, string(p.Protection), formatTime(p.UpdatedAt), p.Symbol)
	if err != nil {
		return fmt.Errorf("failed to update position %s: %w", p.Symbol, err)
	}
	return requireRow(res, p.Symbol, apperrors.ErrPositionNotFound)
}

// DeletePosition removes the open position for symbol.
func (q *queries) DeletePosition(ctx context.Context, symbol string) error {
	res, err := q.q.ExecContext(ctx, "DELETE FROM positions WHERE symbol = ?", symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position %s: %w", symbol, err)
	}
	return requireRow(res, symbol, apperrors.ErrPositionNotFound)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*models.Position, error) {
	var p models.Position
	var entryTime, updatedAt, segment, protection string
	err := s.Scan(&p.Symbol, &p.Ticker, &p.Shares, &p.EntryPrice, &p.OriginalEntryPrice, &p.OriginalShares, &entryTime,
		&p.CurrentPrice, &p.UnrealizedPnL, &p.UnrealizedPnLPct, &p.StopLossPrice, &p.TakeProfitPrice,
		&p.TrailingStopPrice, &p.Conviction, &p.StopOrderID, &p.TakeProfitOrderID, &p.DCARounds,
		&p.InvestedCapital, &p.PartialExits, &segment, &p.Sector, &protection, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Segment = models.Segment(segment)
	p.Protection = models.Protection(protection)
	p.EntryTime = parseTime(entryTime)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// ============================================================================
// Trades
// ============================================================================

const tradeColumns = `id, symbol, ticker, side, shares, entry_price, exit_price, entry_time, exit_time,
	pnl, pnl_pct, exit_reason, exit_tag, intended_price, filled_price, slippage, slippage_pct,
	segment, ai_model, ai_conviction, ai_reasoning, dry_run, created_at`

// InsertTrade appends a trade row.
func (q *queries) InsertTrade(ctx context.Context, t *models.Trade) error {
	if t.Segment == "" {
		t.Segment = models.SegmentTaxable
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Symbol, t.Ticker, string(t.Side), t.Shares, t.EntryPrice, t.ExitPrice,
		formatTime(t.EntryTime), formatTimePtr(t.ExitTime), t.PnL, t.PnLPct, t.ExitReason,
		string(t.ExitTag), t.IntendedPrice, t.FilledPrice, t.Slippage, t.SlippagePct,
		string(t.Segment), t.AIModel, t.AIConviction, t.AIReasoning, boolToInt(t.DryRun), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// ListTrades returns trades ordered by exit (or entry) time.
func (q *queries) ListTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Side != "" {
		query += " AND side = ?"
		args = append(args, string(filter.Side))
	}
	if filter.ExitTag != "" {
		query += " AND exit_tag = ?"
		args = append(args, string(filter.ExitTag))
	}
	if !filter.Since.IsZero() {
		query += " AND exit_time IS NOT NULL AND exit_time >= ?"
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		query += " AND exit_time IS NOT NULL AND exit_time <= ?"
		args = append(args, formatTime(filter.Until))
	}

	if filter.Descending {
		query += " ORDER BY COALESCE(exit_time, entry_time) DESC, created_at DESC"
	} else {
		query += " ORDER BY COALESCE(exit_time, entry_time) ASC, created_at ASC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var side, exitTag, segment, entryTime, createdAt string
		var exitTime sql.NullString
		var dryRun int
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Ticker, &side, &t.Shares, &t.EntryPrice, &t.ExitPrice,
			&entryTime, &exitTime, &t.PnL, &t.PnLPct, &t.ExitReason, &exitTag, &t.IntendedPrice,
			&t.FilledPrice, &t.Slippage, &t.SlippagePct, &segment, &t.AIModel, &t.AIConviction,
			&t.AIReasoning, &dryRun, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = models.OrderSide(side)
		t.ExitTag = models.OrderTag(exitTag)
		t.Segment = models.Segment(segment)
		t.EntryTime = parseTime(entryTime)
		t.ExitTime = parseNullTime(exitTime)
		t.DryRun = dryRun == 1
		t.CreatedAt = parseTime(createdAt)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

// LastBuyTime returns the time of the most recent BUY leg for symbol.
func (q *queries) LastBuyTime(ctx context.Context, symbol string) (time.Time, bool, error) {
	var last sql.NullString
	err := q.q.QueryRowContext(ctx, `
		SELECT MAX(entry_time) FROM trades WHERE symbol = ? AND side = ?
	`, symbol, string(models.OrderSideBuy)).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get last buy for %s: %w", symbol, err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return parseTime(last.String), true, nil
}

// ============================================================================
// Orders
// ============================================================================

const orderColumns = `id, trade_id, symbol, ticker, side, order_type, status, tag, segment,
	requested_qty, requested_price, filled_qty, filled_price, stop_price, limit_price,
	external_id, cancel_reason, created_at, updated_at, filled_at`

// InsertOrder appends an order row. A second live entry order for the same
// symbol fails with ErrDuplicatePosition.
func (q *queries) InsertOrder(ctx context.Context, o *models.Order) error {
	if o.Segment == "" {
		o.Segment = models.SegmentTaxable
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.TradeID, o.Symbol, o.Ticker, string(o.Side), string(o.Type), string(o.Status),
		string(o.Tag), string(o.Segment), o.RequestedQty, o.RequestedPrice, o.FilledQty,
		o.FilledPrice, o.StopPrice, o.LimitPrice, o.ExternalID, o.CancelReason,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt), formatTimePtr(o.FilledAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: live entry order exists: %w", o.Symbol, apperrors.ErrDuplicatePosition)
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// UpdateOrder persists the lifecycle fields of an order.
func (q *queries) UpdateOrder(ctx context.Context, o *models.Order) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE orders SET
			trade_id = ?, status = ?, filled_qty = ?, filled_price = ?, stop_price = ?,
			limit_price = ?, external_id = ?, cancel_reason = ?, updated_at = ?, filled_at = ?
		WHERE id = ?
	`, o.TradeID, string(o.Status), o.FilledQty, o.FilledPrice, o.StopPrice,
		o.LimitPrice, o.ExternalID, o.CancelReason, formatTime(o.UpdatedAt), formatTimePtr(o.FilledAt), o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	return requireRow(res, o.ID, apperrors.ErrOrderNotFound)
}

// GetOrder returns one order by local id.
func (q *queries) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return o, nil
}

// ListOrders returns orders newest first.
func (q *queries) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Tag != "" {
		query += " AND tag = ?"
		args = append(args, string(filter.Tag))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return q.queryOrders(ctx, query, args...)
}

// ListOpenOrders returns every non-terminal order, oldest first.
func (q *queries) ListOpenOrders(ctx context.Context) ([]models.Order, error) {
	return q.queryOrders(ctx, "SELECT "+orderColumns+" FROM orders WHERE status IN (?, ?, ?) ORDER BY created_at ASC",
		string(models.OrderPending), string(models.OrderOpen), string(models.OrderPartiallyFilled))
}

func (q *queries) queryOrders(ctx context.Context, query string, args ...interface{}) ([]models.Order, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

func scanOrder(s scanner) (*models.Order, error) {
	var o models.Order
	var side, orderType, status, tag, segment, createdAt, updatedAt string
	var filledAt sql.NullString
	err := s.Scan(&o.ID, &o.TradeID, &o.Symbol, &o.Ticker, &side, &orderType, &status, &tag, &segment,
		&o.RequestedQty, &o.RequestedPrice, &o.FilledQty, &o.FilledPrice, &o.StopPrice, &o.LimitPrice,
		&o.ExternalID, &o.CancelReason, &createdAt, &updatedAt, &filledAt)
	if err != nil {
		return nil, err
	}
	o.Side = models.OrderSide(side)
	o.Type = models.OrderType(orderType)
	o.Status = models.OrderStatus(status)
	o.Tag = models.OrderTag(tag)
	o.Segment = models.Segment(segment)
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	o.FilledAt = parseNullTime(filledAt)
	return &o, nil
}

// ============================================================================
// Pair locks
// ============================================================================

// InsertLock stores a new lock.
func (s *SQLiteStore) InsertLock(ctx context.Context, l *models.PairLock) error {
	if l.Side == "" {
		l.Side = models.LockSideAny
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pair_locks (id, symbol, lock_end, reason, side, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.Symbol, formatTime(l.LockEnd), l.Reason, string(l.Side), boolToInt(l.Active), formatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	return nil
}

// ListLocks returns locks ordered by lock end, latest first.
func (s *SQLiteStore) ListLocks(ctx context.Context, filter LockFilter) ([]models.PairLock, error) {
	query := "SELECT id, symbol, lock_end, reason, side, active, created_at FROM pair_locks WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.ActiveAt.IsZero() {
		query += " AND active = 1 AND lock_end > ?"
		args = append(args, formatTime(filter.ActiveAt))
	}
	query += " ORDER BY lock_end DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	var locks []models.PairLock
	for rows.Next() {
		var l models.PairLock
		var lockEnd, side, createdAt string
		var active int
		if err := rows.Scan(&l.ID, &l.Symbol, &lockEnd, &l.Reason, &side, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		l.LockEnd = parseTime(lockEnd)
		l.Side = models.LockSide(side)
		l.Active = active == 1
		l.CreatedAt = parseTime(createdAt)
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locks: %w", err)
	}
	return locks, nil
}

// DeactivateLocks deactivates every active lock on symbol.
func (s *SQLiteStore) DeactivateLocks(ctx context.Context, symbol string) (int, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE pair_locks SET active = 0 WHERE symbol = ? AND active = 1", symbol)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate locks for %s: %w", symbol, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeactivateExpired deactivates active locks whose end is not after now.
func (s *SQLiteStore) DeactivateExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE pair_locks SET active = 0 WHERE active = 1 AND lock_end <= ?", formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ============================================================================
// Helpers
// ============================================================================

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireRow(res sql.Result, key string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, notFound)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
