package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"perpRiskBot/internal/domain"
	"perpRiskBot/internal/ports"
)

// Ledger implements the ports.Ledger interface using SQLite.
// All monetary columns are stored as exact-decimal TEXT; binary floats never
// touch price, quantity, or PnL.
type Ledger struct {
	db     *sql.DB
	logger ports.Logger
	locks  *keyLocks
}

// Config holds configuration for the SQLite ledger.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewLedger creates a new SQLite ledger instance.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite ledger")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/risk_ledger.db" // Default path
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite ledger initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite ledger initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite ledger initialization failed")
		return nil, err
	}

	// SQLite handles concurrency internally; the Go driver benefits from a
	// single connection, and it keeps transactions strictly ordered.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite ledger connection established", map[string]interface{}{"path": dbPath})

	l := &Ledger{db: db, logger: cfg.Logger, locks: newKeyLocks()}

	if err := l.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize ledger schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite ledger initialization failed")
		return nil, err
	}

	return l, nil
}

// initializeSchema creates tables if they don't exist.
func (l *Ledger) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TIMESTAMP NOT NULL,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		action TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price TEXT NOT NULL,
		reason TEXT NOT NULL,
		realized_pnl TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS lots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		entry_price TEXT NOT NULL,
		open_qty TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ladder_locks (
		bot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		lock_level TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (bot_id, symbol, direction)
	);

	CREATE INDEX IF NOT EXISTS idx_trades_bot_action_ts ON trades (bot_id, action, ts);
	CREATE INDEX IF NOT EXISTS idx_lots_key_entry_time ON lots (bot_id, symbol, direction, entry_time);
	`
	_, err := l.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		l.logger.Info(context.Background(), "Closing SQLite ledger connection")
		return l.db.Close()
	}
	return nil
}

// --- Entry / Exit Recording ---

// RecordEntry appends an ENTRY trade and creates a new open lot.
// Existing lots are never merged; every entry starts its own lot.
func (l *Ledger) RecordEntry(ctx context.Context, botID, symbol string, side domain.OrderSide, qty, price decimal.Decimal, reason string) error {
	if qty.Sign() <= 0 {
		return fmt.Errorf("entry quantity must be positive: %w", ports.ErrInvalidRequest)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("entry price must be positive: %w", ports.ErrInvalidRequest)
	}

	direction := domain.DirectionFromSide(side)
	if side != domain.Buy && side != domain.Sell {
		l.logger.Warn(ctx, "Unknown entry side, defaulting to LONG", map[string]interface{}{"botID": botID, "symbol": symbol, "side": side})
	}

	key := domain.PositionKey{BotID: botID, Symbol: symbol, Direction: direction}
	mu := l.locks.get(key)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin entry transaction: %w: %w", ports.ErrTxFailed, err)
	}
	defer tx.Rollback()

	const tradeQuery = `
	INSERT INTO trades (ts, bot_id, symbol, direction, action, quantity, price, reason, realized_pnl)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`
	if _, err := tx.ExecContext(ctx, tradeQuery,
		now, botID, symbol, string(direction), string(domain.ActionEntry), qty.String(), price.String(), reason); err != nil {
		return fmt.Errorf("failed to insert entry trade for %s/%s: %w", botID, symbol, err)
	}

	const lotQuery = `
	INSERT INTO lots (bot_id, symbol, direction, entry_time, entry_price, open_qty)
	VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, lotQuery,
		botID, symbol, string(direction), now, price.String(), qty.String()); err != nil {
		return fmt.Errorf("failed to insert lot for %s/%s: %w", botID, symbol, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entry for %s/%s: %w: %w", botID, symbol, ports.ErrTxFailed, err)
	}

	l.logger.Debug(ctx, "Entry recorded", map[string]interface{}{
		"botID": botID, "symbol": symbol, "direction": direction, "qty": qty.String(), "price": price.String(), "reason": reason,
	})
	return nil
}

// RecordExitFIFO matches exitQty against the key's open lots in strict
// first-in-first-out order and returns the realized PnL of the matched
// quantity. Quantity beyond the total open amount is dropped without error
// (logged at Warn); the recorded EXIT trade always carries the originally
// requested quantity. The whole fetch-mutate-insert runs in one transaction,
// serialized per key.
func (l *Ledger) RecordExitFIFO(ctx context.Context, botID, symbol string, entrySide domain.OrderSide, exitQty, exitPrice decimal.Decimal, reason string) (decimal.Decimal, error) {
	if exitQty.Sign() <= 0 {
		return decimal.Zero, nil
	}

	direction := domain.DirectionFromSide(entrySide)
	key := domain.PositionKey{BotID: botID, Symbol: symbol, Direction: direction}
	mu := l.locks.get(key)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to begin exit transaction: %w: %w", ports.ErrTxFailed, err)
	}
	defer tx.Rollback()

	// FIFO order: oldest entry first, row id breaks ties.
	const lotsQuery = `
	SELECT id, entry_price, open_qty
	FROM lots
	WHERE bot_id = ? AND symbol = ? AND direction = ?
	ORDER BY entry_time ASC, id ASC`
	rows, err := tx.QueryContext(ctx, lotsQuery, botID, symbol, string(direction))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query lots for %s/%s/%s: %w", botID, symbol, direction, err)
	}

	type openLot struct {
		id         int64
		entryPrice decimal.Decimal
		openQty    decimal.Decimal
	}
	var lots []openLot
	for rows.Next() {
		var (
			id            int64
			priceStr, qty string
		)
		if err := rows.Scan(&id, &priceStr, &qty); err != nil {
			rows.Close()
			return decimal.Zero, fmt.Errorf("failed to scan lot during exit: %w", err)
		}
		lot := openLot{id: id, entryPrice: parseDecimal(priceStr), openQty: parseDecimal(qty)}
		if lot.openQty.Sign() > 0 {
			lots = append(lots, lot)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return decimal.Zero, fmt.Errorf("error iterating lot rows: %w", err)
	}
	rows.Close()

	realized := decimal.Zero
	remaining := exitQty

	for _, lot := range lots {
		if remaining.Sign() <= 0 {
			break
		}
		match := decimal.Min(lot.openQty, remaining)

		// LONG profits when price rose above the lot's entry, SHORT when it fell.
		slice := exitPrice.Sub(lot.entryPrice).Mul(match)
		if direction == domain.Short {
			slice = lot.entryPrice.Sub(exitPrice).Mul(match)
		}
		realized = realized.Add(slice)

		newOpen := lot.openQty.Sub(match)
		if _, err := tx.ExecContext(ctx, `UPDATE lots SET open_qty = ? WHERE id = ?`, newOpen.String(), lot.id); err != nil {
			return decimal.Zero, fmt.Errorf("failed to update lot %d during exit: %w", lot.id, err)
		}
		remaining = remaining.Sub(match)
	}

	if remaining.Sign() > 0 {
		// Over-exit: the excess is dropped, not errored. This can mask
		// upstream quantity-tracking bugs, so it is surfaced in the logs.
		l.logger.Warn(ctx, "Exit quantity exceeds open quantity, excess dropped", map[string]interface{}{
			"botID": botID, "symbol": symbol, "direction": direction,
			"requested": exitQty.String(), "unmatched": remaining.String(),
		})
	}

	// The EXIT trade records the requested quantity even when the match was
	// partial; realized PnL covers only the matched part.
	const tradeQuery = `
	INSERT INTO trades (ts, bot_id, symbol, direction, action, quantity, price, reason, realized_pnl)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, tradeQuery,
		now, botID, symbol, string(direction), string(domain.ActionExit),
		exitQty.String(), exitPrice.String(), reason, realized.String()); err != nil {
		return decimal.Zero, fmt.Errorf("failed to insert exit trade for %s/%s: %w", botID, symbol, err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("failed to commit exit for %s/%s: %w: %w", botID, symbol, ports.ErrTxFailed, err)
	}

	l.logger.Info(ctx, "Exit recorded", map[string]interface{}{
		"botID": botID, "symbol": symbol, "direction": direction,
		"qty": exitQty.String(), "price": exitPrice.String(), "realizedPnL": realized.String(), "reason": reason,
	})
	return realized, nil
}

// --- Aggregation ---

// OpenPositions aggregates all lots with open quantity for the bot into
// per-key totals and quantity-weighted entry prices.
func (l *Ledger) OpenPositions(ctx context.Context, botID string) (map[domain.PositionKey]domain.AggregatePosition, error) {
	const query = `
	SELECT symbol, direction, entry_price, open_qty
	FROM lots
	WHERE bot_id = ?
	ORDER BY entry_time ASC, id ASC`

	rows, err := l.db.QueryContext(ctx, query, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots for bot %s: %w", botID, err)
	}
	defer rows.Close()

	type accum struct {
		qty      decimal.Decimal
		notional decimal.Decimal // sum of open_qty * entry_price
	}
	sums := make(map[domain.PositionKey]accum)

	for rows.Next() {
		var symbol, directionStr, priceStr, qtyStr string
		if err := rows.Scan(&symbol, &directionStr, &priceStr, &qtyStr); err != nil {
			return nil, fmt.Errorf("failed to scan lot during OpenPositions: %w", err)
		}
		openQty := parseDecimal(qtyStr)
		if openQty.Sign() <= 0 {
			continue
		}
		key := domain.PositionKey{BotID: botID, Symbol: symbol, Direction: domain.Direction(directionStr)}
		a := sums[key]
		a.qty = a.qty.Add(openQty)
		a.notional = a.notional.Add(openQty.Mul(parseDecimal(priceStr)))
		sums[key] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lot rows: %w", err)
	}

	positions := make(map[domain.PositionKey]domain.AggregatePosition, len(sums))
	for key, a := range sums {
		entry := decimal.Zero
		if a.qty.Sign() > 0 {
			entry = a.notional.Div(a.qty)
		}
		positions[key] = domain.AggregatePosition{Quantity: a.qty, EntryPrice: entry}
	}
	return positions, nil
}

// Summary computes realized PnL totals over rolling windows anchored to the
// supplied time. Nothing is cached; every call recomputes from the trades.
func (l *Ledger) Summary(ctx context.Context, botID string, now time.Time) (domain.Summary, error) {
	const query = `
	SELECT ts, realized_pnl
	FROM trades
	WHERE bot_id = ? AND action = ?`

	rows, err := l.db.QueryContext(ctx, query, botID, string(domain.ActionExit))
	if err != nil {
		return domain.Summary{}, fmt.Errorf("failed to query exit trades for bot %s: %w", botID, err)
	}
	defer rows.Close()

	var s domain.Summary
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	for rows.Next() {
		var (
			ts  time.Time
			pnl sql.NullString
		)
		if err := rows.Scan(&ts, &pnl); err != nil {
			return domain.Summary{}, fmt.Errorf("failed to scan exit trade during Summary: %w", err)
		}
		realized := decimal.Zero
		if pnl.Valid {
			realized = parseDecimal(pnl.String)
		}
		s.TradeCount++
		s.RealizedTotal = s.RealizedTotal.Add(realized)
		if !ts.Before(dayAgo) {
			s.RealizedLast24 = s.RealizedLast24.Add(realized)
		}
		if !ts.Before(weekAgo) {
			s.RealizedLast7d = s.RealizedLast7d.Add(realized)
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Summary{}, fmt.Errorf("error iterating exit trade rows: %w", err)
	}
	return s, nil
}

// TradesSince returns the bot's trade events recorded at or after since,
// oldest first.
func (l *Ledger) TradesSince(ctx context.Context, botID string, since time.Time) ([]*domain.TradeEvent, error) {
	const query = `
	SELECT id, ts, bot_id, symbol, direction, action, quantity, price, reason, realized_pnl
	FROM trades
	WHERE bot_id = ? AND ts >= ?
	ORDER BY ts ASC, id ASC`

	rows, err := l.db.QueryContext(ctx, query, botID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for bot %s: %w", botID, err)
	}
	defer rows.Close()

	trades := make([]*domain.TradeEvent, 0)
	for rows.Next() {
		var (
			ev                      domain.TradeEvent
			directionStr, actionStr string
			qtyStr, priceStr        string
			realized                sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.BotID, &ev.Symbol, &directionStr, &actionStr, &qtyStr, &priceStr, &ev.Reason, &realized); err != nil {
			return nil, fmt.Errorf("failed to scan trade during TradesSince: %w", err)
		}
		ev.Direction = domain.Direction(directionStr)
		ev.Action = domain.TradeAction(actionStr)
		ev.Quantity = parseDecimal(qtyStr)
		ev.Price = parseDecimal(priceStr)
		if realized.Valid {
			ev.RealizedPnL = parseDecimal(realized.String)
		}
		trades = append(trades, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// --- Ladder Lock State ---

// LockLevel returns the persisted ladder lock level for the key.
// A missing row is equivalent to a lock level of zero.
func (l *Ledger) LockLevel(ctx context.Context, key domain.PositionKey) (decimal.Decimal, error) {
	const query = `SELECT lock_level FROM ladder_locks WHERE bot_id = ? AND symbol = ? AND direction = ?`
	var levelStr string
	err := l.db.QueryRowContext(ctx, query, key.BotID, key.Symbol, string(key.Direction)).Scan(&levelStr)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query lock level for %s/%s/%s: %w", key.BotID, key.Symbol, key.Direction, err)
	}
	return parseDecimal(levelStr), nil
}

// SetLockLevel inserts or updates the lock level for the key, stamping the
// update time. Callers are responsible for only ratcheting the value upward.
func (l *Ledger) SetLockLevel(ctx context.Context, key domain.PositionKey, level decimal.Decimal) error {
	const query = `
	INSERT INTO ladder_locks (bot_id, symbol, direction, lock_level, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (bot_id, symbol, direction)
	DO UPDATE SET lock_level = excluded.lock_level, updated_at = excluded.updated_at`
	_, err := l.db.ExecContext(ctx, query, key.BotID, key.Symbol, string(key.Direction), level.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert lock level for %s/%s/%s: %w", key.BotID, key.Symbol, key.Direction, err)
	}
	l.logger.Debug(ctx, "Lock level persisted", map[string]interface{}{
		"botID": key.BotID, "symbol": key.Symbol, "direction": key.Direction, "lockLevel": level.String(),
	})
	return nil
}

// ClearLockLevel deletes the lock state for the key. Clearing a key that has
// no lock row is a no-op.
func (l *Ledger) ClearLockLevel(ctx context.Context, key domain.PositionKey) error {
	const query = `DELETE FROM ladder_locks WHERE bot_id = ? AND symbol = ? AND direction = ?`
	_, err := l.db.ExecContext(ctx, query, key.BotID, key.Symbol, string(key.Direction))
	if err != nil {
		return fmt.Errorf("failed to clear lock level for %s/%s/%s: %w", key.BotID, key.Symbol, key.Direction, err)
	}
	return nil
}

// --- Helpers ---

// parseDecimal parses a persisted decimal string defensively: unparsable or
// empty values come back as zero rather than an error.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// keyLocks serializes ledger mutations per position key so the same lot can
// never be matched by two concurrent exits. Different keys proceed in
// parallel.
type keyLocks struct {
	mu    sync.Mutex
	locks map[domain.PositionKey]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[domain.PositionKey]*sync.Mutex)}
}

func (k *keyLocks) get(key domain.PositionKey) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if m, ok := k.locks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	k.locks[key] = m
	return m
}
