package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"perpRiskBot/internal/domain"
)

// Ledger defines the interface for the persisted position ledger: the
// append-only trade trail, the open lots consumed by FIFO matching, and the
// ladder lock state. Implementations must serialize read-modify-write
// sequences per (bot, symbol, direction) key; operations on different keys
// may run concurrently.
type Ledger interface {
	// RecordEntry appends an ENTRY trade and creates a new open lot.
	// The side maps BUY to LONG and SELL to SHORT; unknown sides default to LONG.
	RecordEntry(ctx context.Context, botID, symbol string, side domain.OrderSide, qty, price decimal.Decimal, reason string) error

	// RecordExitFIFO matches exitQty against open lots in strict entry order
	// and returns the realized PnL of the matched quantity. Quantity beyond
	// the total open amount is dropped without error. A single EXIT trade is
	// recorded with the originally requested quantity.
	RecordExitFIFO(ctx context.Context, botID, symbol string, entrySide domain.OrderSide, exitQty, exitPrice decimal.Decimal, reason string) (decimal.Decimal, error)

	// OpenPositions aggregates all lots with open quantity for the bot.
	OpenPositions(ctx context.Context, botID string) (map[domain.PositionKey]domain.AggregatePosition, error)

	// Summary computes realized PnL totals over rolling windows anchored to now.
	Summary(ctx context.Context, botID string, now time.Time) (domain.Summary, error)

	// LockLevel returns the persisted ladder lock level, zero when absent.
	LockLevel(ctx context.Context, key domain.PositionKey) (decimal.Decimal, error)
	// SetLockLevel inserts or updates the lock level for the key.
	SetLockLevel(ctx context.Context, key domain.PositionKey, level decimal.Decimal) error
	// ClearLockLevel deletes the lock state for the key.
	ClearLockLevel(ctx context.Context, key domain.PositionKey) error

	// TradesSince returns exit and entry events recorded at or after the
	// given time, oldest first. Used for audit export and reporting.
	TradesSince(ctx context.Context, botID string, since time.Time) ([]*domain.TradeEvent, error)
}
