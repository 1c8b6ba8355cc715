package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey identifies one directional position of one bot.
type PositionKey struct {
	BotID     string
	Symbol    string
	Direction Direction
}

// AggregatePosition is the derived view over all open lots for one key.
type AggregatePosition struct {
	Quantity   decimal.Decimal // Sum of open quantity across lots
	EntryPrice decimal.Decimal // Quantity-weighted average entry price, zero when flat
}

// IsFlat reports whether there is no open quantity for the key.
func (a AggregatePosition) IsFlat() bool {
	return a.Quantity.Sign() <= 0
}

// LockState is the persisted ladder lock level for one position key.
// The level only ratchets upward within one open-position lifetime and the
// row is deleted when the position fully closes.
type LockState struct {
	Key       PositionKey
	LockLevel decimal.Decimal // Locked-in minimum profit, percent
	UpdatedAt time.Time
}

// Summary aggregates realized PnL over rolling windows anchored to the time
// of the query.
type Summary struct {
	RealizedTotal  decimal.Decimal
	RealizedLast24 decimal.Decimal
	RealizedLast7d decimal.Decimal
	TradeCount     int // Number of recorded exit trades
}
