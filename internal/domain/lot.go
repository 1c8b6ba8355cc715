package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is an open slice of a position created by a single entry trade.
// Its open quantity only ever shrinks, through FIFO exit matching; the row is
// kept after full consumption so the audit trail and ordering stay intact.
type Lot struct {
	ID         int64           // Unique identifier (assigned by the store)
	BotID      string          // Identifier of the owning bot
	Symbol     string          // Trading symbol
	Direction  Direction       // Position direction
	EntryTime  time.Time       // Timestamp of the entry that created the lot
	EntryPrice decimal.Decimal // Entry price, exact decimal
	OpenQty    decimal.Decimal // Remaining unmatched quantity, never negative
}
