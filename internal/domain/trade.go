package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent is one row of the append-only trade audit trail.
// Events are immutable once recorded; realized PnL is only set on exits.
type TradeEvent struct {
	ID          int64           // Unique identifier (assigned by the store)
	Timestamp   time.Time       // Time the event was recorded
	BotID       string          // Identifier of the bot that owns the position
	Symbol      string          // Trading symbol (e.g., "ETHUSDT")
	Direction   Direction       // Position direction (LONG or SHORT)
	Action      TradeAction     // ENTRY or EXIT
	Quantity    decimal.Decimal // Requested quantity, exact decimal
	Price       decimal.Decimal // Execution price, exact decimal
	Reason      string          // Why the trade happened (strategy signal, base_sl_exit, ...)
	RealizedPnL decimal.Decimal // Realized profit/loss, zero for entries
}
