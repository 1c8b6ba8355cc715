package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Direction represents the direction of a perpetual position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// TradeAction distinguishes entry trades from exit trades.
type TradeAction string

const (
	ActionEntry TradeAction = "ENTRY"
	ActionExit  TradeAction = "EXIT"
)

// ExitReason indicates which rule triggered an automatic exit.
type ExitReason string

const (
	ExitReasonBaseStop   ExitReason = "base_sl_exit"
	ExitReasonLadderLock ExitReason = "ladder_lock_exit"
	ExitReasonManual     ExitReason = "manual_exit"
)

// DirectionFromSide maps an entry order side to a position direction.
// Anything that is not SELL is treated as a LONG entry.
func DirectionFromSide(side OrderSide) Direction {
	if side == Sell {
		return Short
	}
	return Long
}

// ExitSide returns the order side that reduces a position in the given direction.
func ExitSide(d Direction) OrderSide {
	if d == Short {
		return Buy
	}
	return Sell
}

// EntrySide returns the order side that opened a position in the given direction.
func EntrySide(d Direction) OrderSide {
	if d == Short {
		return Sell
	}
	return Buy
}
