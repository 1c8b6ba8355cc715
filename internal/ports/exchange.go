package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"perpRiskBot/internal/domain"
)

// ExitOrderResponse represents the essential details returned after a
// reduce-only exit order was accepted by the exchange.
type ExitOrderResponse struct {
	OrderID       int64           // Exchange's order ID
	Symbol        string          // Symbol for the order
	ClientOrderID string          // Deterministic ID supplied by the caller
	AvgPrice      decimal.Decimal // Average filled price (may be zero right after placement)
	ExecutedQty   decimal.Decimal // Quantity filled so far
	Status        string          // Order status (e.g., NEW, FILLED)
	Timestamp     time.Time       // Time the order response was generated
}

// SymbolRules carries the exchange trading filters the controller needs.
type SymbolRules struct {
	Symbol      string
	MinQuantity decimal.Decimal // Smallest order quantity the exchange accepts
	StepSize    decimal.Decimal // Quantity increment
	TickSize    decimal.Decimal // Price increment
}

// PriceEstimator provides a slippage-aware estimate of the price an exit of
// at least minQty would execute at right now. Implementations return
// ErrPriceUnavailable when no estimate can be produced; callers treat that
// as transient and retry on the next tick.
type PriceEstimator interface {
	EstimateExitPrice(ctx context.Context, symbol string, exitSide domain.OrderSide, minQty decimal.Decimal) (decimal.Decimal, error)
}

// OrderExecutor submits reduce-only exit orders. A reduce-only order must
// never increase position size; rejected or failed submissions surface as
// errors so the caller can re-evaluate on the next tick.
type OrderExecutor interface {
	SubmitReduceOnlyExit(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal, clientOrderID string) (*ExitOrderResponse, error)
}

// SymbolRulesProvider exposes per-symbol trading filters.
type SymbolRulesProvider interface {
	GetSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)
}
