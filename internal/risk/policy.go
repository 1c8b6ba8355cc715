// Package risk contains the stateless threshold policy for the risk
// controller: profit percentage, tiered base stop, and the ratcheting
// profit-lock ladder. Every function is pure; all state lives in the ledger.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"perpRiskBot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// LadderStep pairs a profit trigger with the lock level it grants.
// Both values are percentages.
type LadderStep struct {
	Trigger decimal.Decimal
	Lock    decimal.Decimal
}

// Ladder is the configured profit-lock ladder: a strictly increasing
// sequence of steps plus a linear extension beyond the last trigger.
type Ladder struct {
	Steps         []LadderStep
	StepSize      decimal.Decimal // Profit distance per extension step beyond the last trigger
	StepIncrement decimal.Decimal // Lock added per extension step
}

// DefaultLadder returns the stock four-step ladder:
// 0.15%→0.10%, 0.45%→0.20%, 0.55%→0.30%, 0.65%→0.40%, then +0.10% lock per
// additional 0.10% of profit.
func DefaultLadder() Ladder {
	return Ladder{
		Steps: []LadderStep{
			{Trigger: decimal.RequireFromString("0.15"), Lock: decimal.RequireFromString("0.10")},
			{Trigger: decimal.RequireFromString("0.45"), Lock: decimal.RequireFromString("0.20")},
			{Trigger: decimal.RequireFromString("0.55"), Lock: decimal.RequireFromString("0.30")},
			{Trigger: decimal.RequireFromString("0.65"), Lock: decimal.RequireFromString("0.40")},
		},
		StepSize:      decimal.RequireFromString("0.10"),
		StepIncrement: decimal.RequireFromString("0.10"),
	}
}

// Validate checks that the ladder is usable: at least one step, strictly
// increasing triggers, non-decreasing locks, positive extension step size.
func (l Ladder) Validate() error {
	if len(l.Steps) == 0 {
		return fmt.Errorf("ladder must have at least one step")
	}
	for i, s := range l.Steps {
		if s.Trigger.Sign() <= 0 || s.Lock.Sign() <= 0 {
			return fmt.Errorf("ladder step %d: trigger and lock must be positive", i)
		}
		if i > 0 {
			if s.Trigger.Cmp(l.Steps[i-1].Trigger) <= 0 {
				return fmt.Errorf("ladder step %d: triggers must be strictly increasing", i)
			}
			if s.Lock.Cmp(l.Steps[i-1].Lock) < 0 {
				return fmt.Errorf("ladder step %d: locks must not decrease", i)
			}
		}
	}
	if l.StepSize.Sign() <= 0 {
		return fmt.Errorf("ladder step size must be positive")
	}
	if l.StepIncrement.Sign() < 0 {
		return fmt.Errorf("ladder step increment must not be negative")
	}
	return nil
}

// PnLPercent returns the unrealized profit of a position in percent of its
// entry price, signed by direction. A non-positive entry price yields zero.
func PnLPercent(d domain.Direction, entryPrice, currentPrice decimal.Decimal) decimal.Decimal {
	if entryPrice.Sign() <= 0 {
		return decimal.Zero
	}
	diff := currentPrice.Sub(entryPrice)
	if d == domain.Short {
		diff = entryPrice.Sub(currentPrice)
	}
	return diff.Mul(hundred).Div(entryPrice)
}

// BaseStopHit reports whether price has crossed the fixed stop-loss distance
// below (LONG) or above (SHORT) the entry price. baseStopPct is a percentage.
func BaseStopHit(d domain.Direction, entryPrice, currentPrice, baseStopPct decimal.Decimal) bool {
	if entryPrice.Sign() <= 0 {
		return false
	}
	offset := entryPrice.Mul(baseStopPct).Div(hundred)
	if d == domain.Short {
		return currentPrice.Cmp(entryPrice.Add(offset)) >= 0
	}
	return currentPrice.Cmp(entryPrice.Sub(offset)) <= 0
}

// DesiredLockLevel maps a profit percentage onto the ladder. Below the first
// trigger the lock is zero; between two triggers the lower step's lock
// applies; at or beyond the last trigger the lock grows linearly without
// bound, one StepIncrement per full StepSize of additional profit.
func DesiredLockLevel(pnlPct decimal.Decimal, ladder Ladder) decimal.Decimal {
	if len(ladder.Steps) == 0 {
		return decimal.Zero
	}
	last := ladder.Steps[len(ladder.Steps)-1]
	if pnlPct.Cmp(last.Trigger) >= 0 {
		if ladder.StepSize.Sign() <= 0 {
			return last.Lock
		}
		steps := pnlPct.Sub(last.Trigger).Div(ladder.StepSize).Floor()
		return last.Lock.Add(steps.Mul(ladder.StepIncrement))
	}
	lock := decimal.Zero
	for _, s := range ladder.Steps {
		if pnlPct.Cmp(s.Trigger) < 0 {
			break
		}
		lock = s.Lock
	}
	return lock
}

// LockHit reports whether price has retraced through the locked-in profit
// floor. The floor sits above entry for LONG (below for SHORT), so this acts
// as a trailing take-profit, never a loss. A non-positive lock never fires.
func LockHit(d domain.Direction, entryPrice, currentPrice, lockLevelPct decimal.Decimal) bool {
	if lockLevelPct.Sign() <= 0 || entryPrice.Sign() <= 0 {
		return false
	}
	offset := entryPrice.Mul(lockLevelPct).Div(hundred)
	if d == domain.Short {
		return currentPrice.Cmp(entryPrice.Sub(offset)) >= 0
	}
	return currentPrice.Cmp(entryPrice.Add(offset)) <= 0
}
