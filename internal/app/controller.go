package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perpRiskBot/internal/domain"
	"perpRiskBot/internal/ports"
	"perpRiskBot/internal/risk"
)

// Config holds the risk controller's tunables.
type Config struct {
	PollInterval time.Duration   // Wake-up interval of the background loop
	BaseStopPct  decimal.Decimal // Fixed stop-loss distance, percent
	Ladder       risk.Ladder     // Profit-lock ladder
}

// MonitoredGroups names the bots under automatic risk management, split by
// which direction each group is permitted to manage.
type MonitoredGroups struct {
	LongBots  []string
	ShortBots []string
}

// keyState is the per-key state re-derived from the ledger each tick.
// It is never persisted; the ledger's aggregates are the single source of
// truth.
type keyState int

const (
	stateNoPosition keyState = iota
	stateMonitoring
)

// RiskController runs the background loop that compares live prices against
// the stop-loss and profit-lock policy and issues reduce-only exits.
type RiskController struct {
	cfg      Config
	logger   ports.Logger
	ledger   ports.Ledger
	prices   ports.PriceEstimator
	executor ports.OrderExecutor
	rules    ports.SymbolRulesProvider

	// mu protects groups and started.
	mu      sync.Mutex
	groups  MonitoredGroups
	started bool
}

// NewRiskController creates a new controller instance.
func NewRiskController(
	cfg Config,
	logger ports.Logger,
	ledger ports.Ledger,
	prices ports.PriceEstimator,
	executor ports.OrderExecutor,
	rules ports.SymbolRulesProvider,
) (*RiskController, error) {
	if logger == nil || ledger == nil || prices == nil || executor == nil || rules == nil {
		return nil, fmt.Errorf("missing required dependencies for RiskController")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("configuration PollInterval must be positive")
	}
	if cfg.BaseStopPct.Sign() <= 0 {
		return nil, fmt.Errorf("configuration BaseStopPct must be positive")
	}
	if err := cfg.Ladder.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ladder configuration: %w", err)
	}

	return &RiskController{
		cfg:      cfg,
		logger:   logger,
		ledger:   ledger,
		prices:   prices,
		executor: executor,
		rules:    rules,
	}, nil
}

// UpdateMonitoredGroups atomically replaces the monitored bot sets.
// The change takes effect on the next tick.
func (c *RiskController) UpdateMonitoredGroups(longBots, shortBots []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = MonitoredGroups{
		LongBots:  append([]string(nil), longBots...),
		ShortBots: append([]string(nil), shortBots...),
	}
	c.logger.Info(context.Background(), "Monitored groups updated", map[string]interface{}{
		"longBots": len(c.groups.LongBots), "shortBots": len(c.groups.ShortBots),
	})
}

// Start launches the background loop. A second call while the loop is
// already running is a no-op.
func (c *RiskController) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.logger.Warn(ctx, "Risk loop already running, ignoring Start")
		return
	}
	c.started = true
	go c.run(ctx)
	c.logger.Info(ctx, "Risk loop started", map[string]interface{}{"pollInterval": c.cfg.PollInterval.String()})
}

// run is the loop body: it never terminates on error, only on context
// cancellation (the process-level shutdown).
func (c *RiskController) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info(ctx, "Risk loop stopping, context cancelled")
			return
		case <-ticker.C:
			c.safeTick(ctx)
		}
	}
}

// safeTick runs one iteration and converts panics into log entries so a bad
// iteration can never kill the loop.
func (c *RiskController) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, fmt.Errorf("panic in risk loop: %v", r), "Risk loop iteration panicked, continuing")
		}
	}()
	c.tick(ctx)
	TicksTotal.Inc()
}

// tick evaluates every monitored (bot, symbol, direction) key once.
func (c *RiskController) tick(ctx context.Context) {
	c.mu.Lock()
	groups := c.groups
	c.mu.Unlock()

	evaluated := 0
	for _, botID := range groups.LongBots {
		evaluated += c.evaluateBot(ctx, botID, domain.Long)
	}
	for _, botID := range groups.ShortBots {
		evaluated += c.evaluateBot(ctx, botID, domain.Short)
	}
	MonitoredKeys.Set(float64(evaluated))
}

// evaluateBot walks the bot's aggregate positions in the permitted direction
// and applies the policy to each. Returns the number of keys evaluated.
func (c *RiskController) evaluateBot(ctx context.Context, botID string, direction domain.Direction) int {
	positions, err := c.ledger.OpenPositions(ctx, botID)
	if err != nil {
		c.logger.Error(ctx, err, "Failed to read open positions, skipping bot this tick", map[string]interface{}{"botID": botID})
		return 0
	}

	evaluated := 0
	for key, agg := range positions {
		if key.Direction != direction {
			continue
		}
		evaluated++
		c.evaluateKey(ctx, key, agg)
	}
	return evaluated
}

// evaluateKey applies the five-step policy to one position key. Failures of
// external calls leave all state untouched so the same trigger is
// re-evaluated on the next tick.
func (c *RiskController) evaluateKey(ctx context.Context, key domain.PositionKey, agg domain.AggregatePosition) {
	if deriveState(agg) == stateNoPosition {
		return
	}

	price, ok := c.exitSidePrice(ctx, key)
	if !ok {
		return
	}

	if risk.BaseStopHit(key.Direction, agg.EntryPrice, price, c.cfg.BaseStopPct) {
		c.triggerExit(ctx, key, agg, price, domain.ExitReasonBaseStop)
		return
	}

	pnl := risk.PnLPercent(key.Direction, agg.EntryPrice, price)
	desired := risk.DesiredLockLevel(pnl, c.cfg.Ladder)

	lock, err := c.ledger.LockLevel(ctx, key)
	if err != nil {
		c.logger.Error(ctx, err, "Failed to read lock level, skipping key this tick", map[string]interface{}{
			"botID": key.BotID, "symbol": key.Symbol, "direction": key.Direction,
		})
		return
	}

	// Ratchet: the persisted lock only ever moves up within one open
	// lifetime.
	if desired.Cmp(lock) > 0 {
		if err := c.ledger.SetLockLevel(ctx, key, desired); err != nil {
			c.logger.Error(ctx, err, "Failed to raise lock level", map[string]interface{}{
				"botID": key.BotID, "symbol": key.Symbol, "direction": key.Direction, "desired": desired.String(),
			})
			return
		}
		LockRatchets.Inc()
		c.logger.Info(ctx, "Ladder lock raised", map[string]interface{}{
			"botID": key.BotID, "symbol": key.Symbol, "direction": key.Direction,
			"pnlPct": pnl.String(), "lockLevel": desired.String(),
		})
		lock = desired
	}

	if risk.LockHit(key.Direction, agg.EntryPrice, price, lock) {
		c.triggerExit(ctx, key, agg, price, domain.ExitReasonLadderLock)
	}
}

// exitSidePrice obtains a slippage-aware exit-side price for the key.
// A false return means the key is skipped this tick with no state change.
func (c *RiskController) exitSidePrice(ctx context.Context, key domain.PositionKey) (decimal.Decimal, bool) {
	rules, err := c.rules.GetSymbolRules(ctx, key.Symbol)
	if err != nil {
		ExternalFailures.WithLabelValues("symbol_rules").Inc()
		c.logger.Warn(ctx, "Failed to fetch symbol rules, skipping key this tick", map[string]interface{}{
			"symbol": key.Symbol, "error": err.Error(),
		})
		return decimal.Zero, false
	}

	exitSide := domain.ExitSide(key.Direction)
	price, err := c.prices.EstimateExitPrice(ctx, key.Symbol, exitSide, rules.MinQuantity)
	if err != nil {
		ExternalFailures.WithLabelValues("price_estimate").Inc()
		c.logger.Warn(ctx, "No exit price estimate, skipping key this tick", map[string]interface{}{
			"symbol": key.Symbol, "exitSide": exitSide, "error": err.Error(),
		})
		return decimal.Zero, false
	}
	if price.Sign() <= 0 {
		ExternalFailures.WithLabelValues("price_estimate").Inc()
		c.logger.Warn(ctx, "Non-positive exit price estimate, skipping key this tick", map[string]interface{}{
			"symbol": key.Symbol, "exitSide": exitSide,
		})
		return decimal.Zero, false
	}
	return price, true
}

// triggerExit submits a reduce-only exit for the key's whole aggregate
// quantity and, on success, records it in the ledger and clears the ladder
// lock. A failed submission leaves all state untouched; the trigger fires
// again next tick.
func (c *RiskController) triggerExit(ctx context.Context, key domain.PositionKey, agg domain.AggregatePosition, price decimal.Decimal, reason domain.ExitReason) {
	exitSide := domain.ExitSide(key.Direction)
	// Deterministic client order id so a future reconciliation pass can
	// detect duplicate submissions after ambiguous failures.
	clientOrderID := fmt.Sprintf("%s-%s-%s-%s-%d",
		key.BotID, key.Symbol, strings.ToLower(string(key.Direction)), reason, time.Now().UnixNano())

	c.logger.Info(ctx, "Submitting risk exit", map[string]interface{}{
		"botID": key.BotID, "symbol": key.Symbol, "direction": key.Direction,
		"qty": agg.Quantity.String(), "price": price.String(), "reason": reason,
	})

	_, err := c.executor.SubmitReduceOnlyExit(ctx, key.Symbol, exitSide, agg.Quantity, clientOrderID)
	if err != nil {
		ExternalFailures.WithLabelValues("order_submit").Inc()
		c.logger.Error(ctx, err, "Exit submission failed, will re-evaluate next tick", map[string]interface{}{
			"botID": key.BotID, "symbol": key.Symbol, "direction": key.Direction, "reason": reason,
		})
		return
	}
	ExitsTriggered.WithLabelValues(key.Symbol, string(reason)).Inc()

	realized, err := c.ledger.RecordExitFIFO(ctx, key.BotID, key.Symbol, domain.EntrySide(key.Direction), agg.Quantity, price, string(reason))
	if err != nil {
		// The order is already on the exchange; the ledger being behind is
		// worse than a duplicate log line, so shout.
		c.logger.Error(ctx, err, "Exit submitted but ledger recording failed", map[string]interface{}{
			"botID": key.BotID, "symbol": key.Symbol, "direction": key.Direction, "qty": agg.Quantity.String(),
		})
		return
	}

	if err := c.ledger.ClearLockLevel(ctx, key); err != nil {
		c.logger.Error(ctx, err, "Failed to clear ladder lock after exit", map[string]interface{}{
			"botID": key.BotID, "symbol": key.Symbol, "direction": key.Direction,
		})
	}

	c.logger.Info(ctx, "Risk exit completed", map[string]interface{}{
		"botID": key.BotID, "symbol": key.Symbol, "direction": key.Direction,
		"qty": agg.Quantity.String(), "price": price.String(), "realizedPnL": realized.String(), "reason": reason,
	})
}

// deriveState classifies a key from its ledger aggregate. Nothing is stored;
// a key with no open quantity simply has no state.
func deriveState(agg domain.AggregatePosition) keyState {
	if agg.IsFlat() || agg.EntryPrice.Sign() <= 0 {
		return stateNoPosition
	}
	return stateMonitoring
}
