package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpRiskBot/internal/domain"
	"perpRiskBot/internal/ports"
	"perpRiskBot/internal/risk"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// mockLedger is an in-memory ports.Ledger tracking mutations for assertions.
type mockLedger struct {
	mu        sync.Mutex
	positions map[string]map[domain.PositionKey]domain.AggregatePosition // botID -> keys
	locks     map[domain.PositionKey]decimal.Decimal
	exits     []recordedExit
	readCalls atomic.Int64
}

type recordedExit struct {
	key    domain.PositionKey
	qty    decimal.Decimal
	price  decimal.Decimal
	reason string
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		positions: make(map[string]map[domain.PositionKey]domain.AggregatePosition),
		locks:     make(map[domain.PositionKey]decimal.Decimal),
	}
}

func (m *mockLedger) setPosition(key domain.PositionKey, qty, entry string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positions[key.BotID] == nil {
		m.positions[key.BotID] = make(map[domain.PositionKey]domain.AggregatePosition)
	}
	m.positions[key.BotID][key] = domain.AggregatePosition{Quantity: dec(qty), EntryPrice: dec(entry)}
}

func (m *mockLedger) RecordEntry(ctx context.Context, botID, symbol string, side domain.OrderSide, qty, price decimal.Decimal, reason string) error {
	return nil
}

func (m *mockLedger) RecordExitFIFO(ctx context.Context, botID, symbol string, entrySide domain.OrderSide, exitQty, exitPrice decimal.Decimal, reason string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.PositionKey{BotID: botID, Symbol: symbol, Direction: domain.DirectionFromSide(entrySide)}
	m.exits = append(m.exits, recordedExit{key: key, qty: exitQty, price: exitPrice, reason: reason})
	delete(m.positions[botID], key)
	return decimal.Zero, nil
}

func (m *mockLedger) OpenPositions(ctx context.Context, botID string) (map[domain.PositionKey]domain.AggregatePosition, error) {
	m.readCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.PositionKey]domain.AggregatePosition, len(m.positions[botID]))
	for k, v := range m.positions[botID] {
		out[k] = v
	}
	return out, nil
}

func (m *mockLedger) Summary(ctx context.Context, botID string, now time.Time) (domain.Summary, error) {
	return domain.Summary{}, nil
}

func (m *mockLedger) LockLevel(ctx context.Context, key domain.PositionKey) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[key], nil
}

func (m *mockLedger) SetLockLevel(ctx context.Context, key domain.PositionKey, level decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[key] = level
	return nil
}

func (m *mockLedger) ClearLockLevel(ctx context.Context, key domain.PositionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func (m *mockLedger) TradesSince(ctx context.Context, botID string, since time.Time) ([]*domain.TradeEvent, error) {
	return nil, nil
}

func (m *mockLedger) lockLevel(key domain.PositionKey) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	return l, ok
}

func (m *mockLedger) recordedExits() []recordedExit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedExit(nil), m.exits...)
}

// mockPriceEstimator returns a configurable price or error.
type mockPriceEstimator struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (m *mockPriceEstimator) set(price string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if price != "" {
		m.price = dec(price)
	}
	m.err = err
}

func (m *mockPriceEstimator) EstimateExitPrice(ctx context.Context, symbol string, exitSide domain.OrderSide, minQty decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return decimal.Zero, m.err
	}
	return m.price, nil
}

// mockExecutor records submissions and can be forced to fail.
type mockExecutor struct {
	mu          sync.Mutex
	err         error
	submissions []submittedOrder
}

type submittedOrder struct {
	symbol        string
	side          domain.OrderSide
	qty           decimal.Decimal
	clientOrderID string
}

func (m *mockExecutor) SubmitReduceOnlyExit(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal, clientOrderID string) (*ports.ExitOrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.submissions = append(m.submissions, submittedOrder{symbol: symbol, side: side, qty: qty, clientOrderID: clientOrderID})
	return &ports.ExitOrderResponse{OrderID: int64(len(m.submissions)), Symbol: symbol, Status: "FILLED"}, nil
}

func (m *mockExecutor) submitted() []submittedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]submittedOrder(nil), m.submissions...)
}

type mockRules struct{ err error }

func (m *mockRules) GetSymbolRules(ctx context.Context, symbol string) (*ports.SymbolRules, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &ports.SymbolRules{
		Symbol:      symbol,
		MinQuantity: dec("0.001"),
		StepSize:    dec("0.001"),
		TickSize:    dec("0.01"),
	}, nil
}

func testConfig() Config {
	return Config{
		PollInterval: 20 * time.Millisecond,
		BaseStopPct:  dec("0.5"),
		Ladder:       risk.DefaultLadder(),
	}
}

func newTestController(t *testing.T) (*RiskController, *mockLedger, *mockPriceEstimator, *mockExecutor) {
	t.Helper()
	ledger := newMockLedger()
	prices := &mockPriceEstimator{price: dec("100")}
	executor := &mockExecutor{}
	ctrl, err := NewRiskController(testConfig(), &mockLogger{}, ledger, prices, executor, &mockRules{})
	require.NoError(t, err)
	return ctrl, ledger, prices, executor
}

func TestNewRiskController_Validation(t *testing.T) {
	ledger := newMockLedger()
	prices := &mockPriceEstimator{}
	executor := &mockExecutor{}
	rules := &mockRules{}
	logger := &mockLogger{}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }},
		{name: "zero base stop", mutate: func(c *Config) { c.BaseStopPct = decimal.Zero }},
		{name: "empty ladder", mutate: func(c *Config) { c.Ladder.Steps = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := NewRiskController(cfg, logger, ledger, prices, executor, rules)
			assert.Error(t, err)
		})
	}

	_, err := NewRiskController(testConfig(), nil, ledger, prices, executor, rules)
	assert.Error(t, err, "nil logger must be rejected")
}

func TestRiskController_BaseStopExit(t *testing.T) {
	ctrl, ledger, prices, executor := newTestController(t)
	ctx := context.Background()

	key := domain.PositionKey{BotID: "bot-1", Symbol: "ETHUSDT", Direction: domain.Long}
	ledger.setPosition(key, "2", "100")
	ctrl.UpdateMonitoredGroups([]string{"bot-1"}, nil)

	// 99.5 is exactly entry*(1-0.5%): the stop fires.
	prices.set("99.5", nil)
	ctrl.tick(ctx)

	subs := executor.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, "ETHUSDT", subs[0].symbol)
	assert.Equal(t, domain.Sell, subs[0].side)
	assert.True(t, subs[0].qty.Equal(dec("2")))

	exits := ledger.recordedExits()
	require.Len(t, exits, 1)
	assert.Equal(t, string(domain.ExitReasonBaseStop), exits[0].reason)
	assert.True(t, exits[0].price.Equal(dec("99.5")))
}

func TestRiskController_NoTriggerAboveStop(t *testing.T) {
	ctrl, ledger, prices, executor := newTestController(t)
	ctx := context.Background()

	key := domain.PositionKey{BotID: "bot-1", Symbol: "ETHUSDT", Direction: domain.Long}
	ledger.setPosition(key, "2", "100")
	ctrl.UpdateMonitoredGroups([]string{"bot-1"}, nil)

	prices.set("99.6", nil)
	ctrl.tick(ctx)

	assert.Empty(t, executor.submitted())
	assert.Empty(t, ledger.recordedExits())
}

func TestRiskController_LadderRatchetAndLockExit(t *testing.T) {
	ctrl, ledger, prices, executor := newTestController(t)
	ctx := context.Background()

	key := domain.PositionKey{BotID: "bot-1", Symbol: "ETHUSDT", Direction: domain.Long}
	ledger.setPosition(key, "1", "100")
	ctrl.UpdateMonitoredGroups([]string{"bot-1"}, nil)

	// pnl 0.20% -> lock 0.10%; price stays above the floor, no exit.
	prices.set("100.20", nil)
	ctrl.tick(ctx)
	lock, ok := ledger.lockLevel(key)
	require.True(t, ok)
	assert.True(t, lock.Equal(dec("0.10")))
	assert.Empty(t, executor.submitted())

	// pnl 0.50% -> lock ratchets to 0.20%.
	prices.set("100.50", nil)
	ctrl.tick(ctx)
	lock, _ = ledger.lockLevel(key)
	assert.True(t, lock.Equal(dec("0.20")))
	assert.Empty(t, executor.submitted())

	// pnl back to 0.25%: desired lock (0.10%) is below the stored one, the
	// ratchet must not move down and the floor at 100.20 is not breached.
	prices.set("100.25", nil)
	ctrl.tick(ctx)
	lock, _ = ledger.lockLevel(key)
	assert.True(t, lock.Equal(dec("0.20")), "lock must never decrease, got %s", lock)
	assert.Empty(t, executor.submitted())

	// Retrace through the floor: ladder lock exit fires and the lock clears.
	prices.set("100.10", nil)
	ctrl.tick(ctx)
	subs := executor.submitted()
	require.Len(t, subs, 1)
	exits := ledger.recordedExits()
	require.Len(t, exits, 1)
	assert.Equal(t, string(domain.ExitReasonLadderLock), exits[0].reason)
	_, ok = ledger.lockLevel(key)
	assert.False(t, ok, "lock state must be cleared after full closure")
}

func TestRiskController_ShortSideLockExit(t *testing.T) {
	ctrl, ledger, prices, executor := newTestController(t)
	ctx := context.Background()

	key := domain.PositionKey{BotID: "bot-2", Symbol: "BTCUSDT", Direction: domain.Short}
	ledger.setPosition(key, "0.5", "100")
	ctrl.UpdateMonitoredGroups(nil, []string{"bot-2"})

	// Short pnl 0.50% -> lock 0.20%.
	prices.set("99.50", nil)
	ctrl.tick(ctx)
	lock, ok := ledger.lockLevel(key)
	require.True(t, ok)
	assert.True(t, lock.Equal(dec("0.20")))

	// Price rises back to the ceiling at 99.80: exit on the BUY side.
	prices.set("99.80", nil)
	ctrl.tick(ctx)
	subs := executor.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, domain.Buy, subs[0].side)
}

func TestRiskController_PriceUnavailableSkipsKey(t *testing.T) {
	ctrl, ledger, prices, executor := newTestController(t)
	ctx := context.Background()

	key := domain.PositionKey{BotID: "bot-1", Symbol: "ETHUSDT", Direction: domain.Long}
	ledger.setPosition(key, "1", "100")
	ctrl.UpdateMonitoredGroups([]string{"bot-1"}, nil)

	prices.set("", ports.ErrPriceUnavailable)
	ctrl.tick(ctx)

	// No exit, no lock mutation: the key is simply retried next tick.
	assert.Empty(t, executor.submitted())
	_, ok := ledger.lockLevel(key)
	assert.False(t, ok)

	// Price returns, the deep drawdown now triggers the stop.
	prices.set("99", nil)
	ctrl.tick(ctx)
	assert.Len(t, executor.submitted(), 1)
}

func TestRiskController_SubmitFailureLeavesStateUntouched(t *testing.T) {
	ctrl, ledger, prices, executor := newTestController(t)
	ctx := context.Background()

	key := domain.PositionKey{BotID: "bot-1", Symbol: "ETHUSDT", Direction: domain.Long}
	ledger.setPosition(key, "1", "100")
	ledger.locks[key] = dec("0.10")
	ctrl.UpdateMonitoredGroups([]string{"bot-1"}, nil)

	executor.err = ports.ErrOrderPlacementFailed
	prices.set("99", nil)
	ctrl.tick(ctx)

	// Nothing recorded, lock untouched: the same trigger re-fires next tick.
	assert.Empty(t, ledger.recordedExits())
	lock, ok := ledger.lockLevel(key)
	require.True(t, ok)
	assert.True(t, lock.Equal(dec("0.10")))

	executor.err = nil
	ctrl.tick(ctx)
	assert.Len(t, ledger.recordedExits(), 1)
	_, ok = ledger.lockLevel(key)
	assert.False(t, ok)
}

func TestRiskController_DirectionFiltering(t *testing.T) {
	ctrl, ledger, prices, executor := newTestController(t)
	ctx := context.Background()

	// bot-1 is monitored for LONG only; its short position must be ignored.
	ledger.setPosition(domain.PositionKey{BotID: "bot-1", Symbol: "ETHUSDT", Direction: domain.Short}, "1", "100")
	ctrl.UpdateMonitoredGroups([]string{"bot-1"}, nil)

	prices.set("110", nil) // would be a deep short loss
	ctrl.tick(ctx)

	assert.Empty(t, executor.submitted())
}

func TestRiskController_StartIsIdempotent(t *testing.T) {
	ctrl, ledger, _, _ := newTestController(t)
	ledger.setPosition(domain.PositionKey{BotID: "bot-1", Symbol: "ETHUSDT", Direction: domain.Long}, "1", "100")
	ctrl.UpdateMonitoredGroups([]string{"bot-1"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl.Start(ctx)
	ctrl.Start(ctx) // must be a no-op

	time.Sleep(110 * time.Millisecond)
	cancel()
	time.Sleep(30 * time.Millisecond)

	// With a 20ms poll a single loop performs about 5 reads in 110ms; a
	// duplicated loop would double that.
	reads := ledger.readCalls.Load()
	assert.GreaterOrEqual(t, reads, int64(3))
	assert.LessOrEqual(t, reads, int64(8))
}
