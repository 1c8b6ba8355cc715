package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"perpRiskBot/internal/domain"
	"perpRiskBot/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// Order book depth requested for exit price estimation.
	depthLimit = 20

	defaultRulesTTL = time.Hour
)

// Client implements ports.PriceEstimator, ports.OrderExecutor and
// ports.SymbolRulesProvider against Binance USD-M futures using the
// go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	rulesTTL      time.Duration

	rulesMu      sync.RWMutex
	rulesCache   map[string]*ports.SymbolRules
	rulesFetched map[string]time.Time
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey     string
	SecretKey  string
	UseTestnet bool
	Logger     ports.Logger
	RulesTTL   time.Duration // How long exchange filters are cached (default 1h)
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
		// Allow creation for public endpoints, but log warning.
		// Authentication errors will occur if private endpoints are called.
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	rulesTTL := cfg.RulesTTL
	if rulesTTL <= 0 {
		rulesTTL = defaultRulesTTL
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		rulesTTL:      rulesTTL,
		rulesCache:    make(map[string]*ports.SymbolRules),
		rulesFetched:  make(map[string]time.Time),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1121: // Invalid symbol
			mappedErr = ports.ErrSymbolNotFound
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -2013: // Order does not exist
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019: // Margin is insufficient
			mappedErr = ports.ErrInsufficientFunds
		case -2022: // ReduceOnly Order is rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case -3005: // Insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -3041: // Position is not sufficient
			mappedErr = ports.ErrInsufficientFunds
		case -4003: // Qty not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4014: // Price not within permissible range
			mappedErr = ports.ErrInvalidRequest
		case -4044: // Position not found
			mappedErr = ports.ErrPositionNotFound
		default:
			// General classification for unmapped API errors
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		// Default for other errors (e.g., parsing errors within the adapter)
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// EstimateExitPrice walks the order book on the side an exit of the given
// direction would hit and returns the worst price level needed to fill at
// least minQty. A SELL exit consumes bids, a BUY exit consumes asks. Returns
// ErrPriceUnavailable when the book is empty or too thin.
func (c *Client) EstimateExitPrice(ctx context.Context, symbol string, exitSide domain.OrderSide, minQty decimal.Decimal) (decimal.Decimal, error) {
	op := "EstimateExitPrice"
	depth, err := c.futuresClient.NewDepthService().Symbol(symbol).Limit(depthLimit).Do(ctx)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}

	var levels []common.PriceLevel
	if exitSide == domain.Sell {
		levels = depth.Bids
	} else {
		levels = depth.Asks
	}
	if len(levels) == 0 {
		err := fmt.Errorf("%w: empty %s book for %s", ports.ErrPriceUnavailable, exitSide, symbol)
		c.logger.Warn(ctx, op+": order book side is empty", map[string]interface{}{"symbol": symbol, "exitSide": exitSide})
		return decimal.Zero, err
	}

	target := minQty
	if target.Sign() <= 0 {
		// Best level is enough when no minimum depth is requested.
		return parseLevelPrice(levels[0])
	}

	cumulative := decimal.Zero
	for _, lvl := range levels {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			return decimal.Zero, c.handleError(ctx, fmt.Errorf("could not parse depth price '%s': %w", lvl.Price, err), op)
		}
		qty, err := decimal.NewFromString(lvl.Quantity)
		if err != nil {
			return decimal.Zero, c.handleError(ctx, fmt.Errorf("could not parse depth quantity '%s': %w", lvl.Quantity, err), op)
		}
		cumulative = cumulative.Add(qty)
		if cumulative.Cmp(target) >= 0 {
			return price, nil
		}
	}

	c.logger.Warn(ctx, op+": book too thin for requested quantity", map[string]interface{}{
		"symbol": symbol, "exitSide": exitSide, "minQty": minQty.String(), "bookQty": cumulative.String(),
	})
	return decimal.Zero, fmt.Errorf("%w: %s book depth %s below %s", ports.ErrPriceUnavailable, symbol, cumulative.String(), minQty.String())
}

func parseLevelPrice(lvl common.PriceLevel) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(lvl.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: could not parse depth price '%s': %w", ports.ErrPriceUnavailable, lvl.Price, err)
	}
	return price, nil
}

// SubmitReduceOnlyExit places a reduce-only market order. The quantity is
// floored to the symbol's step size first; a quantity below the exchange
// minimum is rejected with ErrInvalidRequest rather than sent.
func (c *Client) SubmitReduceOnlyExit(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal, clientOrderID string) (*ports.ExitOrderResponse, error) {
	op := "SubmitReduceOnlyExit"

	rules, err := c.GetSymbolRules(ctx, symbol)
	if err != nil {
		return nil, err
	}
	adjusted := quantizeDown(qty, rules.StepSize)
	if adjusted.Cmp(rules.MinQuantity) < 0 {
		err := fmt.Errorf("%w: quantity %s below exchange minimum %s for %s", ports.ErrInvalidRequest, qty.String(), rules.MinQuantity.String(), symbol)
		c.logger.Error(ctx, err, op+": quantity below exchange minimum", map[string]interface{}{
			"symbol": symbol, "quantity": qty.String(), "minQuantity": rules.MinQuantity.String(),
		})
		return nil, err
	}

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(adjusted.String()).
		ReduceOnly(true).
		NewClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateExitResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "side": side, "quantity": adjusted.String(),
		"orderID": resp.OrderID, "clientOrderID": resp.ClientOrderID, "status": resp.Status,
	})
	return resp, nil
}

// GetSymbolRules returns the trading filters for a symbol. Results are cached
// for the configured TTL since exchange filters change rarely.
func (c *Client) GetSymbolRules(ctx context.Context, symbol string) (*ports.SymbolRules, error) {
	op := "GetSymbolRules"

	c.rulesMu.RLock()
	cached, ok := c.rulesCache[symbol]
	fetched := c.rulesFetched[symbol]
	c.rulesMu.RUnlock()
	if ok && time.Since(fetched) < c.rulesTTL {
		return cached, nil
	}

	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		// Serve a stale cache entry over failing the caller outright.
		if ok {
			c.logger.Warn(ctx, op+": exchange info fetch failed, serving stale filters", map[string]interface{}{
				"symbol": symbol, "error": err.Error(),
			})
			return cached, nil
		}
		return nil, c.handleError(ctx, err, op)
	}

	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	now := time.Now()
	var found *ports.SymbolRules
	for i := range info.Symbols {
		s := &info.Symbols[i]
		rules, err := translateSymbolRules(s)
		if err != nil {
			c.logger.Warn(ctx, op+": skipping symbol with unparsable filters", map[string]interface{}{
				"symbol": s.Symbol, "error": err.Error(),
			})
			continue
		}
		c.rulesCache[s.Symbol] = rules
		c.rulesFetched[s.Symbol] = now
		if s.Symbol == symbol {
			found = rules
		}
	}
	if found == nil {
		err := fmt.Errorf("%w: %s", ports.ErrSymbolNotFound, symbol)
		c.logger.Error(ctx, err, op+": symbol missing from exchange info", map[string]interface{}{"symbol": symbol})
		return nil, err
	}
	return found, nil
}

// --- Translation Helpers ---

// quantizeDown floors qty to a multiple of step. A zero step leaves qty unchanged.
func quantizeDown(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func translateExitResponse(order *futures.CreateOrderResponse) *ports.ExitOrderResponse {
	if order == nil {
		return nil
	}
	avgPrice, err := decimal.NewFromString(order.AvgPrice)
	if err != nil {
		avgPrice = decimal.Zero
	}
	execQty, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		execQty = decimal.Zero
	}

	return &ports.ExitOrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		AvgPrice:      avgPrice,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

func translateSymbolRules(s *futures.Symbol) (*ports.SymbolRules, error) {
	rules := &ports.SymbolRules{Symbol: s.Symbol}

	lot := s.LotSizeFilter()
	if lot == nil {
		return nil, fmt.Errorf("symbol %s has no LOT_SIZE filter", s.Symbol)
	}
	minQty, err := decimal.NewFromString(lot.MinQuantity)
	if err != nil {
		return nil, fmt.Errorf("parsing minQuantity '%s': %w", lot.MinQuantity, err)
	}
	stepSize, err := decimal.NewFromString(lot.StepSize)
	if err != nil {
		return nil, fmt.Errorf("parsing stepSize '%s': %w", lot.StepSize, err)
	}
	rules.MinQuantity = minQty
	rules.StepSize = stepSize

	price := s.PriceFilter()
	if price == nil {
		return nil, fmt.Errorf("symbol %s has no PRICE_FILTER filter", s.Symbol)
	}
	tickSize, err := decimal.NewFromString(price.TickSize)
	if err != nil {
		return nil, fmt.Errorf("parsing tickSize '%s': %w", price.TickSize, err)
	}
	rules.TickSize = tickSize

	return rules, nil
}
