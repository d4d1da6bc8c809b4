package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"signalpilot/internal/domain"
	"signalpilot/internal/ports"
)

const (
	spotBaseURLProduction    = "https://api.binance.com"
	spotBaseURLTestnet       = "https://testnet.binance.vision"
	futuresBaseURLProduction = "https://fapi.binance.com"
	futuresBaseURLTestnet    = "https://testnet.binancefuture.com"

	defaultRequestsPerSecond = 10
	defaultBurst             = 20
)

// Client implements ports.ExchangeClient against Binance, routing spot orders
// through the spot API and derivatives orders through the futures API.
type Client struct {
	spotClient    *binance.Client
	futuresClient *futures.Client
	logger        ports.Logger
	limiter       *rate.Limiter
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey            string
	SecretKey         string
	UseTestnet        bool
	Logger            ports.Logger
	RequestsPerSecond float64 // API request budget, defaults to 10/s with burst 20
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	spotClient := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	futuresClient := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	if cfg.UseTestnet {
		spotClient.BaseURL = spotBaseURLTestnet
		futuresClient.BaseURL = futuresBaseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{
			"spotBaseURL": spotClient.BaseURL, "futuresBaseURL": futuresClient.BaseURL,
		})
	} else {
		spotClient.BaseURL = spotBaseURLProduction
		futuresClient.BaseURL = futuresBaseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{
			"spotBaseURL": spotClient.BaseURL, "futuresBaseURL": futuresClient.BaseURL,
		})
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	return &Client{
		spotClient:    spotClient,
		futuresClient: futuresClient,
		logger:        cfg.Logger,
		limiter:       rate.NewLimiter(rate.Limit(rps), defaultBurst),
	}, nil
}

// GetReferencePrice retrieves the current reference price for a symbol: the
// mark price on derivatives, the last ticker price on spot.
func (c *Client) GetReferencePrice(ctx context.Context, symbol string, market domain.Market) (decimal.Decimal, error) {
	op := "GetReferencePrice"
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, c.handleError(ctx, err, op)
	}

	var raw string
	if market == domain.MarketDerivatives {
		tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		if err != nil {
			return decimal.Zero, c.handleError(ctx, err, op)
		}
		if len(tickers) == 0 {
			return decimal.Zero, c.handleError(ctx, fmt.Errorf("no price data returned for symbol %s", symbol), op)
		}
		raw = tickers[0].MarkPrice
	} else {
		prices, err := c.spotClient.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil {
			return decimal.Zero, c.handleError(ctx, err, op)
		}
		if len(prices) == 0 {
			return decimal.Zero, c.handleError(ctx, fmt.Errorf("no price data returned for symbol %s", symbol), op)
		}
		raw = prices[0].Price
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, c.handleError(ctx, fmt.Errorf("could not parse price '%s': %w", raw, err), op)
	}
	return price, nil
}

// GetSymbolRules retrieves the lot rules for a symbol from exchange info.
func (c *Client) GetSymbolRules(ctx context.Context, symbol string, market domain.Market) (ports.SymbolRules, error) {
	op := "GetSymbolRules"
	if err := c.limiter.Wait(ctx); err != nil {
		return ports.SymbolRules{}, c.handleError(ctx, err, op)
	}
	if market == domain.MarketDerivatives {
		return c.futuresSymbolRules(ctx, symbol, op)
	}
	return c.spotSymbolRules(ctx, symbol, op)
}

func (c *Client) spotSymbolRules(ctx context.Context, symbol, op string) (ports.SymbolRules, error) {
	info, err := c.spotClient.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return ports.SymbolRules{}, c.handleError(ctx, err, op)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := ports.SymbolRules{QuantityPrecision: int32(s.BaseAssetPrecision)}
		if lot := s.LotSizeFilter(); lot != nil {
			if rules.MinQuantity, err = decimal.NewFromString(lot.MinQuantity); err != nil {
				return ports.SymbolRules{}, c.handleError(ctx, fmt.Errorf("could not parse min quantity '%s': %w", lot.MinQuantity, err), op)
			}
			if rules.QuantityStep, err = decimal.NewFromString(lot.StepSize); err != nil {
				return ports.SymbolRules{}, c.handleError(ctx, fmt.Errorf("could not parse step size '%s': %w", lot.StepSize, err), op)
			}
		}
		if notional := s.NotionalFilter(); notional != nil {
			if rules.MinNotional, err = decimal.NewFromString(notional.MinNotional); err != nil {
				return ports.SymbolRules{}, c.handleError(ctx, fmt.Errorf("could not parse min notional '%s': %w", notional.MinNotional, err), op)
			}
		}
		return rules, nil
	}
	return ports.SymbolRules{}, fmt.Errorf("%s: symbol %s: %w", op, symbol, ports.ErrSymbolNotFound)
}

func (c *Client) futuresSymbolRules(ctx context.Context, symbol, op string) (ports.SymbolRules, error) {
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return ports.SymbolRules{}, c.handleError(ctx, err, op)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules := ports.SymbolRules{QuantityPrecision: int32(s.QuantityPrecision)}
		if lot := s.LotSizeFilter(); lot != nil {
			if rules.MinQuantity, err = decimal.NewFromString(lot.MinQuantity); err != nil {
				return ports.SymbolRules{}, c.handleError(ctx, fmt.Errorf("could not parse min quantity '%s': %w", lot.MinQuantity, err), op)
			}
			if rules.QuantityStep, err = decimal.NewFromString(lot.StepSize); err != nil {
				return ports.SymbolRules{}, c.handleError(ctx, fmt.Errorf("could not parse step size '%s': %w", lot.StepSize, err), op)
			}
		}
		if notional := s.MinNotionalFilter(); notional != nil {
			if rules.MinNotional, err = decimal.NewFromString(notional.Notional); err != nil {
				return ports.SymbolRules{}, c.handleError(ctx, fmt.Errorf("could not parse min notional '%s': %w", notional.Notional, err), op)
			}
		}
		return rules, nil
	}
	return ports.SymbolRules{}, fmt.Errorf("%s: symbol %s: %w", op, symbol, ports.ErrSymbolNotFound)
}

// PlaceOrder places a market order. Refusals that map to a known rejection
// class come back as *ports.OrderRejectedError so the dispatcher can decide
// whether a quantity adjustment is worth attempting.
func (c *Client) PlaceOrder(ctx context.Context, req ports.OrderRequest) (*ports.OrderResponse, error) {
	op := "PlaceOrder"
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	var (
		resp *ports.OrderResponse
		err  error
	)
	if req.Market == domain.MarketDerivatives {
		resp, err = c.placeFuturesOrder(ctx, req.Symbol, entrySide(req.Side), req.Quantity, req.ReduceOnly)
	} else {
		resp, err = c.placeSpotOrder(ctx, req.Symbol, spotEntrySide(req.Side), req.Quantity)
	}
	if err != nil {
		if rejected := classifyRejection(err); rejected != nil {
			c.logger.Warn(ctx, op+": order rejected", map[string]interface{}{
				"symbol": req.Symbol, "quantity": req.Quantity.String(),
				"class": string(rejected.Class), "code": rejected.Code,
			})
			return nil, rejected
		}
		return nil, c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": string(req.Side),
		"quantity": req.Quantity.String(), "orderRef": resp.OrderRef,
	})
	return resp, nil
}

// ClosePosition reduces existing exposure by quantity. On derivatives this is
// a reduce-only market order on the opposite side; on spot a plain market
// order on the opposite side.
func (c *Client) ClosePosition(ctx context.Context, symbol string, side domain.Side, quantity decimal.Decimal, market domain.Market) (*ports.OrderResponse, error) {
	op := "ClosePosition"
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	var (
		resp *ports.OrderResponse
		err  error
	)
	if market == domain.MarketDerivatives {
		resp, err = c.placeFuturesOrder(ctx, symbol, exitSide(side), quantity, true)
	} else {
		resp, err = c.placeSpotOrder(ctx, symbol, spotExitSide(side), quantity)
	}
	if err != nil {
		if rejected := classifyRejection(err); rejected != nil {
			return nil, rejected
		}
		return nil, c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": symbol, "side": string(side),
		"quantity": quantity.String(), "orderRef": resp.OrderRef,
	})
	return resp, nil
}

func (c *Client) placeFuturesOrder(ctx context.Context, symbol string, side futures.SideType, quantity decimal.Decimal, reduceOnly bool) (*ports.OrderResponse, error) {
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(quantity.String())
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}

	avgPrice, _ := decimal.NewFromString(order.AvgPrice)
	execQty, _ := decimal.NewFromString(order.ExecutedQuantity)
	return &ports.OrderResponse{
		OrderRef:    strconv.FormatInt(order.OrderID, 10),
		AvgPrice:    avgPrice,
		ExecutedQty: execQty,
	}, nil
}

func (c *Client) placeSpotOrder(ctx context.Context, symbol string, side binance.SideType, quantity decimal.Decimal) (*ports.OrderResponse, error) {
	order, err := c.spotClient.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		Quantity(quantity.String()).
		Do(ctx)
	if err != nil {
		return nil, err
	}

	// Spot responses carry no average price; derive it from the cumulative
	// quote amount when the fill quantity is known.
	execQty, _ := decimal.NewFromString(order.ExecutedQuantity)
	quoteQty, _ := decimal.NewFromString(order.CummulativeQuoteQuantity)
	avgPrice := decimal.Zero
	if execQty.IsPositive() {
		avgPrice = quoteQty.Div(execQty)
	}
	return &ports.OrderResponse{
		OrderRef:    strconv.FormatInt(order.OrderID, 10),
		AvgPrice:    avgPrice,
		ExecutedQty: execQty,
	}, nil
}

// --- side mapping ---

func entrySide(side domain.Side) futures.SideType {
	if side == domain.Short {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func exitSide(side domain.Side) futures.SideType {
	if side == domain.Short {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func spotEntrySide(side domain.Side) binance.SideType {
	if side == domain.Short {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func spotExitSide(side domain.Side) binance.SideType {
	if side == domain.Short {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

// --- error translation ---

// classifyRejection maps Binance API errors onto a ports.OrderRejectedError.
// Returns nil when the error is not an order refusal (network failures,
// timeouts and similar transport problems are handled separately).
func classifyRejection(err error) *ports.OrderRejectedError {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}

	class := ports.RejectionUnknown
	msg := strings.ToUpper(apiErr.Message)
	switch apiErr.Code {
	case -1013, -2010, -4003:
		// Filter failures and order refusals embed the violated filter in the
		// message text.
		switch {
		case strings.Contains(msg, "NOTIONAL"):
			class = ports.RejectionMinNotional
		case strings.Contains(msg, "LOT_SIZE") || strings.Contains(msg, "STEP"):
			class = ports.RejectionStepSize
		case strings.Contains(msg, "MIN_QTY") || strings.Contains(msg, "QUANTITY"):
			class = ports.RejectionMinQuantity
		case strings.Contains(msg, "BALANCE") || strings.Contains(msg, "INSUFFICIENT"):
			class = ports.RejectionBalance
		}
	case -1111:
		// Precision is over the maximum defined for this asset.
		class = ports.RejectionStepSize
	case -2019, -3005, -3041:
		class = ports.RejectionBalance
	case -1022, -2014, -2015:
		class = ports.RejectionAuth
	case -1121:
		class = ports.RejectionInvalidSymbol
	default:
		return nil
	}

	return &ports.OrderRejectedError{
		Class:   class,
		Code:    int(apiErr.Code),
		Message: apiErr.Message,
	}
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

		var mappedErr error
		switch apiErr.Code {
		case -1003:
			mappedErr = ports.ErrRateLimited
		case -1021:
			mappedErr = ports.ErrTimeout
		case -1022, -2014, -2015:
			mappedErr = ports.ErrAuthenticationFailed
		case -1121:
			mappedErr = ports.ErrSymbolNotFound
		case -2019, -3005, -3041:
			mappedErr = ports.ErrInsufficientFunds
		case -2010, -2022:
			mappedErr = ports.ErrOrderPlacementFailed
		case -1101, -1102, -1103, -1104, -1111, -1130:
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

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
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}
