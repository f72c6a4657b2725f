package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/futures_level_bot/internal/domain"
	"github.com/vitos/futures_level_bot/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// ErrTooManyRestingOrders rejects an entry when duplicate signals already
// left enough resting limit orders on the book.
var ErrTooManyRestingOrders = errors.New("too many resting limit orders")

type ControllerConfig struct {
	Symbol                string
	Leverage              int
	StopFactor            float64 // relative stop-loss distance from entry
	TrailFactor           float64 // relative trailing-stop distance from price
	ProximityThreshold    float64 // relative distance that counts as "at the level"
	CloseOffset           float64 // relative price offset through the market for limit closes
	MinOrderQty           float64 // venue minimum base quantity
	CloseRetryDelay       time.Duration
	MaxRestingOrders      int
	MaxLimitCloseAttempts int
}

// PositionController evaluates entry and exit signals, sizes orders, and
// executes the open/close flow against the exchange.
type PositionController struct {
	exchange domain.Exchange
	store    *StateStore
	trades   domain.TradeRepository
	logger   *zap.Logger
	cfg      ControllerConfig
	timeNow  func() time.Time // For testing
}

func NewPositionController(exchange domain.Exchange, store *StateStore, trades domain.TradeRepository, cfg ControllerConfig, logger *zap.Logger) *PositionController {
	if cfg.MaxRestingOrders == 0 {
		cfg.MaxRestingOrders = 4
	}
	if cfg.MaxLimitCloseAttempts == 0 {
		cfg.MaxLimitCloseAttempts = 3
	}
	return &PositionController{
		exchange: exchange,
		store:    store,
		trades:   trades,
		logger:   logger,
		cfg:      cfg,
		timeNow:  time.Now,
	}
}

// OpenPosition places a limit entry order for the signal and builds the
// resulting Position. Order failure is not retried: the attempt aborts and
// the error propagates.
func (c *PositionController) OpenPosition(ctx context.Context, signal *domain.EntrySignal) (*domain.Position, error) {
	orderSide := domain.OrderBuy
	if signal.Side == domain.SideShort {
		orderSide = domain.OrderSell
	}

	open, err := c.exchange.FetchOpenOrders(ctx, c.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	resting := 0
	for _, o := range open {
		if o.Type == domain.OrderLimit && o.Side == orderSide {
			resting++
		}
	}
	if resting >= c.cfg.MaxRestingOrders {
		return nil, fmt.Errorf("%w: %d resting %s orders on %s",
			ErrTooManyRestingOrders, resting, orderSide, c.cfg.Symbol)
	}

	ticker, err := c.exchange.FetchTicker(ctx, c.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch ticker: %w", err)
	}

	// Convert the quote-denominated stake to a base quantity. Below the
	// venue minimum the minimum is substituted and the notional recomputed.
	size := signal.Size
	amount := size / ticker.Last
	if amount < c.cfg.MinOrderQty {
		amount = c.cfg.MinOrderQty
		size = amount * ticker.Last
		c.logger.Info("Order amount below venue minimum, substituting",
			zap.Float64("min_qty", c.cfg.MinOrderQty),
			zap.Float64("size", size))
	}

	order, err := c.exchange.CreateOrder(ctx, &domain.OrderRequest{
		Symbol:   c.cfg.Symbol,
		Type:     domain.OrderLimit,
		Side:     orderSide,
		Amount:   amount,
		Price:    signal.EntryPrice,
		Leverage: c.cfg.Leverage,
		ClientID: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("place entry order: %w", err)
	}
	metrics.Orders.WithLabelValues(string(domain.OrderLimit), string(orderSide)).Inc()

	stopLoss := signal.EntryPrice * (1 - c.cfg.StopFactor)
	if signal.Side == domain.SideShort {
		stopLoss = signal.EntryPrice * (1 + c.cfg.StopFactor)
	}

	pos := &domain.Position{
		Side:           signal.Side,
		EntryPrice:     signal.EntryPrice,
		Size:           size,
		ContractAmount: amount,
		Leverage:       c.cfg.Leverage,
		StopLoss:       stopLoss,
		TakeProfit:     signal.TargetLevel,
		EntryTime:      c.timeNow(),
		OrderID:        order.ID,
	}

	c.journal(ctx, &domain.TradeRecord{
		Symbol:         c.cfg.Symbol,
		Side:           signal.Side,
		Action:         "open",
		Size:           size,
		ContractAmount: amount,
		Price:          signal.EntryPrice,
		OrderID:        order.ID,
		CreatedAt:      pos.EntryTime,
	})

	c.logger.Info("Position opened",
		zap.String("side", string(signal.Side)),
		zap.Float64("entry", signal.EntryPrice),
		zap.Float64("amount", amount),
		zap.Float64("stop_loss", stopLoss),
		zap.Float64("take_profit", signal.TargetLevel))

	return pos, nil
}

// ClosePosition flattens the position: up to MaxLimitCloseAttempts limit
// orders priced through the market, then an unbounded market-order loop.
// A position must always eventually be flattened, so the fallback has no
// ceiling; only context cancellation stops it.
func (c *PositionController) ClosePosition(ctx context.Context, pos *domain.Position, reason domain.CloseReason) (*domain.TradeResult, error) {
	closeSide := domain.OrderSell
	if pos.Side == domain.SideShort {
		closeSide = domain.OrderBuy
	}

	var exitPrice float64
	closed := false

	for attempt := 0; attempt < c.cfg.MaxLimitCloseAttempts; attempt++ {
		if attempt > 0 {
			metrics.CloseRetries.Inc()
		}

		ticker, err := c.exchange.FetchTicker(ctx, c.cfg.Symbol)
		if err != nil {
			c.logger.Warn("Close: ticker fetch failed", zap.Int("attempt", attempt+1), zap.Error(err))
			if werr := c.wait(ctx); werr != nil {
				return nil, werr
			}
			continue
		}

		// Price through the market in the favorable-for-fill direction:
		// below to sell, above to buy.
		price := ticker.Last * (1 - c.cfg.CloseOffset)
		if closeSide == domain.OrderBuy {
			price = ticker.Last * (1 + c.cfg.CloseOffset)
		}

		_, err = c.exchange.CreateOrder(ctx, &domain.OrderRequest{
			Symbol:     c.cfg.Symbol,
			Type:       domain.OrderLimit,
			Side:       closeSide,
			Amount:     pos.ContractAmount,
			Price:      price,
			ReduceOnly: true,
			ClientID:   uuid.NewString(),
		})
		if err == nil {
			metrics.Orders.WithLabelValues(string(domain.OrderLimit), string(closeSide)).Inc()
			exitPrice = price
			closed = true
			break
		}

		c.logger.Warn("Close: limit order failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.cfg.MaxLimitCloseAttempts),
			zap.Error(err))
		if werr := c.wait(ctx); werr != nil {
			return nil, werr
		}
	}

	for !closed {
		order, err := c.exchange.CreateOrder(ctx, &domain.OrderRequest{
			Symbol:     c.cfg.Symbol,
			Type:       domain.OrderMarket,
			Side:       closeSide,
			Amount:     pos.ContractAmount,
			ReduceOnly: true,
			ClientID:   uuid.NewString(),
		})
		if err == nil {
			metrics.Orders.WithLabelValues(string(domain.OrderMarket), string(closeSide)).Inc()
			exitPrice = order.Price
			closed = true
			break
		}

		metrics.CloseRetries.Inc()
		c.logger.Error("Close: market order failed, retrying", zap.Error(err))
		if werr := c.wait(ctx); werr != nil {
			return nil, werr
		}
	}

	pnl := (exitPrice - pos.EntryPrice) * pos.ContractAmount
	if pos.Side == domain.SideShort {
		pnl = (pos.EntryPrice - exitPrice) * pos.ContractAmount
	}

	result := &domain.TradeResult{
		Position:  *pos,
		ExitPrice: exitPrice,
		PnL:       pnl,
		Reason:    reason,
		ExitTime:  c.timeNow(),
		IsLoss:    pnl < 0,
	}
	metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()

	c.journal(ctx, &domain.TradeRecord{
		Symbol:         c.cfg.Symbol,
		Side:           pos.Side,
		Action:         "close",
		Size:           pos.Size,
		ContractAmount: pos.ContractAmount,
		Price:          exitPrice,
		PnL:            pnl,
		Reason:         string(reason),
		OrderID:        pos.OrderID,
		CreatedAt:      result.ExitTime,
	})

	c.logger.Info("Position closed",
		zap.String("side", string(pos.Side)),
		zap.String("reason", string(reason)),
		zap.Float64("exit", exitPrice),
		zap.Float64("pnl", pnl))

	return result, nil
}

func (c *PositionController) wait(ctx context.Context) error {
	if c.cfg.CloseRetryDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(c.cfg.CloseRetryDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckEntryConditions scans the snapshot for a level close enough to the
// current price. Timeframes are walked in fixed order (4h first) and the
// first match wins; there is no cross-timeframe ranking. A hit without a
// target on the far side produces no signal.
func (c *PositionController) CheckEntryConditions(price float64, levels *domain.LevelAnalysis) *domain.EntrySignal {
	if levels == nil || price <= 0 {
		return nil
	}

	size := c.store.AccountBalance() * c.store.StakePercentage()
	if size <= 0 {
		return nil
	}

	for _, tf := range domain.TimeframeOrder {
		tfl, ok := levels.Timeframes[tf]
		if !ok {
			continue
		}
		for _, lvl := range tfl.Hold {
			if math.Abs(price-lvl.Price)/price <= c.cfg.ProximityThreshold {
				target := nearestResistanceAbove(levels, price)
				if target == 0 {
					return nil
				}
				return &domain.EntrySignal{
					Side:        domain.SideLong,
					EntryPrice:  price,
					Size:        size,
					TargetLevel: target,
				}
			}
		}
	}

	for _, tf := range domain.TimeframeOrder {
		tfl, ok := levels.Timeframes[tf]
		if !ok {
			continue
		}
		for _, lvl := range tfl.Resistance {
			if math.Abs(price-lvl.Price)/price <= c.cfg.ProximityThreshold {
				target := nearestSupportBelow(levels, price)
				if target == 0 {
					return nil
				}
				return &domain.EntrySignal{
					Side:        domain.SideShort,
					EntryPrice:  price,
					Size:        size,
					TargetLevel: target,
				}
			}
		}
	}

	return nil
}

func nearestResistanceAbove(levels *domain.LevelAnalysis, price float64) float64 {
	var candidates []float64
	for _, tfl := range levels.Timeframes {
		for _, lvl := range tfl.Resistance {
			candidates = append(candidates, lvl.Price)
		}
	}
	sort.Float64s(candidates)
	for _, p := range candidates {
		if p > price {
			return p
		}
	}
	return 0
}

func nearestSupportBelow(levels *domain.LevelAnalysis, price float64) float64 {
	var candidates []float64
	for _, tfl := range levels.Timeframes {
		for _, lvl := range tfl.Hold {
			candidates = append(candidates, lvl.Price)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(candidates)))
	for _, p := range candidates {
		if p < price {
			return p
		}
	}
	return 0
}

// CheckExitConditions reports whether the position should close at the
// given price and why.
func (c *PositionController) CheckExitConditions(pos *domain.Position, price float64) (bool, domain.CloseReason) {
	if pos.Side == domain.SideLong {
		if price <= pos.StopLoss {
			return true, domain.CloseStopLoss
		}
		if price >= pos.TakeProfit {
			return true, domain.CloseTakeProfit
		}
		return false, ""
	}

	if price >= pos.StopLoss {
		return true, domain.CloseStopLoss
	}
	if price <= pos.TakeProfit {
		return true, domain.CloseTakeProfit
	}
	return false, ""
}

// CalculateTrailingStop returns the stop after trailing the given price.
// The stop never loosens: a long stop only rises, a short stop only falls.
func (c *PositionController) CalculateTrailingStop(pos *domain.Position, price float64) float64 {
	if pos.Side == domain.SideLong {
		candidate := price * (1 - c.cfg.TrailFactor)
		return math.Max(candidate, pos.StopLoss)
	}
	candidate := price * (1 + c.cfg.TrailFactor)
	return math.Min(candidate, pos.StopLoss)
}

// UpdateStopLoss moves the current position's stop, appends an audit
// record, and persists through the StateStore.
func (c *PositionController) UpdateStopLoss(ctx context.Context, newStop float64) error {
	pos := c.store.Position()
	if pos == nil {
		return errors.New("no open position")
	}

	old := pos.StopLoss
	pos.StopLoss = newStop
	pos.StopUpdates = append(pos.StopUpdates, domain.StopUpdate{
		Timestamp: c.timeNow(),
		OldValue:  old,
		NewValue:  newStop,
	})
	if err := c.store.SetPosition(pos); err != nil {
		return fmt.Errorf("persist stop update: %w", err)
	}

	if err := c.trades.SaveStopUpdate(ctx, &domain.StopAudit{
		Symbol:    c.cfg.Symbol,
		OldValue:  old,
		NewValue:  newStop,
		CreatedAt: c.timeNow(),
	}); err != nil {
		c.logger.Warn("Failed to journal stop update", zap.Error(err))
	}
	return nil
}

func (c *PositionController) journal(ctx context.Context, rec *domain.TradeRecord) {
	if err := c.trades.SaveTrade(ctx, rec); err != nil {
		c.logger.Warn("Failed to journal trade", zap.Error(err))
	}
}
