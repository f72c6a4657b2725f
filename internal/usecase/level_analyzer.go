package usecase

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vitos/futures_level_bot/internal/domain"
	"go.uber.org/zap"
)

// analyzerIntervals maps the snapshot timeframes to Bybit kline intervals.
var analyzerIntervals = map[string]string{
	"4h":  "240",
	"1h":  "60",
	"15m": "15",
	"5m":  "5",
}

// CandleAnalyzer detects support/resistance levels from swing highs and
// lows of recent candles, one pass per timeframe.
type CandleAnalyzer struct {
	exchange    domain.Exchange
	logger      *zap.Logger
	candleLimit int
	swingWindow int
	timeNow     func() time.Time // For testing
}

func NewCandleAnalyzer(exchange domain.Exchange, logger *zap.Logger) *CandleAnalyzer {
	return &CandleAnalyzer{
		exchange:    exchange,
		logger:      logger,
		candleLimit: 100,
		swingWindow: 2,
		timeNow:     time.Now,
	}
}

func (a *CandleAnalyzer) AnalyzeLevels(ctx context.Context, symbol string) (*domain.LevelAnalysis, error) {
	ticker, err := a.exchange.FetchTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("analyze levels: %w", err)
	}
	price := ticker.Last

	analysis := &domain.LevelAnalysis{
		Symbol:     symbol,
		Timeframes: make(map[string]domain.TimeframeLevels, len(domain.TimeframeOrder)),
		Timestamp:  a.timeNow(),
	}

	for _, tf := range domain.TimeframeOrder {
		candles, err := a.exchange.FetchOHLCV(ctx, symbol, analyzerIntervals[tf], a.candleLimit)
		if err != nil {
			return nil, fmt.Errorf("analyze levels %s: %w", tf, err)
		}
		analysis.Timeframes[tf] = a.detect(candles, price)
	}

	a.logger.Debug("Level snapshot refreshed",
		zap.String("symbol", symbol),
		zap.Float64("price", price))
	return analysis, nil
}

// detect splits swing points into hold levels (at or below price, nearest
// first) and resistance levels (above price, nearest first).
func (a *CandleAnalyzer) detect(candles []domain.Candle, price float64) domain.TimeframeLevels {
	var holds, resistances []domain.PriceLevel

	for i := a.swingWindow; i < len(candles)-a.swingWindow; i++ {
		if a.isSwingLow(candles, i) {
			holds = a.appendLevel(holds, domain.PriceLevel{
				Price: candles[i].Low,
				Time:  time.Unix(candles[i].Time, 0),
			})
		}
		if a.isSwingHigh(candles, i) {
			resistances = a.appendLevel(resistances, domain.PriceLevel{
				Price: candles[i].High,
				Time:  time.Unix(candles[i].Time, 0),
			})
		}
	}

	var result domain.TimeframeLevels
	for _, l := range holds {
		if l.Price <= price {
			result.Hold = append(result.Hold, l)
		}
	}
	for _, l := range resistances {
		if l.Price > price {
			result.Resistance = append(result.Resistance, l)
		}
	}

	// Nearest level first so the proximity scan hits the most relevant one.
	sort.Slice(result.Hold, func(i, j int) bool {
		return result.Hold[i].Price > result.Hold[j].Price
	})
	sort.Slice(result.Resistance, func(i, j int) bool {
		return result.Resistance[i].Price < result.Resistance[j].Price
	})

	return result
}

func (a *CandleAnalyzer) isSwingLow(candles []domain.Candle, i int) bool {
	for j := i - a.swingWindow; j <= i+a.swingWindow; j++ {
		if j != i && candles[j].Low < candles[i].Low {
			return false
		}
	}
	return true
}

func (a *CandleAnalyzer) isSwingHigh(candles []domain.Candle, i int) bool {
	for j := i - a.swingWindow; j <= i+a.swingWindow; j++ {
		if j != i && candles[j].High > candles[i].High {
			return false
		}
	}
	return true
}

// appendLevel drops candidates within 0.1% of an already recorded level.
func (a *CandleAnalyzer) appendLevel(levels []domain.PriceLevel, lvl domain.PriceLevel) []domain.PriceLevel {
	const dedupeThreshold = 0.001
	for _, existing := range levels {
		if math.Abs(existing.Price-lvl.Price)/existing.Price <= dedupeThreshold {
			return levels
		}
	}
	return append(levels, lvl)
}
