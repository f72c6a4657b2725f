package usecase

import (
	"context"
	"testing"

	"github.com/vitos/futures_level_bot/internal/domain"
)

// swingCandles has a swing low at 100 and a swing high at 110 in the
// middle of the series.
func swingCandles() []domain.Candle {
	lows := []float64{104, 103, 100, 103, 104}
	highs := []float64{106, 107, 110, 107, 106}
	candles := make([]domain.Candle, len(lows))
	for i := range lows {
		candles[i] = domain.Candle{
			Time: int64(1700000000 + i*300),
			Low:  lows[i],
			High: highs[i],
		}
	}
	return candles
}

func TestAnalyzeLevelsDetectsSwingPoints(t *testing.T) {
	ex := &MockExchange{Price: 105, Candles: swingCandles()}
	analyzer := NewCandleAnalyzer(ex, testLogger())

	analysis, err := analyzer.AnalyzeLevels(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("AnalyzeLevels failed: %v", err)
	}

	for _, tf := range domain.TimeframeOrder {
		tfl, ok := analysis.Timeframes[tf]
		if !ok {
			t.Fatalf("missing timeframe %s in the snapshot", tf)
		}
		if len(tfl.Hold) != 1 || tfl.Hold[0].Price != 100 {
			t.Errorf("%s: expected hold level 100, got %+v", tf, tfl.Hold)
		}
		if len(tfl.Resistance) != 1 || tfl.Resistance[0].Price != 110 {
			t.Errorf("%s: expected resistance level 110, got %+v", tf, tfl.Resistance)
		}
	}
}

func TestAnalyzeLevelsOrdersLevelsNearestFirst(t *testing.T) {
	// Two swing lows (100, 98) and two swing highs (110, 112).
	lows := []float64{104, 103, 100, 103, 104, 103, 98, 103, 104}
	highs := []float64{106, 107, 110, 107, 106, 107, 112, 107, 106}
	candles := make([]domain.Candle, len(lows))
	for i := range lows {
		candles[i] = domain.Candle{Time: int64(1700000000 + i*300), Low: lows[i], High: highs[i]}
	}

	ex := &MockExchange{Price: 105, Candles: candles}
	analyzer := NewCandleAnalyzer(ex, testLogger())

	analysis, err := analyzer.AnalyzeLevels(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("AnalyzeLevels failed: %v", err)
	}

	tfl := analysis.Timeframes["4h"]
	if len(tfl.Hold) != 2 || tfl.Hold[0].Price != 100 || tfl.Hold[1].Price != 98 {
		t.Errorf("expected holds nearest first [100 98], got %+v", tfl.Hold)
	}
	if len(tfl.Resistance) != 2 || tfl.Resistance[0].Price != 110 || tfl.Resistance[1].Price != 112 {
		t.Errorf("expected resistances nearest first [110 112], got %+v", tfl.Resistance)
	}
}

func TestAnalyzeLevelsDeduplicatesCloseLevels(t *testing.T) {
	// Two swing lows within 0.1% of each other collapse into one level.
	lows := []float64{104, 103, 100, 103, 104, 103, 100.05, 103, 104}
	highs := []float64{200, 200, 200, 200, 200, 200, 200, 200, 200}
	candles := make([]domain.Candle, len(lows))
	for i := range lows {
		candles[i] = domain.Candle{Time: int64(1700000000 + i*300), Low: lows[i], High: highs[i]}
	}

	ex := &MockExchange{Price: 105, Candles: candles}
	analyzer := NewCandleAnalyzer(ex, testLogger())

	analysis, err := analyzer.AnalyzeLevels(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("AnalyzeLevels failed: %v", err)
	}

	if got := len(analysis.Timeframes["4h"].Hold); got != 1 {
		t.Errorf("expected near-duplicate lows collapsed into 1 level, got %d", got)
	}
}

func TestAnalyzeLevelsShortSeries(t *testing.T) {
	ex := &MockExchange{Price: 105, Candles: []domain.Candle{{Low: 100, High: 110}}}
	analyzer := NewCandleAnalyzer(ex, testLogger())

	analysis, err := analyzer.AnalyzeLevels(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("AnalyzeLevels failed: %v", err)
	}
	tfl := analysis.Timeframes["4h"]
	if len(tfl.Hold) != 0 || len(tfl.Resistance) != 0 {
		t.Errorf("a series shorter than the swing window must yield no levels, got %+v", tfl)
	}
}
