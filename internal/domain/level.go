package domain

import "time"

// Timeframes in scan priority order. Entry evaluation walks them in this
// order and the first matching level wins.
var TimeframeOrder = []string{"4h", "1h", "15m", "5m"}

type PriceLevel struct {
	Price float64   `json:"price"`
	Time  time.Time `json:"time"`
}

// TimeframeLevels holds the detected levels for one timeframe.
// Hold levels sit at or below the current price (support), resistance
// levels above it. Both lists keep the analyzer's ordering.
type TimeframeLevels struct {
	Hold       []PriceLevel `json:"hold"`
	Resistance []PriceLevel `json:"resistance"`
}

// LevelAnalysis is one snapshot across all timeframes. It is replaced
// wholesale on each refresh, never merged.
type LevelAnalysis struct {
	Symbol     string                     `json:"symbol"`
	Timeframes map[string]TimeframeLevels `json:"timeframes"`
	Timestamp  time.Time                  `json:"timestamp"`
}
