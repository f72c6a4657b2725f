package domain

import "time"

// RiskState carries the daily loss counter and the drawdown baseline.
// LastLossDate has calendar-day granularity.
type RiskState struct {
	DailyLossCount int     `json:"daily_loss_count"`
	LastLossDate   string  `json:"last_loss_date"` // "2006-01-02"
	InitialBalance float64 `json:"initial_balance"`
}

// TradingState is the single persisted aggregate. It is rewritten in full
// on every mutation and loaded once at startup.
type TradingState struct {
	CurrentPosition *Position      `json:"current_position,omitempty"`
	StakePercentage float64        `json:"stake_percentage"`
	AccountBalance  float64        `json:"account_balance"`
	LastLevels      *LevelAnalysis `json:"last_levels,omitempty"`
	LastUpdate      time.Time      `json:"last_update"`
	Risk            RiskState      `json:"risk"`
}

// DefaultTradingState returns the aggregate used when no prior state
// document exists.
func DefaultTradingState(initialStake float64) *TradingState {
	return &TradingState{
		StakePercentage: initialStake,
	}
}
