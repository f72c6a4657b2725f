package usecase

import (
	"time"

	"go.uber.org/zap"
)

const riskDateLayout = "2006-01-02"

// RiskGate blocks new entries after too many losses on one calendar day
// and when the account has drawn down too far from its baseline. Risk
// state persists through the StateStore so a restart does not reset the
// daily limit.
type RiskGate struct {
	store          *StateStore
	logger         *zap.Logger
	maxDailyLosses int
	maxDrawdown    float64
	timeNow        func() time.Time // For testing
}

func NewRiskGate(store *StateStore, maxDailyLosses int, maxDrawdown float64, logger *zap.Logger) *RiskGate {
	return &RiskGate{
		store:          store,
		logger:         logger,
		maxDailyLosses: maxDailyLosses,
		maxDrawdown:    maxDrawdown,
		timeNow:        time.Now,
	}
}

func (g *RiskGate) today() string {
	return g.timeNow().Format(riskDateLayout)
}

// CanOpenPosition rolls the daily loss counter over on a calendar-day
// change, then reports whether the loss budget still has room.
func (g *RiskGate) CanOpenPosition() bool {
	risk := g.store.Risk()

	if risk.LastLossDate != "" && risk.LastLossDate != g.today() {
		risk.DailyLossCount = 0
		risk.LastLossDate = ""
		if err := g.store.SetRisk(risk); err != nil {
			g.logger.Error("Failed to persist risk rollover", zap.Error(err))
		}
	}

	return risk.DailyLossCount < g.maxDailyLosses
}

// RecordLoss increments the daily counter, resetting to 1 when the last
// loss was on a previous day.
func (g *RiskGate) RecordLoss() {
	risk := g.store.Risk()
	today := g.today()

	if risk.LastLossDate != today {
		risk.DailyLossCount = 1
	} else {
		risk.DailyLossCount++
	}
	risk.LastLossDate = today

	if err := g.store.SetRisk(risk); err != nil {
		g.logger.Error("Failed to persist loss record", zap.Error(err))
	}
	g.logger.Info("Loss recorded",
		zap.Int("daily_loss_count", risk.DailyLossCount),
		zap.Int("max_daily_losses", g.maxDailyLosses))
}

// InitializeBaseline sets or overwrites the drawdown baseline.
func (g *RiskGate) InitializeBaseline(balance float64) {
	risk := g.store.Risk()
	risk.InitialBalance = balance
	if err := g.store.SetRisk(risk); err != nil {
		g.logger.Error("Failed to persist drawdown baseline", zap.Error(err))
	}
}

// CheckDrawdown reports whether the current balance is within the allowed
// drawdown from the baseline. No baseline means no constraint.
func (g *RiskGate) CheckDrawdown(currentBalance float64) bool {
	risk := g.store.Risk()
	if risk.InitialBalance <= 0 {
		return true
	}
	drawdown := (risk.InitialBalance - currentBalance) / risk.InitialBalance
	return drawdown <= g.maxDrawdown
}
