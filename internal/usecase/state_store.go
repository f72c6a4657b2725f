package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/vitos/futures_level_bot/internal/domain"
	"go.uber.org/zap"
)

// StateStore owns the persisted TradingState aggregate. Every mutation
// rewrites the whole document through the repository.
type StateStore struct {
	repo     domain.StateRepository
	logger   *zap.Logger
	minStake float64
	maxStake float64

	mu      sync.RWMutex
	state   *domain.TradingState
	timeNow func() time.Time // For testing
}

func NewStateStore(repo domain.StateRepository, minStake, maxStake float64, logger *zap.Logger) *StateStore {
	return &StateStore{
		repo:     repo,
		logger:   logger,
		minStake: minStake,
		maxStake: maxStake,
		state:    domain.DefaultTradingState(minStake),
		timeNow:  time.Now,
	}
}

// Load hydrates the aggregate from durable storage. A missing document
// applies defaults; any other failure is fatal at startup.
func (s *StateStore) Load() error {
	state, err := s.repo.Load()
	if err != nil {
		return fmt.Errorf("load trading state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if state == nil {
		s.state = domain.DefaultTradingState(s.minStake)
		s.logger.Info("No prior state found, starting with defaults",
			zap.Float64("stake_pct", s.minStake))
		return nil
	}

	state.StakePercentage = s.clampStake(state.StakePercentage)
	s.state = state
	s.logger.Info("Trading state loaded",
		zap.Bool("has_position", state.CurrentPosition != nil),
		zap.Float64("stake_pct", state.StakePercentage),
		zap.Float64("balance", state.AccountBalance))
	return nil
}

// Save rewrites the current aggregate. Two saves without an intervening
// mutation produce byte-identical documents.
func (s *StateStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo.Save(s.state)
}

// persist is called with the write lock held.
func (s *StateStore) persist() error {
	s.state.LastUpdate = s.timeNow()
	return s.repo.Save(s.state)
}

func (s *StateStore) clampStake(stake float64) float64 {
	if stake < s.minStake {
		return s.minStake
	}
	if stake > s.maxStake {
		return s.maxStake
	}
	return stake
}

// Position returns a copy of the current position, or nil.
func (s *StateStore) Position() *domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.CurrentPosition == nil {
		return nil
	}
	pos := *s.state.CurrentPosition
	pos.StopUpdates = append([]domain.StopUpdate(nil), s.state.CurrentPosition.StopUpdates...)
	return &pos
}

func (s *StateStore) SetPosition(pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CurrentPosition = pos
	return s.persist()
}

func (s *StateStore) ClearPosition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CurrentPosition = nil
	return s.persist()
}

func (s *StateStore) StakePercentage() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.StakePercentage
}

// AdjustStakePercentage applies the anti-martingale rule: a win doubles the
// stake up to the maximum, a loss halves it down to the minimum.
func (s *StateStore) AdjustStakePercentage(win bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state.StakePercentage
	if win {
		s.state.StakePercentage = s.clampStake(old * 2)
	} else {
		s.state.StakePercentage = s.clampStake(old / 2)
	}

	s.logger.Info("Stake percentage adjusted",
		zap.Bool("win", win),
		zap.Float64("old", old),
		zap.Float64("new", s.state.StakePercentage))
	return s.persist()
}

func (s *StateStore) AccountBalance() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AccountBalance
}

func (s *StateStore) UpdateAccountBalance(balance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AccountBalance = balance
	return s.persist()
}

// Levels returns the cached snapshot, or nil when none was fetched yet.
func (s *StateStore) Levels() *domain.LevelAnalysis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastLevels
}

// UpdateLevels replaces the cached snapshot wholesale.
func (s *StateStore) UpdateLevels(levels *domain.LevelAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastLevels = levels
	return s.persist()
}

func (s *StateStore) Risk() domain.RiskState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Risk
}

func (s *StateStore) SetRisk(risk domain.RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Risk = risk
	return s.persist()
}
