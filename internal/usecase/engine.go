package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitos/futures_level_bot/internal/domain"
	"github.com/vitos/futures_level_bot/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

type EngineState int32

const (
	EngineIdle EngineState = iota
	EngineInitializing
	EngineRunning
	EngineStopping
	EngineStopped
)

func (s EngineState) String() string {
	switch s {
	case EngineInitializing:
		return "initializing"
	case EngineRunning:
		return "running"
	case EngineStopping:
		return "stopping"
	case EngineStopped:
		return "stopped"
	default:
		return "idle"
	}
}

type EventType string

const (
	EventStarted         EventType = "started"
	EventStopped         EventType = "stopped"
	EventError           EventType = "error"
	EventPositionOpened  EventType = "positionOpened"
	EventPositionClosed  EventType = "positionClosed"
	EventLevelUpdate     EventType = "levelUpdate"
	EventStopLossUpdated EventType = "stopLossUpdated"
)

// Event is one observable notification for the host process.
type Event struct {
	Type     EventType
	Time     time.Time
	Err      error
	Position *domain.Position
	Result   *domain.TradeResult
	Levels   *domain.LevelAnalysis
	StopLoss float64
}

type EngineConfig struct {
	Symbol          string
	Asset           string // quote asset used for balance queries
	RefreshInterval time.Duration
}

// Engine is the top-level state machine. It funnels the price stream and
// the level-refresh timer into one control loop, routes ticks to the
// position controller, and emits observable events. Errors inside tick
// handling, level refresh, or order placement become error events; only
// Start and Stop failures propagate.
type Engine struct {
	exchange   domain.Exchange
	analyzer   domain.LevelAnalyzer
	store      *StateStore
	risk       *RiskGate
	controller *PositionController
	logger     *zap.Logger
	cfg        EngineConfig

	state    atomic.Int32
	events   chan Event
	ticks    chan float64
	stopC    chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once

	// opening excludes concurrent entry attempts: while an open order
	// round trip is in flight, ticks are evaluated for exits only and
	// dropped for entry purposes. closing is the symmetric guard for the
	// close escalation ladder.
	opening atomic.Bool
	closing atomic.Bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

func NewEngine(
	exchange domain.Exchange,
	analyzer domain.LevelAnalyzer,
	store *StateStore,
	risk *RiskGate,
	controller *PositionController,
	cfg EngineConfig,
	logger *zap.Logger,
) *Engine {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	return &Engine{
		exchange:   exchange,
		analyzer:   analyzer,
		store:      store,
		risk:       risk,
		controller: controller,
		logger:     logger,
		cfg:        cfg,
		events:     make(chan Event, 64),
		ticks:      make(chan float64, 16),
		stopC:      make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
}

// Events delivers the engine's observable notifications.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Start drives Idle → Initializing → Running. The engine only reaches
// Running after the exchange initializes, the balance is fetched and
// stored, prior state is loaded, an initial level snapshot is cached, and
// the tick stream subscription succeeds. Any failure propagates.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineIdle), int32(EngineInitializing)) {
		return fmt.Errorf("engine already started (state %s)", e.State())
	}

	fail := func(err error) error {
		e.state.CompareAndSwap(int32(EngineInitializing), int32(EngineIdle))
		return err
	}

	if err := e.exchange.Initialize(ctx); err != nil {
		return fail(fmt.Errorf("initialize exchange: %w", err))
	}

	if err := e.store.Load(); err != nil {
		return fail(err)
	}

	balance, err := e.exchange.FetchBalance(ctx, e.cfg.Asset)
	if err != nil {
		return fail(fmt.Errorf("fetch balance: %w", err))
	}
	if err := e.store.UpdateAccountBalance(balance.Total); err != nil {
		return fail(err)
	}
	metrics.Equity.Set(balance.Total)

	if e.store.Risk().InitialBalance <= 0 {
		e.risk.InitializeBaseline(balance.Total)
	}

	levels, err := e.analyzer.AnalyzeLevels(ctx, e.cfg.Symbol)
	if err != nil {
		return fail(fmt.Errorf("initial level snapshot: %w", err))
	}
	if err := e.store.UpdateLevels(levels); err != nil {
		return fail(err)
	}

	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	if err := e.exchange.StartPriceStream(e.cfg.Symbol, e.onPrice, e.onStreamDown); err != nil {
		e.runCancel()
		return fail(fmt.Errorf("start price stream: %w", err))
	}

	// Stop may have raced the startup sequence; only its absence lets the
	// run loop launch.
	if !e.state.CompareAndSwap(int32(EngineInitializing), int32(EngineRunning)) {
		e.runCancel()
		if serr := e.exchange.StopPriceStream(); serr != nil {
			e.logger.Warn("Price stream teardown failed", zap.Error(serr))
		}
		return errors.New("engine stopped during startup")
	}
	go e.run()

	e.logger.Info("Engine running",
		zap.String("symbol", e.cfg.Symbol),
		zap.Float64("balance", balance.Total))
	e.emit(Event{Type: EventStarted})
	return nil
}

// Stop is safe to call in any state. It tears down the stream, cancels
// the refresh timer, and performs a final state save. Called during an
// in-flight Start it returns immediately; the startup sequence observes
// the state change and unwinds itself.
func (e *Engine) Stop(ctx context.Context) error {
	for {
		switch e.State() {
		case EngineIdle:
			if e.state.CompareAndSwap(int32(EngineIdle), int32(EngineStopped)) {
				return nil
			}
		case EngineStopped:
			return nil
		case EngineInitializing:
			// No run loop exists yet, so there is nothing to wait for.
			if e.state.CompareAndSwap(int32(EngineInitializing), int32(EngineStopping)) {
				e.stopOnce.Do(func() { close(e.stopC) })
				e.state.Store(int32(EngineStopped))
				return nil
			}
		default:
			e.state.Store(int32(EngineStopping))
			e.stopOnce.Do(func() { close(e.stopC) })

			select {
			case <-e.loopDone:
			case <-ctx.Done():
				return ctx.Err()
			}

			if e.runCancel != nil {
				e.runCancel()
			}
			if err := e.exchange.StopPriceStream(); err != nil {
				e.logger.Warn("Price stream teardown failed", zap.Error(err))
			}
			if err := e.store.Save(); err != nil {
				e.state.Store(int32(EngineStopped))
				return fmt.Errorf("final state save: %w", err)
			}

			e.state.Store(int32(EngineStopped))
			e.logger.Info("Engine stopped")
			e.emit(Event{Type: EventStopped})
			return nil
		}
	}
}

// onStreamDown fires when the price stream exhausts its reconnect budget
// and goes terminal. The engine keeps its state; the host decides whether
// to stop on the error event.
func (e *Engine) onStreamDown(err error) {
	e.logger.Error("Price stream went terminal", zap.Error(err))
	e.emit(Event{Type: EventError, Err: fmt.Errorf("price stream down: %w", err)})
}

// onPrice is the stream callback. Ticks are idempotent price samples, so
// on overflow the oldest is dropped rather than blocking the reader.
func (e *Engine) onPrice(price float64) {
	if e.State() != EngineRunning {
		return
	}
	select {
	case e.ticks <- price:
	default:
		select {
		case <-e.ticks:
		default:
		}
		select {
		case e.ticks <- price:
		default:
		}
	}
}

func (e *Engine) run() {
	defer close(e.loopDone)

	refresh := time.NewTicker(e.cfg.RefreshInterval)
	defer refresh.Stop()

	for {
		select {
		case <-e.stopC:
			return
		case price := <-e.ticks:
			e.handleTick(price)
		case <-refresh.C:
			e.refreshLevels()
		}
	}
}

func (e *Engine) handleTick(price float64) {
	metrics.Ticks.Inc()

	if pos := e.store.Position(); pos != nil {
		if e.closing.Load() {
			return
		}

		if newStop := e.controller.CalculateTrailingStop(pos, price); newStop != pos.StopLoss {
			if err := e.controller.UpdateStopLoss(e.runCtx, newStop); err != nil {
				e.emit(Event{Type: EventError, Err: err})
			} else {
				pos.StopLoss = newStop
				e.emit(Event{Type: EventStopLossUpdated, StopLoss: newStop})
			}
		}

		if shouldClose, reason := e.controller.CheckExitConditions(pos, price); shouldClose {
			if e.closing.CompareAndSwap(false, true) {
				go e.closePosition(pos, reason)
			}
		}
		return
	}

	if e.opening.Load() {
		return
	}
	if !e.risk.CanOpenPosition() {
		return
	}
	if !e.risk.CheckDrawdown(e.store.AccountBalance()) {
		return
	}

	signal := e.controller.CheckEntryConditions(price, e.store.Levels())
	if signal == nil {
		return
	}
	if e.opening.CompareAndSwap(false, true) {
		go e.openPosition(signal)
	}
}

func (e *Engine) openPosition(signal *domain.EntrySignal) {
	defer e.opening.Store(false)

	pos, err := e.controller.OpenPosition(e.runCtx, signal)
	if err != nil {
		e.emit(Event{Type: EventError, Err: err})
		return
	}
	if err := e.store.SetPosition(pos); err != nil {
		e.emit(Event{Type: EventError, Err: err})
		return
	}
	e.emit(Event{Type: EventPositionOpened, Position: pos})
}

func (e *Engine) closePosition(pos *domain.Position, reason domain.CloseReason) {
	defer e.closing.Store(false)

	result, err := e.controller.ClosePosition(e.runCtx, pos, reason)
	if err != nil {
		e.emit(Event{Type: EventError, Err: err})
		return
	}

	if err := e.store.ClearPosition(); err != nil {
		e.emit(Event{Type: EventError, Err: err})
	}
	if err := e.store.AdjustStakePercentage(!result.IsLoss); err != nil {
		e.emit(Event{Type: EventError, Err: err})
	}
	if result.IsLoss {
		e.risk.RecordLoss()
	}

	newBalance := e.store.AccountBalance() + result.PnL
	if err := e.store.UpdateAccountBalance(newBalance); err != nil {
		e.emit(Event{Type: EventError, Err: err})
	}
	metrics.Equity.Set(newBalance)

	e.emit(Event{Type: EventPositionClosed, Result: result})
}

// refreshLevels replaces the cached snapshot. Failure is reported but does
// not stop the engine; it keeps trading on the last good snapshot.
func (e *Engine) refreshLevels() {
	levels, err := e.analyzer.AnalyzeLevels(e.runCtx, e.cfg.Symbol)
	if err != nil {
		e.emit(Event{Type: EventError, Err: fmt.Errorf("level refresh: %w", err)})
		return
	}
	if err := e.store.UpdateLevels(levels); err != nil {
		e.emit(Event{Type: EventError, Err: err})
		return
	}
	e.emit(Event{Type: EventLevelUpdate, Levels: levels})
}

func (e *Engine) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("Event channel full, dropping event", zap.String("type", string(ev.Type)))
	}
}
