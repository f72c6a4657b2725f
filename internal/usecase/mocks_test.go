package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vitos/futures_level_bot/internal/domain"
	"go.uber.org/zap"
)

type MockExchange struct {
	mu sync.Mutex

	Price      float64
	BalanceVal float64
	Candles    []domain.Candle
	OpenOrders []*domain.Order

	TickerErr     error
	StreamErr     error
	CreateOrderFn func(req *domain.OrderRequest) (*domain.Order, error)
	InitializeFn  func(ctx context.Context) error

	CreatedOrders []*domain.OrderRequest
	StreamStarted bool
	StreamStopped bool
	onPrice       func(float64)
	onDown        func(error)
	orderSeq      int
}

func (m *MockExchange) Initialize(ctx context.Context) error {
	if m.InitializeFn != nil {
		return m.InitializeFn(ctx)
	}
	return nil
}

func (m *MockExchange) FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TickerErr != nil {
		return nil, m.TickerErr
	}
	return &domain.Ticker{Symbol: symbol, Last: m.Price}, nil
}

func (m *MockExchange) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Candles, nil
}

func (m *MockExchange) CreateOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Order, error) {
	m.mu.Lock()
	m.CreatedOrders = append(m.CreatedOrders, req)
	m.orderSeq++
	seq := m.orderSeq
	fn := m.CreateOrderFn
	price := m.Price
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}

	fillPrice := req.Price
	if req.Type == domain.OrderMarket {
		fillPrice = price
	}
	return &domain.Order{
		ID:     fmt.Sprintf("order-%d", seq),
		Symbol: req.Symbol,
		Type:   req.Type,
		Side:   req.Side,
		Amount: req.Amount,
		Price:  fillPrice,
	}, nil
}

func (m *MockExchange) FetchBalance(ctx context.Context, asset string) (*domain.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &domain.Balance{Total: m.BalanceVal, Free: m.BalanceVal}, nil
}

func (m *MockExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OpenOrders, nil
}

func (m *MockExchange) StartPriceStream(symbol string, onPrice func(price float64), onDown func(err error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StreamErr != nil {
		return m.StreamErr
	}
	m.StreamStarted = true
	m.onPrice = onPrice
	m.onDown = onDown
	return nil
}

func (m *MockExchange) StopPriceStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StreamStopped = true
	return nil
}

// EmitPrice pushes a tick through the registered stream callback.
func (m *MockExchange) EmitPrice(price float64) {
	m.mu.Lock()
	cb := m.onPrice
	m.mu.Unlock()
	if cb != nil {
		cb(price)
	}
}

// FailStream reports a terminal stream failure to the registered callback.
func (m *MockExchange) FailStream(err error) {
	m.mu.Lock()
	cb := m.onDown
	m.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (m *MockExchange) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CreatedOrders)
}

func (m *MockExchange) OrdersOfType(typ domain.OrderType) []*domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.OrderRequest
	for _, o := range m.CreatedOrders {
		if o.Type == typ {
			out = append(out, o)
		}
	}
	return out
}

// memStateRepo keeps the persisted document in memory as marshaled JSON so
// tests can compare documents byte for byte.
type memStateRepo struct {
	mu        sync.Mutex
	LoadState *domain.TradingState
	LoadErr   error
	SaveErr   error
	Doc       []byte
	Saves     int
}

func (r *memStateRepo) Load() (*domain.TradingState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.LoadState, r.LoadErr
}

func (r *memStateRepo) Save(state *domain.TradingState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SaveErr != nil {
		return r.SaveErr
	}
	doc, err := json.Marshal(state)
	if err != nil {
		return err
	}
	r.Doc = doc
	r.Saves++
	return nil
}

func (r *memStateRepo) Snapshot() ([]byte, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.Doc...), r.Saves
}

type memTradeRepo struct {
	mu     sync.Mutex
	Trades []*domain.TradeRecord
	Audits []*domain.StopAudit
}

func (r *memTradeRepo) SaveTrade(ctx context.Context, rec *domain.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Trades = append(r.Trades, rec)
	return nil
}

func (r *memTradeRepo) ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Trades, nil
}

func (r *memTradeRepo) SaveStopUpdate(ctx context.Context, audit *domain.StopAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Audits = append(r.Audits, audit)
	return nil
}

type mockAnalyzer struct {
	mu     sync.Mutex
	Levels *domain.LevelAnalysis
	Err    error
	Calls  int
}

func (a *mockAnalyzer) AnalyzeLevels(ctx context.Context, symbol string) (*domain.LevelAnalysis, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls++
	if a.Err != nil {
		return nil, a.Err
	}
	return a.Levels, nil
}

func (a *mockAnalyzer) FailFrom(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Err = err
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}

// snapshotWith builds a one-level snapshot: a hold level and a resistance
// level on the 4h timeframe.
func snapshotWith(hold, resistance float64) *domain.LevelAnalysis {
	return &domain.LevelAnalysis{
		Symbol: "BTCUSDT",
		Timeframes: map[string]domain.TimeframeLevels{
			"4h": {
				Hold:       []domain.PriceLevel{{Price: hold}},
				Resistance: []domain.PriceLevel{{Price: resistance}},
			},
		},
	}
}
