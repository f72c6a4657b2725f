package domain

import "context"

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// OrderRequest describes one order to place on the venue.
type OrderRequest struct {
	Symbol     string
	Type       OrderType
	Side       OrderSide
	Amount     float64 // base quantity
	Price      float64 // required for LIMIT
	Leverage   int     // 0 leaves leverage untouched
	ReduceOnly bool
	ClientID   string
}

// Order is the venue's view of a placed order.
type Order struct {
	ID     string
	Symbol string
	Type   OrderType
	Side   OrderSide
	Amount float64
	Price  float64
}

type Ticker struct {
	Symbol string
	Last   float64
}

type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Balance for a single asset.
type Balance struct {
	Total float64
	Used  float64
	Free  float64
}

// Exchange is the narrow venue capability surface the controller depends on.
// One adapter exists per venue behind it.
type Exchange interface {
	Initialize(ctx context.Context) error
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	FetchBalance(ctx context.Context, asset string) (*Balance, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	// StartPriceStream blocks until the subscription is live. onDown fires
	// once if the stream later goes terminal after exhausting reconnects.
	StartPriceStream(symbol string, onPrice func(price float64), onDown func(err error)) error
	StopPriceStream() error
}

// LevelAnalyzer produces a fresh support/resistance snapshot for a symbol.
type LevelAnalyzer interface {
	AnalyzeLevels(ctx context.Context, symbol string) (*LevelAnalysis, error)
}

// StateRepository persists the TradingState aggregate. Load returns
// (nil, nil) when no prior document exists.
type StateRepository interface {
	Load() (*TradingState, error)
	Save(state *TradingState) error
}

// TradeRepository journals executed trades and stop-loss moves.
type TradeRepository interface {
	SaveTrade(ctx context.Context, rec *TradeRecord) error
	ListTrades(ctx context.Context, limit int) ([]*TradeRecord, error)
	SaveStopUpdate(ctx context.Context, audit *StopAudit) error
}
