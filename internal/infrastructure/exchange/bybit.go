package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vitos/futures_level_bot/internal/backoff"
	"github.com/vitos/futures_level_bot/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"
)

// BybitAdapter implements domain.Exchange against the Bybit V5 API.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	streamPolicy backoff.Policy
	pingInterval time.Duration
	stream       *PriceStream
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, streamPolicy backoff.Policy, logger *zap.Logger) *BybitAdapter {
	return &BybitAdapter{
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		baseURL:      baseURL,
		wsURL:        wsURL,
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		streamPolicy: streamPolicy,
		pingInterval: 20 * time.Second,
	}
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, _ := json.Marshal(payload)
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == "GET" {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, domain.NewExchangeError(domain.ErrUnknown, path, err)
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, domain.NewExchangeError(domain.ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewExchangeError(domain.ErrNetwork, path, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.NewExchangeError(domain.ErrRateLimited, path, fmt.Errorf("HTTP 429: %s", string(respBody)))
	}
	if resp.StatusCode >= 400 {
		return nil, domain.NewExchangeError(domain.ErrUnknown, path, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody)))
	}

	return respBody, nil
}

// classifyRetCode maps a non-zero Bybit retCode to an error kind.
func classifyRetCode(code int) domain.ErrorKind {
	switch {
	case code == 10006 || code == 10018:
		return domain.ErrRateLimited
	case code == 110007 || code == 110012 || code == 110052:
		return domain.ErrInsufficientFunds
	case code == 10001 || (code >= 110001 && code <= 110099):
		return domain.ErrInvalidOrder
	default:
		return domain.ErrUnknown
	}
}

func (b *BybitAdapter) apiError(op string, code int, msg string) error {
	return domain.NewExchangeError(classifyRetCode(code), op, fmt.Errorf("retCode %d: %s", code, msg))
}

func (b *BybitAdapter) Initialize(ctx context.Context) error {
	resp, err := b.sendRequest(ctx, "GET", "/v5/market/time", nil)
	if err != nil {
		return err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return domain.NewExchangeError(domain.ErrUnknown, "initialize", err)
	}
	if result.RetCode != 0 {
		return b.apiError("initialize", result.RetCode, result.RetMsg)
	}
	return nil
}

func (b *BybitAdapter) FetchTicker(ctx context.Context, symbol string) (*domain.Ticker, error) {
	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, domain.NewExchangeError(domain.ErrUnknown, "fetch_ticker", err)
	}
	if result.RetCode != 0 {
		return nil, b.apiError("fetch_ticker", result.RetCode, result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return nil, domain.NewExchangeError(domain.ErrInvalidOrder, "fetch_ticker", fmt.Errorf("symbol %s not found", symbol))
	}

	last, err := strconv.ParseFloat(result.Result.List[0].LastPrice, 64)
	if err != nil {
		return nil, domain.NewExchangeError(domain.ErrUnknown, "fetch_ticker", err)
	}
	return &domain.Ticker{Symbol: symbol, Last: last}, nil
}

func (b *BybitAdapter) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=%s&limit=%d", symbol, interval, limit)
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, domain.NewExchangeError(domain.ErrUnknown, "fetch_ohlcv", err)
	}
	if result.RetCode != 0 {
		return nil, b.apiError("fetch_ohlcv", result.RetCode, result.RetMsg)
	}

	var candles []domain.Candle
	for _, raw := range result.Result.List {
		// Format: [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 6 {
			continue
		}

		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		open, _ := strconv.ParseFloat(raw[1], 64)
		high, _ := strconv.ParseFloat(raw[2], 64)
		low, _ := strconv.ParseFloat(raw[3], 64)
		closePrice, _ := strconv.ParseFloat(raw[4], 64)
		volume, _ := strconv.ParseFloat(raw[5], 64)

		candles = append(candles, domain.Candle{
			Time:   ts / 1000,
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: volume,
		})
	}

	// Bybit returns newest first; callers expect chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}

	return candles, nil
}

func (b *BybitAdapter) FetchBalance(ctx context.Context, asset string) (*domain.Balance, error) {
	path := "/v5/account/wallet-balance?accountType=UNIFIED&coin=" + asset
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
					Locked        string `json:"locked"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, domain.NewExchangeError(domain.ErrUnknown, "fetch_balance", err)
	}
	if result.RetCode != 0 {
		return nil, b.apiError("fetch_balance", result.RetCode, result.RetMsg)
	}

	for _, acct := range result.Result.List {
		for _, coin := range acct.Coin {
			if coin.Coin != asset {
				continue
			}
			total, _ := strconv.ParseFloat(coin.WalletBalance, 64)
			used, _ := strconv.ParseFloat(coin.Locked, 64)
			return &domain.Balance{Total: total, Used: used, Free: total - used}, nil
		}
	}
	return &domain.Balance{}, nil
}

func (b *BybitAdapter) CreateOrder(ctx context.Context, req *domain.OrderRequest) (*domain.Order, error) {
	if req.Leverage > 0 {
		b.setLeverage(ctx, req.Symbol, req.Leverage)
	}

	side := "Buy"
	if req.Side == domain.OrderSell {
		side = "Sell"
	}
	orderType := "Market"
	if req.Type == domain.OrderLimit {
		orderType = "Limit"
	}

	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        side,
		"orderType":   orderType,
		"qty":         strconv.FormatFloat(req.Amount, 'f', -1, 64),
		"timeInForce": "GTC",
	}
	if req.Type == domain.OrderLimit {
		payload["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.ReduceOnly {
		payload["reduceOnly"] = true
	}
	if req.ClientID != "" {
		payload["orderLinkId"] = req.ClientID
	}

	resp, err := b.sendRequest(ctx, "POST", "/v5/order/create", payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, domain.NewExchangeError(domain.ErrUnknown, "create_order", err)
	}
	if result.RetCode != 0 {
		return nil, b.apiError("create_order", result.RetCode, result.RetMsg)
	}

	fillPrice := req.Price
	if req.Type == domain.OrderMarket {
		// Market fills return no price synchronously; approximate with the
		// latest ticker.
		if ticker, terr := b.FetchTicker(ctx, req.Symbol); terr == nil {
			fillPrice = ticker.Last
		}
	}

	return &domain.Order{
		ID:     result.Result.OrderID,
		Symbol: req.Symbol,
		Type:   req.Type,
		Side:   req.Side,
		Amount: req.Amount,
		Price:  fillPrice,
	}, nil
}

func (b *BybitAdapter) setLeverage(ctx context.Context, symbol string, leverage int) {
	payload := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.Itoa(leverage),
		"sellLeverage": strconv.Itoa(leverage),
	}
	// Fails when leverage is already set; safe to ignore.
	_, _ = b.sendRequest(ctx, "POST", "/v5/position/set-leverage", payload)
}

func (b *BybitAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	path := "/v5/order/realtime?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				OrderID   string `json:"orderId"`
				Symbol    string `json:"symbol"`
				Side      string `json:"side"`
				OrderType string `json:"orderType"`
				Qty       string `json:"qty"`
				Price     string `json:"price"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, domain.NewExchangeError(domain.ErrUnknown, "fetch_open_orders", err)
	}
	if result.RetCode != 0 {
		return nil, b.apiError("fetch_open_orders", result.RetCode, result.RetMsg)
	}

	var orders []*domain.Order
	for _, raw := range result.Result.List {
		amount, _ := strconv.ParseFloat(raw.Qty, 64)
		price, _ := strconv.ParseFloat(raw.Price, 64)

		side := domain.OrderBuy
		if raw.Side == "Sell" {
			side = domain.OrderSell
		}
		orderType := domain.OrderMarket
		if raw.OrderType == "Limit" {
			orderType = domain.OrderLimit
		}

		orders = append(orders, &domain.Order{
			ID:     raw.OrderID,
			Symbol: raw.Symbol,
			Type:   orderType,
			Side:   side,
			Amount: amount,
			Price:  price,
		})
	}
	return orders, nil
}

// --- Price stream ---

func (b *BybitAdapter) StartPriceStream(symbol string, onPrice func(price float64), onDown func(err error)) error {
	if b.stream != nil {
		return fmt.Errorf("price stream already running")
	}
	b.stream = NewPriceStream(b.wsURL, symbol, onPrice, onDown, b.streamPolicy, b.pingInterval, b.logger)
	if err := b.stream.Start(); err != nil {
		b.stream = nil
		return err
	}
	return nil
}

func (b *BybitAdapter) StopPriceStream() error {
	if b.stream == nil {
		return nil
	}
	b.stream.Stop()
	b.stream = nil
	return nil
}
