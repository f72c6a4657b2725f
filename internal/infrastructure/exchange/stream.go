package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/futures_level_bot/internal/backoff"
	"github.com/vitos/futures_level_bot/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// ConnState is the price-stream connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

var errStreamStopped = errors.New("price stream stopped")

// PriceStream subscribes to Bybit's public trade feed for one symbol and
// delivers each trade price to the registered callback. It owns its
// reconnect lifecycle: connect failures back off on a capped-doubling
// schedule up to a bounded attempt count, after which the stream goes
// terminal and reports through onDown. A keepalive ping runs on a fixed
// interval while connected.
type PriceStream struct {
	url          string
	symbol       string
	onPrice      func(price float64)
	onDown       func(err error)
	policy       backoff.Policy
	pingInterval time.Duration
	logger       *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	state atomic.Int32

	stopC    chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewPriceStream(url, symbol string, onPrice func(float64), onDown func(error), policy backoff.Policy, pingInterval time.Duration, logger *zap.Logger) *PriceStream {
	return &PriceStream{
		url:          url,
		symbol:       symbol,
		onPrice:      onPrice,
		onDown:       onDown,
		policy:       policy,
		pingInterval: pingInterval,
		logger:       logger,
		stopC:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *PriceStream) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *PriceStream) setState(st ConnState) {
	s.state.Store(int32(st))
}

// Start blocks until the first connect and subscribe succeed, so callers
// never treat a dead feed as running. The reconnect loop takes over once
// the subscription is live; the initial attempt consumes the same backoff
// budget and its exhaustion is returned as an error.
func (s *PriceStream) Start() error {
	conn, err := s.connect()
	if err != nil {
		close(s.done)
		s.setState(StateDisconnected)
		return err
	}
	go s.run(conn)
	return nil
}

// Stop tears the stream down and waits for the run loop to exit. Safe to
// call in any state, including while Start is still connecting.
func (s *PriceStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopC)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
}

// connect dials and subscribes, backing off between failures. Subscribe
// failures consume the same attempt budget as dial failures.
func (s *PriceStream) connect() (*websocket.Conn, error) {
	attempt := 0
	for {
		select {
		case <-s.stopC:
			return nil, errStreamStopped
		default:
		}

		s.setState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err == nil {
			if serr := s.subscribe(conn); serr != nil {
				conn.Close()
				err = fmt.Errorf("subscribe: %w", serr)
			} else {
				s.mu.Lock()
				s.conn = conn
				s.mu.Unlock()
				s.setState(StateConnected)
				s.logger.Info("Price stream connected", zap.String("symbol", s.symbol))
				return conn, nil
			}
		}

		metrics.StreamReconnects.Inc()
		if s.policy.Exhausted(attempt) {
			s.logger.Error("Price stream connect attempts exhausted",
				zap.String("symbol", s.symbol),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return nil, fmt.Errorf("connect %s: %w", s.symbol, err)
		}
		delay := s.policy.Delay(attempt)
		attempt++
		s.logger.Warn("Price stream connect failed, backing off",
			zap.String("symbol", s.symbol),
			zap.Duration("delay", delay),
			zap.Error(err))
		s.setState(StateBackoff)
		select {
		case <-time.After(delay):
		case <-s.stopC:
			return nil, errStreamStopped
		}
	}
}

func (s *PriceStream) run(conn *websocket.Conn) {
	defer close(s.done)
	defer s.setState(StateDisconnected)

	for {
		s.readLoop(conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		select {
		case <-s.stopC:
			return
		default:
		}

		s.logger.Warn("Price stream disconnected, reconnecting", zap.String("symbol", s.symbol))
		next, err := s.connect()
		if err != nil {
			if errors.Is(err, errStreamStopped) {
				return
			}
			if s.onDown != nil {
				s.onDown(err)
			}
			return
		}
		conn = next
	}
}

func (s *PriceStream) subscribe(conn *websocket.Conn) error {
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"publicTrade." + s.symbol},
	}
	return conn.WriteJSON(subMsg)
}

func (s *PriceStream) readLoop(conn *websocket.Conn) {
	pingStop := make(chan struct{})
	defer close(pingStop)

	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			case <-pingStop:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}

		var event struct {
			Topic string `json:"topic"`
			Data  []struct {
				Price string `json:"p"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if !strings.HasPrefix(event.Topic, "publicTrade.") {
			continue
		}

		for _, trade := range event.Data {
			price, err := strconv.ParseFloat(trade.Price, 64)
			if err != nil || price <= 0 {
				continue
			}
			s.onPrice(price)
		}
	}
}
