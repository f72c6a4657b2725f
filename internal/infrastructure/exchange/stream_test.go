package exchange

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_level_bot/internal/backoff"
	"go.uber.org/zap"
)

func wsAddr(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPriceStreamDeliversTrades(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan float64, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Op != "subscribe" || len(sub.Args) != 1 || sub.Args[0] != "publicTrade.BTCUSDT" {
			t.Errorf("unexpected subscription: %+v", sub)
			return
		}

		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"topic":"publicTrade.BTCUSDT","data":[{"p":"50100.5"},{"p":"50101"}]}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"op":"pong"}`)) // non-trade frames are ignored

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewPriceStream(wsAddr(srv), "BTCUSDT",
		func(p float64) { received <- p }, nil,
		backoff.Policy{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond},
		time.Second, zap.NewNop())
	require.NoError(t, stream.Start())
	defer stream.Stop()

	require.Equal(t, StateConnected, stream.State(), "Start must not return before the subscription is live")

	select {
	case p := <-received:
		require.Equal(t, 50100.5, p)
	case <-time.After(2 * time.Second):
		t.Fatal("no trade delivered")
	}
	select {
	case p := <-received:
		require.Equal(t, 50101.0, p)
	case <-time.After(2 * time.Second):
		t.Fatal("second trade not delivered")
	}
}

func TestPriceStreamStartFailsWhenUnreachable(t *testing.T) {
	stream := NewPriceStream("ws://127.0.0.1:1", "BTCUSDT", func(float64) {}, nil,
		backoff.Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2},
		time.Second, zap.NewNop())

	err := stream.Start()
	require.Error(t, err, "Start must surface an unreachable endpoint")
	require.Equal(t, StateDisconnected, stream.State())

	// Stop must not hang after a failed Start.
	done := make(chan struct{})
	go func() {
		stream.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung after a failed Start")
	}
}

func TestPriceStreamStopUnblocksPendingStart(t *testing.T) {
	stream := NewPriceStream("ws://127.0.0.1:1", "BTCUSDT", func(float64) {}, nil,
		backoff.Policy{Base: time.Hour, Max: time.Hour},
		time.Second, zap.NewNop())

	startErr := make(chan error, 1)
	go func() { startErr <- stream.Start() }()

	deadline := time.Now().Add(time.Second)
	for stream.State() != StateBackoff {
		if time.Now().After(deadline) {
			t.Fatal("stream never reached backoff")
		}
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		stream.Stop()
		close(done)
	}()

	select {
	case err := <-startErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not unblock on Stop")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung while the stream was backing off")
	}
}

func TestPriceStreamReportsTerminalFailure(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connected := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]interface{}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		select {
		case connected <- struct{}{}:
		default:
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))

	downC := make(chan error, 1)
	stream := NewPriceStream(wsAddr(srv), "BTCUSDT",
		func(float64) {},
		func(err error) { downC <- err },
		backoff.Policy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 2},
		time.Second, zap.NewNop())
	require.NoError(t, stream.Start())
	defer stream.Stop()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never connected")
	}

	// Kill the feed for good; the reconnect budget must exhaust and report.
	srv.CloseClientConnections()
	srv.Close()

	select {
	case err := <-downC:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("terminal stream failure was never reported")
	}

	deadline := time.Now().Add(time.Second)
	for stream.State() != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatalf("stream never settled disconnected, state %s", stream.State())
		}
		time.Sleep(time.Millisecond)
	}
}
