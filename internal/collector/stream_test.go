package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"volatility-estimator/internal/price"
)

// feedServer is a minimal trade feed: it answers one subscription and then runs a script per connection.
type feedServer struct {
	t        *testing.T
	srv      *httptest.Server
	connects atomic.Int32

	mu      sync.Mutex
	streams []string
}

type connScript func(conn *websocket.Conn)

func newFeedServer(t *testing.T, ack string, scripts ...connScript) *feedServer {
	t.Helper()

	fs := &feedServer{t: t}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		idx := int(fs.connects.Add(1)) - 1

		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		fs.mu.Lock()
		fs.streams = append(fs.streams, strings.Join(req.Params, ","))
		fs.mu.Unlock()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
			return
		}

		if idx < len(scripts) {
			scripts[idx](conn)
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func tradeFrame(priceStr string, tradeTimeMillis int64) []byte {
	payload, _ := json.Marshal(map[string]any{
		"e": "trade",
		"E": tradeTimeMillis + 3,
		"s": "ETHUSDC",
		"t": 987654,
		"p": priceStr,
		"q": "0.5",
		"T": tradeTimeMillis,
		"m": true,
		"M": true,
	})
	return payload
}

func waitForClose(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testStream(url string) *StreamCollector {
	return NewStream(StreamOptions{
		URL:            url,
		Symbol:         "ETHUSDC",
		ReadTimeout:    2 * time.Second,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}, zerolog.Nop())
}

const okAck = `{"result":null,"id":1}`

func TestStreamLatestPriceSkipsMalformedFrames(t *testing.T) {
	fs := newFeedServer(t, okAck, func(conn *websocket.Conn) {
		frames := [][]byte{
			[]byte(`{"result":null,"id":7}`),
			[]byte(`not json at all`),
			[]byte(`{"e":"trade","p":"3100.5"}`),
			[]byte(`{"e":"trade","T":1700000000000}`),
			tradeFrame("abc", 1700000000000),
		}
		for _, f := range frames {
			_ = conn.WriteMessage(websocket.TextMessage, f)
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		_ = conn.WriteMessage(websocket.TextMessage, tradeFrame("3150.25", 1700000123456))
		waitForClose(conn)
	})

	c := testStream(fs.url())
	defer c.Close()

	sample, err := c.LatestPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3150.25, sample.Price)
	require.Equal(t, "Binance", sample.Source)
	require.Equal(t, time.Unix(1700000123, 0).UTC(), sample.Timestamp)
	require.Equal(t, time.UTC, sample.Timestamp.Location())
	require.Equal(t, StateConnected, c.State())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	require.Equal(t, []string{"ethusdc@trade"}, fs.streams)
}

func TestStreamReusesConnectionAcrossFetches(t *testing.T) {
	fs := newFeedServer(t, okAck, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, tradeFrame("100", 1700000000000))
		_ = conn.WriteMessage(websocket.TextMessage, tradeFrame("101", 1700000001000))
		waitForClose(conn)
	})

	c := testStream(fs.url())
	defer c.Close()

	first, err := c.LatestPrice(context.Background())
	require.NoError(t, err)
	second, err := c.LatestPrice(context.Background())
	require.NoError(t, err)

	require.Equal(t, 100.0, first.Price)
	require.Equal(t, 101.0, second.Price)
	require.Equal(t, int32(1), fs.connects.Load())
}

func TestStreamReadErrorForcesReconnect(t *testing.T) {
	fs := newFeedServer(t, okAck,
		func(conn *websocket.Conn) {
			// one trade, then the server drops the socket
			_ = conn.WriteMessage(websocket.TextMessage, tradeFrame("2000", 1700000000000))
		},
		func(conn *websocket.Conn) {
			_ = conn.WriteMessage(websocket.TextMessage, tradeFrame("2001.5", 1700000060000))
			waitForClose(conn)
		},
	)

	c := testStream(fs.url())
	defer c.Close()

	sample, err := c.LatestPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2000.0, sample.Price)

	_, err = c.LatestPrice(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, price.ErrConnection), "want ErrConnection, got %v", err)
	require.Equal(t, StateDisconnected, c.State())
	require.Equal(t, int32(1), fs.connects.Load())

	sample, err = c.LatestPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2001.5, sample.Price)
	require.Equal(t, int32(2), fs.connects.Load())
	require.Equal(t, StateConnected, c.State())
}

func TestStreamRejectedSubscription(t *testing.T) {
	fs := newFeedServer(t, `{"error":{"code":2,"msg":"Invalid request"},"id":1}`)

	c := testStream(fs.url())
	defer c.Close()

	_, err := c.LatestPrice(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, price.ErrConnection)
	require.Contains(t, err.Error(), "Invalid request")
	require.Equal(t, StateDisconnected, c.State())
}

func TestStreamDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := testStream(url)
	_, err := c.LatestPrice(context.Background())
	require.ErrorIs(t, err, price.ErrConnection)
	require.Equal(t, StateDisconnected, c.State())
}

func TestStreamNonPositivePriceIsDataError(t *testing.T) {
	fs := newFeedServer(t, okAck, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, tradeFrame("0", 1700000000000))
		_ = conn.WriteMessage(websocket.TextMessage, tradeFrame("5", 1700000001000))
		waitForClose(conn)
	})

	c := testStream(fs.url())
	defer c.Close()

	_, err := c.LatestPrice(context.Background())
	require.ErrorIs(t, err, price.ErrData)
	require.Equal(t, StateConnected, c.State())

	sample, err := c.LatestPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5.0, sample.Price)
}

func TestStreamContextCancelUnblocksRead(t *testing.T) {
	fs := newFeedServer(t, okAck, func(conn *websocket.Conn) {
		waitForClose(conn)
	})

	c := testStream(fs.url())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.LatestPrice(ctx)
	require.ErrorIs(t, err, price.ErrConnection)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, StateDisconnected, c.State())
}

func TestStreamConcurrentFetchesSerialise(t *testing.T) {
	fs := newFeedServer(t, okAck, func(conn *websocket.Conn) {
		for i := 0; i < 4; i++ {
			_ = conn.WriteMessage(websocket.TextMessage, tradeFrame("42", 1700000000000+int64(i)*1000))
		}
		waitForClose(conn)
	})

	c := testStream(fs.url())
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.LatestPrice(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), fs.connects.Load())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	c := NewStream(StreamOptions{URL: "ws://unused", BackoffInitial: time.Second, BackoffMax: 5 * time.Second}, zerolog.Nop())

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, want := range expected {
		c.failures = i + 1
		require.Equal(t, want, c.backoff(), "failures=%d", i+1)
	}
}

func TestConnStateString(t *testing.T) {
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "disconnected", StateDisconnected.String())
}
