package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"volatility-estimator/internal/metrics"
	"volatility-estimator/internal/price"
)

const (
	defaultStreamSource     = "Binance"
	defaultStreamSymbol     = "ethusdc"
	defaultReadTimeout      = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultBackoffInitial   = time.Second
	defaultBackoffMax       = 30 * time.Second
)

// ConnState is the connection state of a StreamCollector.
type ConnState int

const (
	// StateDisconnected means no socket is held; the next fetch dials and subscribes.
	StateDisconnected ConnState = iota
	// StateConnected means a subscribed socket is held.
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// StreamOptions parameterise the streaming trade collector.
type StreamOptions struct {
	URL              string
	Symbol           string
	SourceName       string
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

// StreamCollector reads trades from a persistent websocket market-data feed.
type StreamCollector struct {
	opts   StreamOptions
	logger zerolog.Logger
	dialer *websocket.Dialer

	// mu serialises fetches; it guards conn, failures and subscribeID.
	mu          sync.Mutex
	conn        *websocket.Conn
	failures    int
	subscribeID int64

	stateMu sync.RWMutex
	state   ConnState
}

// NewStream constructs a streaming collector in the disconnected state.
func NewStream(opts StreamOptions, logger zerolog.Logger) *StreamCollector {
	if opts.Symbol == "" {
		opts.Symbol = defaultStreamSymbol
	}
	if opts.SourceName == "" {
		opts.SourceName = defaultStreamSource
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = defaultBackoffInitial
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = defaultBackoffMax
		if opts.BackoffMax < opts.BackoffInitial {
			opts.BackoffMax = opts.BackoffInitial
		}
	}

	return &StreamCollector{
		opts:   opts,
		logger: logger.With().Str("component", "stream_collector").Str("source", opts.SourceName).Logger(),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		state: StateDisconnected,
	}
}

// Name returns the source tag attached to produced samples.
func (c *StreamCollector) Name() string {
	return c.opts.SourceName
}

// State reports the current connection state.
func (c *StreamCollector) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *StreamCollector) setState(state ConnState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

// LatestPrice returns the next trade observed on the feed, connecting first if needed.
// A transport error drops the connection and is returned; the next call reconnects.
func (c *StreamCollector) LatestPrice(ctx context.Context) (price.Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnection(ctx); err != nil {
		metrics.RecordFetch(c.opts.SourceName, err)
		return price.Sample{}, err
	}

	sample, err := c.readTrade(ctx)
	metrics.RecordFetch(c.opts.SourceName, err)
	return sample, err
}

// Close drops the connection if one is held.
func (c *StreamCollector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := c.conn.Close()
	c.conn = nil
	c.setState(StateDisconnected)
	return err
}

// ensureConnection dials and subscribes when disconnected. Caller must hold c.mu.
func (c *StreamCollector) ensureConnection(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	if c.failures > 0 {
		wait := c.backoff()
		c.logger.Debug().Dur("wait", wait).Int("failures", c.failures).Msg("backing off before reconnect")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: waiting to reconnect: %w", price.ErrConnection, ctx.Err())
		case <-timer.C:
		}
	}

	conn, err := c.connect(ctx)
	metrics.RecordConnect(c.opts.SourceName, err)
	if err != nil {
		c.failures++
		c.logger.Warn().Err(err).Int("failures", c.failures).Msg("feed connection failed")
		return err
	}

	c.failures = 0
	c.conn = conn
	c.setState(StateConnected)
	c.logger.Info().Str("stream", c.streamName()).Msg("feed connected and subscribed")
	return nil
}

func (c *StreamCollector) connect(ctx context.Context) (*websocket.Conn, error) {
	c.logger.Info().Str("url", c.opts.URL).Msg("establishing feed connection")

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s (status %d): %w", price.ErrConnection, c.opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", price.ErrConnection, c.opts.URL, err)
	}

	if err := c.subscribe(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *StreamCollector) subscribe(ctx context.Context, conn *websocket.Conn) error {
	c.subscribeID++
	req := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{c.streamName()},
		ID:     c.subscribeID,
	}

	deadline := c.deadline(ctx, c.opts.HandshakeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("%w: send subscription: %w", price.ErrConnection, err)
	}
	c.logger.Debug().Str("stream", req.Params[0]).Int64("id", req.ID).Msg("subscription sent")

	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: await subscription ack: %w", price.ErrConnection, err)
	}
	c.logger.Debug().Bytes("ack", data).Msg("subscription acknowledged")

	var ack subscribeAck
	if json.Unmarshal(data, &ack) == nil && ack.Error != nil {
		return fmt.Errorf("%w: subscription rejected (code %d): %s", price.ErrConnection, ack.Error.Code, ack.Error.Msg)
	}
	return nil
}

// readTrade reads frames until a trade decodes. Caller must hold c.mu.
func (c *StreamCollector) readTrade(ctx context.Context) (price.Sample, error) {
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		var (
			msgType int
			data    []byte
			err     error
		)
		if err = ctx.Err(); err == nil {
			_ = conn.SetReadDeadline(c.deadline(ctx, c.opts.ReadTimeout))
			msgType, data, err = conn.ReadMessage()
		}
		if err != nil {
			c.drop()
			c.logger.Error().Err(err).Msg("feed read failed; connection dropped")
			if ctxErr := ctx.Err(); ctxErr != nil {
				return price.Sample{}, fmt.Errorf("%w: read: %w", price.ErrConnection, ctxErr)
			}
			return price.Sample{}, fmt.Errorf("%w: read: %w", price.ErrConnection, err)
		}

		if msgType != websocket.TextMessage {
			c.logger.Debug().Int("type", msgType).Msg("ignoring non-text frame")
			metrics.RecordDiscard(c.opts.SourceName, "non_text")
			continue
		}

		sample, ok, err := c.decodeTrade(data)
		if err != nil {
			return price.Sample{}, err
		}
		if !ok {
			continue
		}
		metrics.RecordPrice(c.opts.SourceName, sample.Price)
		return sample, nil
	}
}

// decodeTrade turns a text frame into a sample. Frames that are not trades report ok=false.
func (c *StreamCollector) decodeTrade(data []byte) (price.Sample, bool, error) {
	var event tradeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.logger.Debug().Err(err).Bytes("frame", data).Msg("discarding undecodable frame")
		metrics.RecordDiscard(c.opts.SourceName, "undecodable")
		return price.Sample{}, false, nil
	}
	if event.Price == nil || event.TradeTime == nil {
		c.logger.Debug().Bytes("frame", data).Msg("discarding non-trade frame")
		metrics.RecordDiscard(c.opts.SourceName, "not_trade")
		return price.Sample{}, false, nil
	}
	if event.EventType != "" && event.EventType != "trade" {
		metrics.RecordDiscard(c.opts.SourceName, "not_trade")
		return price.Sample{}, false, nil
	}

	value, err := decimal.NewFromString(strings.TrimSpace(*event.Price))
	if err != nil {
		c.logger.Debug().Str("price", *event.Price).Msg("discarding trade with non-numeric price")
		metrics.RecordDiscard(c.opts.SourceName, "bad_price")
		return price.Sample{}, false, nil
	}

	sample := price.Sample{
		Timestamp: time.Unix(*event.TradeTime/1000, 0).UTC(),
		Price:     value.InexactFloat64(),
		Source:    c.opts.SourceName,
	}
	if err := sample.Validate(); err != nil {
		return price.Sample{}, false, err
	}

	c.logger.Debug().Float64("price", sample.Price).Time("ts", sample.Timestamp).Msg("trade decoded")
	return sample, true, nil
}

// drop closes the socket and returns to the disconnected state. Caller must hold c.mu.
func (c *StreamCollector) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.setState(StateDisconnected)
}

func (c *StreamCollector) backoff() time.Duration {
	wait := c.opts.BackoffInitial
	for i := 1; i < c.failures; i++ {
		wait *= 2
		if wait >= c.opts.BackoffMax {
			return c.opts.BackoffMax
		}
	}
	return wait
}

func (c *StreamCollector) deadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

func (c *StreamCollector) streamName() string {
	return strings.ToLower(c.opts.Symbol) + "@trade"
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

type subscribeAck struct {
	ID    *int64 `json:"id"`
	Error *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

// tradeEvent lists the case-colliding keys (e/E, t/T) explicitly so encoding/json's
// case-insensitive matching cannot route one into the other.
type tradeEvent struct {
	EventType string  `json:"e"`
	EventTime *int64  `json:"E"`
	TradeID   *int64  `json:"t"`
	Price     *string `json:"p"`
	TradeTime *int64  `json:"T"`
}

var _ price.Collector = (*StreamCollector)(nil)
