package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"binance-signal-service/internal/market"
)

const (
	// FuturesWSURL is the production combined-stream endpoint.
	FuturesWSURL = "wss://fstream.binance.com"

	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 30 * time.Second
	wsEventBuffer      = 4096
)

// WSClient maintains a single combined-stream session subscribed to
// bookTicker and kline_1m for all configured symbols. A reader goroutine
// buffers events; ReadEvents drains them without blocking. The client
// never reconnects: a dead session surfaces a *StreamError and the
// source manager owns the retry policy.
type WSClient struct {
	baseURL     string
	symbols     []string
	readTimeout time.Duration
	logger      zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	events    chan market.StreamEvent
	streamErr error
	dropped   int64
}

// NewWSClient builds a client for the given symbols against baseURL
// (empty selects the production endpoint).
func NewWSClient(baseURL string, symbols []string, logger zerolog.Logger) *WSClient {
	if baseURL == "" {
		baseURL = FuturesWSURL
	}
	return &WSClient{
		baseURL:     baseURL,
		symbols:     symbols,
		readTimeout: wsReadTimeout,
		logger:      logger.With().Str("component", "binance_ws").Logger(),
	}
}

// StreamURL is the combined-stream URL for the configured symbols.
func (c *WSClient) StreamURL() string {
	streams := make([]string, 0, len(c.symbols)*2)
	for _, s := range c.symbols {
		lower := strings.ToLower(s)
		streams = append(streams, lower+"@bookTicker", lower+"@kline_1m")
	}
	return c.baseURL + "/stream?streams=" + strings.Join(streams, "/")
}

// Start dials the session and begins buffering events. Calling Start on
// a live session is an error; after Close or a stream failure a fresh
// Start opens a new session.
func (c *WSClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return &StreamError{Err: fmt.Errorf("session already open")}
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.Dial(c.StreamURL(), nil)
	if err != nil {
		return &StreamError{Err: err}
	}

	c.conn = conn
	c.events = make(chan market.StreamEvent, wsEventBuffer)
	c.streamErr = nil
	c.dropped = 0
	go c.readLoop(conn, c.events)

	c.logger.Info().Int("symbols", len(c.symbols)).Msg("ws_connected")
	return nil
}

// Connected reports whether a session is open and has not failed.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.streamErr == nil
}

// ReadEvents returns every buffered event in arrival order. Once the
// buffer is drained a dead session returns the terminal *StreamError;
// a healthy session returns the batch (possibly empty) and nil.
func (c *WSClient) ReadEvents() ([]market.StreamEvent, error) {
	c.mu.Lock()
	events := c.events
	terminal := c.streamErr
	c.mu.Unlock()

	if events == nil {
		return nil, &StreamError{Err: fmt.Errorf("session not started")}
	}

	var batch []market.StreamEvent
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if len(batch) > 0 {
					return batch, nil
				}
				return nil, terminalOr(terminal)
			}
			batch = append(batch, ev)
		default:
			if terminal != nil && len(batch) == 0 {
				return nil, terminal
			}
			return batch, nil
		}
	}
}

func terminalOr(err error) error {
	if err != nil {
		return err
	}
	return &StreamError{Err: fmt.Errorf("session closed")}
}

// Close tears down the session. Idempotent.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn, events chan market.StreamEvent) {
	defer close(events)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			c.fail(conn, err)
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.fail(conn, err)
			return
		}
		ev, err := parseStreamMessage(payload)
		if err != nil {
			c.fail(conn, err)
			return
		}
		if ev == nil {
			continue
		}
		select {
		case events <- *ev:
		default:
			// Reader outpaced the consumer; drop and count.
			c.mu.Lock()
			c.dropped++
			n := c.dropped
			c.mu.Unlock()
			if n%1000 == 1 {
				c.logger.Warn().Int64("dropped", n).Msg("ws_buffer_full")
			}
		}
	}
}

func (c *WSClient) fail(conn *websocket.Conn, err error) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.streamErr == nil {
		c.streamErr = &StreamError{Err: err}
	}
	c.mu.Unlock()
	c.logger.Warn().Err(err).Msg("ws_session_failed")
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerPayload struct {
	EventType string  `json:"e"`
	Symbol    string  `json:"s"`
	BidPrice  float64 `json:"b,string"`
	AskPrice  float64 `json:"a,string"`
	EventTime int64   `json:"E"`
}

type klinePayload struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	EventTime int64  `json:"E"`
	Kline     struct {
		OpenTime  int64   `json:"t"`
		CloseTime int64   `json:"T"`
		Open      float64 `json:"o,string"`
		High      float64 `json:"h,string"`
		Low       float64 `json:"l,string"`
		Close     float64 `json:"c,string"`
		Volume    float64 `json:"v,string"`
		IsClosed  bool    `json:"x"`
	} `json:"k"`
}

// parseStreamMessage maps one combined-stream frame to a StreamEvent. Frames
// for channels the client never subscribed to return (nil, nil); frames
// that fail to parse are errors because they indicate protocol drift the
// failover path should notice.
func parseStreamMessage(payload []byte) (*market.StreamEvent, error) {
	var frame combinedFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if len(frame.Data) == 0 {
		return nil, nil
	}

	switch {
	case strings.Contains(frame.Stream, "@bookTicker"):
		var bt bookTickerPayload
		if err := json.Unmarshal(frame.Data, &bt); err != nil {
			return nil, fmt.Errorf("malformed bookTicker: %w", err)
		}
		price := midpoint(bt.BidPrice, bt.AskPrice)
		if price <= 0 {
			return nil, nil
		}
		nowMS := time.Now().UnixMilli()
		eventMS := bt.EventTime
		if eventMS == 0 {
			eventMS = nowMS
		}
		return &market.StreamEvent{Tick: &market.PriceTick{
			Symbol:         strings.ToUpper(bt.Symbol),
			Price:          price,
			EventTimeMS:    eventMS,
			ReceivedTimeMS: nowMS,
		}}, nil

	case strings.Contains(frame.Stream, "@kline"):
		var kl klinePayload
		if err := json.Unmarshal(frame.Data, &kl); err != nil {
			return nil, fmt.Errorf("malformed kline: %w", err)
		}
		eventMS := kl.EventTime
		if eventMS == 0 {
			eventMS = time.Now().UnixMilli()
		}
		return &market.StreamEvent{Candle: &market.CandleUpdate{
			Symbol:      strings.ToUpper(kl.Symbol),
			EventTimeMS: eventMS,
			Candle: market.Candle1m{
				OpenTimeMS:  kl.Kline.OpenTime,
				Open:        kl.Kline.Open,
				High:        kl.Kline.High,
				Low:         kl.Kline.Low,
				Close:       kl.Kline.Close,
				Volume:      kl.Kline.Volume,
				CloseTimeMS: kl.Kline.CloseTime,
				IsClosed:    kl.Kline.IsClosed,
			},
		}}, nil
	}
	return nil, nil
}

// midpoint is the bid/ask mid when both sides are present, otherwise
// whichever side exists.
func midpoint(bid, ask float64) float64 {
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}
