package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sentinel/internal/model"
)

// Status is the connection health of the feed.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	// StatusFailed means the reconnect budget is exhausted; the feed will not
	// retry again until Connect is called.
	StatusFailed Status = "failed"
)

// Feed is the read surface the rest of the engine depends on.
type Feed interface {
	Connect(ctx context.Context) error
	Snapshot() *model.Snapshot
	Ticks() <-chan model.Tick
	Candles() <-chan model.Candle
	LastPrice(symbol string) (float64, bool)
	Connected() bool
	Status() Status
	Latency() time.Duration
	Close() error
}

// conn is the slice of *websocket.Conn the feed actually uses; tests inject
// a fake through dialFunc.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(url string) (conn, error)

func gorillaDial(url string) (conn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	return c, err
}

// Options configures a Binance feed.
type Options struct {
	URL           string // combined-stream endpoint, defaults to Binance
	Symbols       []string
	Intervals     []string
	ReconnectBase time.Duration // first retry delay, doubles up to ReconnectMax
	ReconnectMax  time.Duration
	MaxReconnects int // consecutive failures before giving up
}

const defaultStreamURL = "wss://stream.binance.com:9443/stream"

func (o *Options) withDefaults() {
	if o.URL == "" {
		o.URL = defaultStreamURL
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 5 * time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 60 * time.Second
	}
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = 10
	}
}

// Binance maintains one multiplexed websocket subscription covering every
// configured (symbol, interval) pair plus the 24h ticker per symbol.
type Binance struct {
	logger *slog.Logger
	opts   Options
	store  *marketStore
	dial   dialFunc

	ticks   chan model.Tick
	candles chan model.Candle

	mu      sync.RWMutex
	conn    conn
	status  Status
	closing bool
	done    chan struct{}
}

// NewBinance creates a feed for the given symbol/interval set.
func NewBinance(logger *slog.Logger, opts Options) *Binance {
	opts.withDefaults()
	return &Binance{
		logger:  logger,
		opts:    opts,
		store:   newMarketStore(),
		dial:    gorillaDial,
		ticks:   make(chan model.Tick, 256),
		candles: make(chan model.Candle, 256),
		status:  StatusDisconnected,
	}
}

// streamURL builds the combined-stream URL carrying the full subscription
// set, so a reconnect re-subscribes everything in one dial.
func (f *Binance) streamURL() string {
	streams := make([]string, 0, len(f.opts.Symbols)*(1+len(f.opts.Intervals)))
	for _, symbol := range f.opts.Symbols {
		lower := strings.ToLower(symbol)
		streams = append(streams, lower+"@ticker")
		for _, interval := range f.opts.Intervals {
			streams = append(streams, fmt.Sprintf("%s@kline_%s", lower, interval))
		}
	}
	return f.opts.URL + "?streams=" + strings.Join(streams, "/")
}

// Connect dials the exchange and starts the read loop. The initial dial is
// synchronous so startup fails loudly on bad configuration; subsequent
// disconnects are handled by the bounded reconnect loop.
func (f *Binance) Connect(ctx context.Context) error {
	url := f.streamURL()
	f.logger.Info("Feed: connecting", "url", f.opts.URL, "symbols", len(f.opts.Symbols), "intervals", len(f.opts.Intervals))

	c, err := f.dial(url)
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.opts.URL, err)
	}

	f.mu.Lock()
	f.conn = c
	f.status = StatusConnected
	f.closing = false
	f.done = make(chan struct{})
	f.mu.Unlock()

	go f.run(ctx, c)
	return nil
}

// run reads messages until the connection drops, then hands off to the
// reconnect loop. Intentional Close never triggers reconnection.
func (f *Binance) run(ctx context.Context, c conn) {
	defer close(f.done)

	for {
		if err := f.readLoop(ctx, c); err == nil {
			// Clean shutdown, either Close() or context cancellation.
			return
		}

		f.setStatus(StatusReconnecting)
		var reconnected bool
		c, reconnected = f.reconnect(ctx)
		if !reconnected {
			return
		}
	}
}

// readLoop pumps messages into the store until an error or shutdown. A nil
// return means the loop ended intentionally.
func (f *Binance) readLoop(ctx context.Context, c conn) error {
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil
		default:
		}

		_, payload, err := c.ReadMessage()
		if err != nil {
			if f.isClosing() {
				return nil
			}
			f.logger.Error("Feed: read failed", "error", err)
			c.Close()
			return err
		}
		f.handleMessage(payload)
	}
}

// reconnect retries with exponential backoff up to the configured attempt
// budget. Exhausting the budget marks the feed failed rather than retrying
// forever.
func (f *Binance) reconnect(ctx context.Context) (conn, bool) {
	backoff := f.opts.ReconnectBase

	for attempt := 1; attempt <= f.opts.MaxReconnects; attempt++ {
		if f.isClosing() {
			return nil, false
		}

		f.logger.Info("Feed: reconnecting", "attempt", attempt, "max", f.opts.MaxReconnects, "backoff", backoff)
		c, err := f.dial(f.streamURL())
		if err == nil {
			f.mu.Lock()
			f.conn = c
			f.status = StatusConnected
			f.mu.Unlock()
			f.logger.Info("Feed: reconnected", "attempt", attempt)
			return c, true
		}

		f.logger.Error("Feed: reconnect failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.opts.ReconnectMax {
			backoff = f.opts.ReconnectMax
		}
	}

	f.setStatus(StatusFailed)
	f.logger.Error("Feed: giving up after repeated reconnect failures", "attempts", f.opts.MaxReconnects)
	return nil, false
}

// handleMessage normalizes one combined-stream payload into the store and
// publishes it without ever blocking the read loop.
func (f *Binance) handleMessage(payload []byte) {
	var msg streamMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		f.logger.Warn("Feed: unparseable message", "error", err)
		return
	}

	switch msg.Data.Event {
	case "24hrTicker":
		tick, err := msg.tick()
		if err != nil {
			f.logger.Warn("Feed: bad ticker payload", "symbol", msg.Data.Symbol, "error", err)
			return
		}
		f.store.setTick(tick)
		select {
		case f.ticks <- tick:
		default:
		}

	case "kline":
		candle, err := msg.Data.Kline.candle()
		if err != nil {
			f.logger.Warn("Feed: bad kline payload", "symbol", msg.Data.Symbol, "error", err)
			return
		}
		f.store.upsertCandle(candle)
		select {
		case f.candles <- candle:
		default:
		}
	}
}

// Snapshot returns an immutable point-in-time copy of all tracked data.
func (f *Binance) Snapshot() *model.Snapshot { return f.store.snapshot() }

// Ticks exposes the live tick stream. Slow consumers miss updates instead
// of stalling the feed.
func (f *Binance) Ticks() <-chan model.Tick { return f.ticks }

// Candles exposes the live candle stream.
func (f *Binance) Candles() <-chan model.Candle { return f.candles }

// LastPrice returns the most recent traded price for a symbol.
func (f *Binance) LastPrice(symbol string) (float64, bool) { return f.store.lastPrice(symbol) }

// Connected reports whether the websocket is currently established.
func (f *Binance) Connected() bool { return f.Status() == StatusConnected }

// Status returns the current connection health.
func (f *Binance) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

// Latency returns the time since the last message was applied.
func (f *Binance) Latency() time.Duration { return f.store.sinceUpdate() }

// Close shuts the feed down without triggering reconnection.
func (f *Binance) Close() error {
	f.mu.Lock()
	f.closing = true
	f.status = StatusDisconnected
	c := f.conn
	done := f.done
	f.mu.Unlock()

	var err error
	if c != nil {
		err = c.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	return err
}

func (f *Binance) setStatus(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *Binance) isClosing() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.closing
}
