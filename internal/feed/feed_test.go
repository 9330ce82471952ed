package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn feeds scripted messages to the read loop and then fails, or
// blocks until closed.
type fakeConn struct {
	msgs []string

	mu     sync.Mutex
	idx    int
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(msgs ...string) *fakeConn {
	return &fakeConn{msgs: msgs, closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.idx < len(c.msgs) {
		msg := c.msgs[c.idx]
		c.idx++
		c.mu.Unlock()
		return 1, []byte(msg), nil
	}
	c.mu.Unlock()

	<-c.closed
	return 0, nil, errors.New("use of closed connection")
}

func (c *fakeConn) WriteMessage(int, []byte) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func testFeed(t *testing.T, dial dialFunc) *Binance {
	t.Helper()
	f := NewBinance(slog.New(slog.DiscardHandler), Options{
		URL:           "wss://test.invalid/stream",
		Symbols:       []string{"BTCUSDT"},
		Intervals:     []string{"1m"},
		ReconnectBase: time.Millisecond,
		ReconnectMax:  4 * time.Millisecond,
		MaxReconnects: 3,
	})
	f.dial = dial
	return f
}

func TestFeedStreamURL(t *testing.T) {
	f := NewBinance(slog.New(slog.DiscardHandler), Options{
		URL:       "wss://test.invalid/stream",
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
		Intervals: []string{"1m", "5m"},
	})
	assert.Equal(t,
		"wss://test.invalid/stream?streams=btcusdt@ticker/btcusdt@kline_1m/btcusdt@kline_5m/ethusdt@ticker/ethusdt@kline_1m/ethusdt@kline_5m",
		f.streamURL())
}

func TestFeedConnectFailsOnBadDial(t *testing.T) {
	f := testFeed(t, func(string) (conn, error) {
		return nil, errors.New("connection refused")
	})
	err := f.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, f.Status())
}

func TestFeedAppliesMessages(t *testing.T) {
	c := newFakeConn(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"42000","P":"1.0","v":"10","q":"420000"}}`)
	f := testFeed(t, func(string) (conn, error) { return c, nil })

	require.NoError(t, f.Connect(context.Background()))
	defer f.Close()

	require.Eventually(t, func() bool {
		_, ok := f.LastPrice("BTCUSDT")
		return ok
	}, time.Second, 5*time.Millisecond)

	price, _ := f.LastPrice("BTCUSDT")
	assert.Equal(t, 42000.0, price)
}

func TestFeedGivesUpAfterReconnectBudget(t *testing.T) {
	var dials atomic.Int32
	f := testFeed(t, func(string) (conn, error) {
		if dials.Add(1) == 1 {
			// First dial succeeds, then fails immediately to force reconnects.
			return newFakeConn(), nil
		}
		return nil, errors.New("connection refused")
	})

	require.NoError(t, f.Connect(context.Background()))

	// Drop the connection; every reconnect attempt will fail.
	f.mu.RLock()
	c := f.conn
	f.mu.RUnlock()
	c.Close()

	require.Eventually(t, func() bool {
		return f.Status() == StatusFailed
	}, time.Second, 5*time.Millisecond)

	// Initial dial plus the full reconnect budget, not one more.
	assert.Equal(t, int32(1+3), dials.Load())
	assert.False(t, f.Connected())
}

func TestFeedCloseDoesNotReconnect(t *testing.T) {
	var dials atomic.Int32
	f := testFeed(t, func(string) (conn, error) {
		dials.Add(1)
		return newFakeConn(), nil
	})

	require.NoError(t, f.Connect(context.Background()))
	require.NoError(t, f.Close())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, StatusDisconnected, f.Status())
}
