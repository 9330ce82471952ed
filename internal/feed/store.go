package feed

import (
	"sync"
	"time"

	"sentinel/internal/model"
)

// maxCandles bounds every (symbol, interval) series to the most recent entries.
const maxCandles = 250

// marketStore holds the live tick and candle state. The websocket read loop
// is the sole writer; Snapshot copies everything so readers never lock or
// observe a half-applied update.
type marketStore struct {
	mu         sync.RWMutex
	ticks      map[string]model.Tick
	candles    map[string]map[string][]model.Candle
	lastUpdate time.Time
}

func newMarketStore() *marketStore {
	return &marketStore{
		ticks:   make(map[string]model.Tick),
		candles: make(map[string]map[string][]model.Candle),
	}
}

// setTick replaces the latest tick for a symbol.
func (s *marketStore) setTick(tick model.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[tick.Symbol] = tick
	s.lastUpdate = time.Now()
}

// upsertCandle updates the still-forming last candle in place when the open
// time matches, otherwise appends and trims the series to maxCandles.
func (s *marketStore) upsertCandle(candle model.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byInterval, ok := s.candles[candle.Symbol]
	if !ok {
		byInterval = make(map[string][]model.Candle)
		s.candles[candle.Symbol] = byInterval
	}

	series := byInterval[candle.Interval]
	if n := len(series); n > 0 && series[n-1].OpenTime.Equal(candle.OpenTime) {
		series[n-1] = candle
	} else {
		series = append(series, candle)
		if len(series) > maxCandles {
			series = series[len(series)-maxCandles:]
		}
	}
	byInterval[candle.Interval] = series
	s.lastUpdate = time.Now()
}

// lastPrice returns the most recent traded price for a symbol.
func (s *marketStore) lastPrice(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick, ok := s.ticks[symbol]
	return tick.Price, ok
}

// snapshot deep-copies the tracked state into an immutable model.Snapshot.
func (s *marketStore) snapshot() *model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticks := make(map[string]model.Tick, len(s.ticks))
	for symbol, tick := range s.ticks {
		ticks[symbol] = tick
	}

	candles := make(map[string]map[string][]model.Candle, len(s.candles))
	for symbol, byInterval := range s.candles {
		copied := make(map[string][]model.Candle, len(byInterval))
		for interval, series := range byInterval {
			out := make([]model.Candle, len(series))
			copy(out, series)
			copied[interval] = out
		}
		candles[symbol] = copied
	}

	return &model.Snapshot{
		TakenAt: time.Now(),
		Ticks:   ticks,
		Candles: candles,
	}
}

// sinceUpdate returns the elapsed time since the last feed message.
func (s *marketStore) sinceUpdate() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastUpdate.IsZero() {
		return 0
	}
	return time.Since(s.lastUpdate)
}
