// Package rules defines the read-only market context handed to sandboxed
// rule code.
package rules

import "sentinel/internal/model"

// Market is the per-symbol view a rule's Match function receives. Fields are
// unexported so rule code can read but never mutate engine state.
type Market struct {
	tick    model.Tick
	candles map[string][]model.Candle
}

// NewMarket builds a market view from a snapshot tick and candle series set.
func NewMarket(tick model.Tick, candles map[string][]model.Candle) *Market {
	return &Market{tick: tick, candles: candles}
}

// Symbol returns the instrument symbol under evaluation.
func (m *Market) Symbol() string { return m.tick.Symbol }

// Price returns the last traded price.
func (m *Market) Price() float64 { return m.tick.Price }

// ChangePct returns the 24h price change in percent.
func (m *Market) ChangePct() float64 { return m.tick.ChangePct }

// Volume returns the 24h base-asset volume.
func (m *Market) Volume() float64 { return m.tick.Volume }

// QuoteVolume returns the 24h quote-asset volume.
func (m *Market) QuoteVolume() float64 { return m.tick.QuoteVolume }

// Candles returns the candle series for an interval, oldest first, or nil.
func (m *Market) Candles(interval string) []model.Candle { return m.candles[interval] }

// HasSeries reports whether a non-empty series exists for the interval.
func (m *Market) HasSeries(interval string) bool { return len(m.candles[interval]) > 0 }
