package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sentinel/internal/model"
)

func candlesFromCloses(closes ...float64) []model.Candle {
	open := time.Unix(1700000000, 0)
	out := make([]model.Candle, len(closes))
	for i, c := range closes {
		out[i] = model.Candle{
			Symbol:   "BTCUSDT",
			Interval: "1m",
			OpenTime: open.Add(time.Duration(i) * time.Minute),
			Open:     c,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   10,
			Closed:   true,
		}
	}
	return out
}

func TestSMA(t *testing.T) {
	candles := candlesFromCloses(1, 2, 3, 4, 5)

	assert.Equal(t, 4.0, SMA(candles, 3)) // (3+4+5)/3
	assert.Equal(t, 3.0, SMA(candles, 5))
	assert.Equal(t, 0.0, SMA(candles, 6), "short series yields zero")
	assert.Equal(t, 0.0, SMA(nil, 3))
}

func TestEMA(t *testing.T) {
	candles := candlesFromCloses(22.27, 22.19, 22.08, 22.17, 22.18, 22.13, 22.23, 22.43, 22.24, 22.29, 22.15, 22.39)

	// Seeded with the SMA of the first 10 closes, then two smoothing steps.
	got := EMA(candles, 10)
	assert.InDelta(t, 22.23, got, 0.02)
	assert.Equal(t, 0.0, EMA(candles, 13))
}

func TestWMA(t *testing.T) {
	candles := candlesFromCloses(1, 2, 3)
	// (1*1 + 2*2 + 3*3) / (1+2+3)
	assert.InDelta(t, 14.0/6.0, WMA(candles, 3), 1e-9)
}

func TestRSI(t *testing.T) {
	t.Run("neutral on short series", func(t *testing.T) {
		assert.Equal(t, 50.0, RSI(candlesFromCloses(1, 2, 3), 14))
	})

	t.Run("all gains saturate at 100", func(t *testing.T) {
		closes := make([]float64, 20)
		for i := range closes {
			closes[i] = 100 + float64(i)
		}
		assert.Equal(t, 100.0, RSI(candlesFromCloses(closes...), 14))
	})

	t.Run("alternating series stays mid-range", func(t *testing.T) {
		closes := make([]float64, 30)
		for i := range closes {
			closes[i] = 100 + float64(i%2)
		}
		rsi := RSI(candlesFromCloses(closes...), 14)
		assert.Greater(t, rsi, 30.0)
		assert.Less(t, rsi, 70.0)
	})

	t.Run("downtrend reads oversold", func(t *testing.T) {
		closes := make([]float64, 20)
		for i := range closes {
			closes[i] = 100 - float64(i)
		}
		assert.Less(t, RSI(candlesFromCloses(closes...), 14), 30.0)
	})
}

func TestMACD(t *testing.T) {
	t.Run("zero on short series", func(t *testing.T) {
		macd, signal, hist := MACD(candlesFromCloses(1, 2, 3))
		assert.Zero(t, macd)
		assert.Zero(t, signal)
		assert.Zero(t, hist)
	})

	t.Run("positive in an uptrend", func(t *testing.T) {
		closes := make([]float64, 60)
		for i := range closes {
			closes[i] = 100 + float64(i)
		}
		macd, _, _ := MACD(candlesFromCloses(closes...))
		assert.Greater(t, macd, 0.0)
	})
}

func TestBollingerBands(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 100 + float64(i%2) // alternates 100, 101
	}
	upper, middle, lower := BollingerBands(candlesFromCloses(closes...), 20, 2)

	assert.InDelta(t, 100.5, middle, 1e-9)
	assert.InDelta(t, 101.5, upper, 1e-9) // sigma = 0.5
	assert.InDelta(t, 99.5, lower, 1e-9)
	assert.Greater(t, upper, middle)
	assert.Less(t, lower, middle)
}

func TestVWAP(t *testing.T) {
	candles := candlesFromCloses(100, 200)
	// Typical price equals close here because high/low are symmetric.
	assert.InDelta(t, 150.0, VWAP(candles), 1e-9)
	assert.Equal(t, 0.0, VWAP(nil))
}

func TestATR(t *testing.T) {
	candles := candlesFromCloses(100, 100, 100)
	// Constant closes with a symmetric 2-unit range each candle.
	assert.InDelta(t, 2.0, ATR(candles, 2), 1e-9)
	assert.Equal(t, 0.0, ATR(candles, 5))
}

func TestStochastic(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	k, d := Stochastic(candlesFromCloses(closes...), 14, 3)
	// A relentless uptrend closes near the top of its range.
	assert.Greater(t, k, 80.0)
	assert.Greater(t, d, 80.0)

	k, d = Stochastic(candlesFromCloses(1, 2), 14, 3)
	assert.Equal(t, 50.0, k)
	assert.Equal(t, 50.0, d)
}

func TestROC(t *testing.T) {
	candles := candlesFromCloses(100, 105, 110)
	assert.InDelta(t, 10.0, ROC(candles, 2), 1e-9)
	assert.Equal(t, 0.0, ROC(candles, 3))
}

func TestOBV(t *testing.T) {
	// up, down, up with volume 10 each: +10 -10 +10
	assert.InDelta(t, 10.0, OBV(candlesFromCloses(100, 101, 100, 102)), 1e-9)
}

func TestHighestHighLowestLow(t *testing.T) {
	candles := candlesFromCloses(100, 105, 103)

	assert.Equal(t, 106.0, HighestHigh(candles, 3))
	assert.Equal(t, 99.0, LowestLow(candles, 3))
	assert.Equal(t, 104.0, HighestHigh(candles, 1))
	assert.Equal(t, 0.0, HighestHigh(nil, 3))
}

func TestPriceChangePercent(t *testing.T) {
	candles := candlesFromCloses(100, 101, 110)
	assert.InDelta(t, 10.0, PriceChangePercent(candles, 2), 1e-9)
	assert.Equal(t, 0.0, PriceChangePercent(candles, 5))
}
