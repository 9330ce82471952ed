// Package indicators provides the technical-analysis helpers exposed to
// sandboxed rule code. Every function is pure and tolerates short series by
// returning a neutral value instead of panicking.
package indicators

import (
	"math"

	"sentinel/internal/model"
)

// Closes extracts close prices from a candle series.
func Closes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts high prices from a candle series.
func Highs(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts low prices from a candle series.
func Lows(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

// Volumes extracts volumes from a candle series.
func Volumes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// SMA returns the simple moving average of the last period closes.
func SMA(candles []model.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Close
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average of closes, seeded with an SMA
// over the first period values.
func EMA(candles []model.Candle, period int) float64 {
	return emaSeries(Closes(candles), period)
}

// WMA returns the linearly weighted moving average of the last period closes.
func WMA(candles []model.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	var sum, weights float64
	window := candles[len(candles)-period:]
	for i, c := range window {
		w := float64(i + 1)
		sum += c.Close * w
		weights += w
	}
	return sum / weights
}

// RSI returns Wilder's relative strength index over the given period.
// Short series yield the neutral value 50.
func RSI(candles []model.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 50
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the MACD line (EMA12-EMA26), its EMA9 signal line and the
// histogram.
func MACD(candles []model.Candle) (macd, signal, histogram float64) {
	closes := Closes(candles)
	if len(closes) < 26 {
		return 0, 0, 0
	}

	macdSeries := make([]float64, 0, len(closes)-25)
	for i := 26; i <= len(closes); i++ {
		window := closes[:i]
		macdSeries = append(macdSeries, emaSeries(window, 12)-emaSeries(window, 26))
	}

	macd = macdSeries[len(macdSeries)-1]
	signal = emaSeries(macdSeries, 9)
	return macd, signal, macd - signal
}

// BollingerBands returns the upper, middle and lower band for the given
// period and standard-deviation multiplier.
func BollingerBands(candles []model.Candle, period int, stdDev float64) (upper, middle, lower float64) {
	if period <= 0 || len(candles) < period {
		return 0, 0, 0
	}
	middle = SMA(candles, period)

	variance := 0.0
	for _, c := range candles[len(candles)-period:] {
		d := c.Close - middle
		variance += d * d
	}
	sigma := math.Sqrt(variance / float64(period))
	return middle + stdDev*sigma, middle, middle - stdDev*sigma
}

// VWAP returns the volume-weighted average price over the whole series.
func VWAP(candles []model.Candle) float64 {
	var cumPV, cumVolume float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		cumPV += typical * c.Volume
		cumVolume += c.Volume
	}
	if cumVolume == 0 {
		return 0
	}
	return cumPV / cumVolume
}

// ATR returns the average true range over the given period.
func ATR(candles []model.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		tr := candles[i].High - candles[i].Low
		prevClose := candles[i-1].Close
		tr = math.Max(tr, math.Abs(candles[i].High-prevClose))
		tr = math.Max(tr, math.Abs(candles[i].Low-prevClose))
		sum += tr
	}
	return sum / float64(period)
}

// Stochastic returns the %K and %D oscillator values.
func Stochastic(candles []model.Candle, kPeriod, dPeriod int) (k, d float64) {
	if kPeriod <= 0 || dPeriod <= 0 || len(candles) < kPeriod+dPeriod-1 {
		return 50, 50
	}

	kValues := make([]float64, 0, dPeriod)
	for i := 0; i < dPeriod; i++ {
		end := len(candles) - i
		window := candles[end-kPeriod : end]
		high, low := HighestHigh(window, kPeriod), LowestLow(window, kPeriod)
		if high == low {
			kValues = append(kValues, 50)
			continue
		}
		kValues = append(kValues, (window[len(window)-1].Close-low)/(high-low)*100)
	}

	k = kValues[0]
	for _, v := range kValues {
		d += v
	}
	return k, d / float64(len(kValues))
}

// ROC returns the rate of change, in percent, against the close period
// candles back.
func ROC(candles []model.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	past := candles[len(candles)-period-1].Close
	if past == 0 {
		return 0
	}
	return (candles[len(candles)-1].Close - past) / past * 100
}

// OBV returns the on-balance volume accumulated over the series.
func OBV(candles []model.Candle) float64 {
	obv := 0.0
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			obv += candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			obv -= candles[i].Volume
		}
	}
	return obv
}

// HighestHigh returns the highest high over the last periods candles.
func HighestHigh(candles []model.Candle, periods int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if periods <= 0 || periods > len(candles) {
		periods = len(candles)
	}
	high := candles[len(candles)-periods].High
	for _, c := range candles[len(candles)-periods:] {
		if c.High > high {
			high = c.High
		}
	}
	return high
}

// LowestLow returns the lowest low over the last periods candles.
func LowestLow(candles []model.Candle, periods int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if periods <= 0 || periods > len(candles) {
		periods = len(candles)
	}
	low := candles[len(candles)-periods].Low
	for _, c := range candles[len(candles)-periods:] {
		if c.Low < low {
			low = c.Low
		}
	}
	return low
}

// PriceChangePercent returns the percent move of the close across the last
// periods candles.
func PriceChangePercent(candles []model.Candle, periods int) float64 {
	if periods <= 0 || len(candles) < periods+1 {
		return 0
	}
	past := candles[len(candles)-periods-1].Close
	if past == 0 {
		return 0
	}
	return (candles[len(candles)-1].Close - past) / past * 100
}

// emaSeries computes an EMA over raw values, seeded with the SMA of the
// first period values.
func emaSeries(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	ema := sum / float64(period)

	multiplier := 2 / float64(period+1)
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
	}
	return ema
}
