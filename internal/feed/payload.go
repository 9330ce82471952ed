package feed

import (
	"strconv"
	"time"

	"sentinel/internal/model"
)

// Binance combined-stream envelope and event payloads. Numeric fields arrive
// as strings on the wire.

type streamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Event  string `json:"e"`
		Time   int64  `json:"E"`
		Symbol string `json:"s"`
		// 24hrTicker fields
		Last        string `json:"c"`
		ChangePct   string `json:"P"`
		Volume      string `json:"v"`
		QuoteVolume string `json:"q"`
		// kline field
		Kline klinePayload `json:"k"`
	} `json:"data"`
}

type klinePayload struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	Close     string `json:"c"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
	Trades    int64  `json:"n"`
	Final     bool   `json:"x"`
}

func (m *streamMessage) tick() (model.Tick, error) {
	price, err := strconv.ParseFloat(m.Data.Last, 64)
	if err != nil {
		return model.Tick{}, err
	}
	change, err := strconv.ParseFloat(m.Data.ChangePct, 64)
	if err != nil {
		return model.Tick{}, err
	}
	volume, err := strconv.ParseFloat(m.Data.Volume, 64)
	if err != nil {
		return model.Tick{}, err
	}
	quoteVolume, err := strconv.ParseFloat(m.Data.QuoteVolume, 64)
	if err != nil {
		return model.Tick{}, err
	}

	return model.Tick{
		Symbol:      m.Data.Symbol,
		Price:       price,
		ChangePct:   change,
		Volume:      volume,
		QuoteVolume: quoteVolume,
		Time:        time.UnixMilli(m.Data.Time),
	}, nil
}

func (k *klinePayload) candle() (model.Candle, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return model.Candle{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return model.Candle{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return model.Candle{}, err
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return model.Candle{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return model.Candle{}, err
	}

	return model.Candle{
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		OpenTime:  time.UnixMilli(k.OpenTime),
		CloseTime: time.UnixMilli(k.CloseTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Trades:    k.Trades,
		Closed:    k.Final,
	}, nil
}
