package model

import "time"

// Tick represents the latest 24h ticker state for a symbol. Ticks are
// immutable once received; the next tick for the same symbol supersedes it.
type Tick struct {
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	ChangePct   float64   `json:"change_pct"`
	Volume      float64   `json:"volume"`
	QuoteVolume float64   `json:"quote_volume"`
	Time        time.Time `json:"time"`
}

// Candle represents a single candlestick for a (symbol, interval) pair.
// The last candle of a series is updated in place until Closed is set.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Trades    int64     `json:"trades"`
	Closed    bool      `json:"closed"`
}

// Snapshot is an immutable point-in-time copy of all tracked market data.
// It is safe for concurrent reads; the feed never mutates a published snapshot.
type Snapshot struct {
	TakenAt time.Time
	Ticks   map[string]Tick
	Candles map[string]map[string][]Candle // symbol -> interval -> series
}

// Series returns the candle series for a symbol and interval, or nil.
func (s *Snapshot) Series(symbol, interval string) []Candle {
	if byInterval, ok := s.Candles[symbol]; ok {
		return byInterval[interval]
	}
	return nil
}

// Symbols returns all symbols with at least one tick in the snapshot.
func (s *Snapshot) Symbols() []string {
	symbols := make([]string, 0, len(s.Ticks))
	for symbol := range s.Ticks {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// RuleStatus is the lifecycle status of a trading rule.
type RuleStatus string

const (
	RuleActive  RuleStatus = "active"
	RulePaused  RuleStatus = "paused"
	RuleDeleted RuleStatus = "deleted"
)

// Rule is an owner-authored condition over market data that produces a
// Signal when satisfied. Code must declare `package main` and a function
// `Match(m *rules.Market) bool`.
type Rule struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	Name          string        `json:"name"`
	Symbols       []string      `json:"symbols"`
	Intervals     []string      `json:"intervals"`
	CheckInterval time.Duration `json:"check_interval"`
	Code          string        `json:"code"`
	Status        RuleStatus    `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// SignalStatus is the status of a detected rule match. Transitions are
// monotonic: pending -> analyzing -> executed | cancelled.
type SignalStatus string

const (
	SignalPending   SignalStatus = "pending"
	SignalAnalyzing SignalStatus = "analyzing"
	SignalExecuted  SignalStatus = "executed"
	SignalCancelled SignalStatus = "cancelled"
)

// rank orders signal statuses for the monotonic-transition invariant.
func (s SignalStatus) rank() int {
	switch s {
	case SignalPending:
		return 0
	case SignalAnalyzing:
		return 1
	case SignalExecuted, SignalCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether a signal may move from s to next.
// A signal never regresses and terminal states are final.
func (s SignalStatus) CanTransition(next SignalStatus) bool {
	if s == SignalExecuted || s == SignalCancelled {
		return false
	}
	return next.rank() > s.rank()
}

// Signal is a detected rule match awaiting or having undergone order placement.
type Signal struct {
	ID           string       `json:"id"`
	RuleID       string       `json:"rule_id"`
	OwnerID      string       `json:"owner_id"`
	Symbol       string       `json:"symbol"`
	Timeframe    string       `json:"timeframe"`
	TriggerPrice float64      `json:"trigger_price"`
	TargetPrice  float64      `json:"target_price"`
	StopLoss     float64      `json:"stop_loss"`
	Confidence   int          `json:"confidence"`
	Reasoning    string       `json:"reasoning"`
	Status       SignalStatus `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Side is an order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing side for an entry side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderExecuting OrderStatus = "executing"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is a concrete instruction handed to an order executor.
type Order struct {
	ID              string            `json:"id"`
	SignalID        string            `json:"signal_id"`
	Symbol          string            `json:"symbol"`
	Side            Side              `json:"side"`
	Type            OrderType         `json:"type"`
	Quantity        float64           `json:"quantity"`
	Price           float64           `json:"price,omitempty"` // limit orders only
	StopLoss        float64           `json:"stop_loss,omitempty"`
	TakeProfit      float64           `json:"take_profit,omitempty"`
	TimeInForce     string            `json:"time_in_force,omitempty"`
	Status          OrderStatus       `json:"status"`
	ExchangeOrderID string            `json:"exchange_order_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ExecutionResult is the outcome of submitting an order.
type ExecutionResult struct {
	OrderID         string      `json:"order_id"`
	Status          OrderStatus `json:"status"`
	FilledQuantity  float64     `json:"filled_quantity"`
	AvgPrice        float64     `json:"avg_price"`
	Commission      float64     `json:"commission"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	Error           string      `json:"error,omitempty"`
	ExecutedAt      time.Time   `json:"executed_at"`
}

// PositionSide is the direction of a held position.
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// EntrySide returns the order side that opens a position of this direction.
func (p PositionSide) EntrySide() Side {
	if p == Long {
		return Buy
	}
	return Sell
}

// PositionStatus is the supervision state of a position.
type PositionStatus string

const (
	PositionOpening PositionStatus = "opening"
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// Position is a held trade resulting from an executed order. CurrentPrice,
// PnL and Stale are refreshed on every supervision tick and are not persisted.
type Position struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	RuleID       string         `json:"rule_id"`
	SignalID     string         `json:"signal_id"`
	Symbol       string         `json:"symbol"`
	Side         PositionSide   `json:"side"`
	EntryPrice   float64        `json:"entry_price"`
	CurrentPrice float64        `json:"current_price"`
	Size         float64        `json:"size"`
	StopLoss     float64        `json:"stop_loss"`
	TakeProfit   float64        `json:"take_profit"`
	TrailingPct  float64        `json:"trailing_pct,omitempty"`
	PnL          float64        `json:"pnl"`
	PnLPercent   float64        `json:"pnl_percent"`
	Status       PositionStatus `json:"status"`
	Stale        bool           `json:"stale"`
	CloseReason  string         `json:"close_reason,omitempty"`
	OpenedAt     time.Time      `json:"opened_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
}

// UnrealizedPnL returns the absolute and percentage profit of the position
// at the given price. For longs PnL is positive iff price > entry; for
// shorts iff price < entry.
func (p *Position) UnrealizedPnL(price float64) (pnl, pnlPercent float64) {
	if p.Side == Long {
		pnl = (price - p.EntryPrice) * p.Size
	} else {
		pnl = (p.EntryPrice - price) * p.Size
	}
	if notional := p.EntryPrice * p.Size; notional != 0 {
		pnlPercent = pnl / notional * 100
	}
	return pnl, pnlPercent
}
