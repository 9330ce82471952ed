// Package position supervises open positions: it refreshes their mark price
// each tick, evaluates stop-loss and take-profit levels, and closes positions
// through the order executor exactly once per trigger.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel/internal/events"
	"sentinel/internal/model"
	"sentinel/internal/order"
)

// Close reasons recorded on exit.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonManual     = "manual"
)

// Store is the slice of persistence the supervisor needs.
type Store interface {
	UpdatePosition(ctx context.Context, p *model.Position) error
	ClosePosition(ctx context.Context, id string, exitPrice, pnl, pnlPercent float64, reason string) error
}

// Options tunes the supervision loop.
type Options struct {
	Interval   time.Duration // sweep cadence, default 1s
	StaleAfter time.Duration // price age before a position is flagged stale, default 15s
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Second
	}
}

type quote struct {
	price float64
	at    time.Time
}

// Supervisor holds the live position set. Exit checks run on an internal
// ticker; price updates arrive from the feed pipeline via UpdatePrice.
type Supervisor struct {
	logger   *slog.Logger
	executor order.Executor
	store    Store
	bus      *events.Bus
	opts     Options

	mu        sync.Mutex
	positions map[string]*model.Position
	closing   map[string]bool
	quotes    map[string]quote
}

// NewSupervisor creates a position supervisor.
func NewSupervisor(logger *slog.Logger, executor order.Executor, store Store, bus *events.Bus, opts Options) *Supervisor {
	opts.withDefaults()
	return &Supervisor{
		logger:    logger,
		executor:  executor,
		store:     store,
		bus:       bus,
		opts:      opts,
		positions: make(map[string]*model.Position),
		closing:   make(map[string]bool),
		quotes:    make(map[string]quote),
	}
}

// Run sweeps positions until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("Supervisor: started", "interval", s.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Supervisor: stopped")
			return
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

// Track adds a position to supervision. Re-tracking an id replaces it.
func (s *Supervisor) Track(p *model.Position) {
	s.mu.Lock()
	s.positions[p.ID] = p
	s.mu.Unlock()
}

// Untrack removes a position from supervision without closing it.
func (s *Supervisor) Untrack(id string) {
	s.mu.Lock()
	delete(s.positions, id)
	delete(s.closing, id)
	s.mu.Unlock()
}

// UpdatePrice records the latest trade price for a symbol.
func (s *Supervisor) UpdatePrice(symbol string, price float64, at time.Time) {
	s.mu.Lock()
	s.quotes[symbol] = quote{price: price, at: at}
	s.mu.Unlock()
}

// Count returns the number of supervised positions.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// TotalPnL returns the summed unrealized profit across supervised positions.
func (s *Supervisor) TotalPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, p := range s.positions {
		total += p.PnL
	}
	return total
}

// Positions returns a copy of the supervised position set.
func (s *Supervisor) Positions() []*model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Close exits a position at market for the given reason. It is idempotent:
// a position already on its way out is left alone.
func (s *Supervisor) Close(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	p, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("position %s not supervised", id)
	}
	if s.closing[id] {
		s.mu.Unlock()
		return nil
	}
	s.closing[id] = true
	p.Status = model.PositionClosing
	q := s.quotes[p.Symbol]
	s.mu.Unlock()

	return s.exit(ctx, p, q.price, reason)
}

// sweep refreshes marks and evaluates exit levels for every position.
func (s *Supervisor) sweep(ctx context.Context, now time.Time) {
	type pending struct {
		p      *model.Position
		price  float64
		reason string
	}
	var exits []pending
	var ratcheted []*model.Position

	s.mu.Lock()
	for id, p := range s.positions {
		if s.closing[id] {
			continue
		}
		q, ok := s.quotes[p.Symbol]
		if !ok {
			continue
		}

		p.CurrentPrice = q.price
		p.PnL, p.PnLPercent = p.UnrealizedPnL(q.price)
		p.Stale = now.Sub(q.at) > s.opts.StaleAfter

		// A stale mark keeps the last known PnL visible but never triggers
		// an exit.
		if p.Stale {
			continue
		}

		if ratchetStop(p, q.price) {
			ratcheted = append(ratcheted, p)
		}

		if reason := exitReason(p, q.price); reason != "" {
			s.closing[id] = true
			p.Status = model.PositionClosing
			exits = append(exits, pending{p: p, price: q.price, reason: reason})
		}
	}
	s.mu.Unlock()

	for _, p := range ratcheted {
		if err := s.store.UpdatePosition(ctx, p); err != nil {
			s.logger.Error("Supervisor: persist trailing stop failed", "position_id", p.ID, "error", err)
		}
	}
	for _, e := range exits {
		if err := s.exit(ctx, e.p, e.price, e.reason); err != nil {
			s.logger.Error("Supervisor: close failed", "position_id", e.p.ID, "error", err)
		}
	}
}

// ratchetStop tightens the stop of a trailing position as price moves in its
// favor. The stop only ever moves toward the price, never away.
func ratchetStop(p *model.Position, price float64) bool {
	if p.TrailingPct <= 0 {
		return false
	}
	switch p.Side {
	case model.Long:
		candidate := price * (1 - p.TrailingPct/100)
		if candidate > p.StopLoss {
			p.StopLoss = candidate
			return true
		}
	case model.Short:
		candidate := price * (1 + p.TrailingPct/100)
		if p.StopLoss == 0 || candidate < p.StopLoss {
			p.StopLoss = candidate
			return true
		}
	}
	return false
}

// exit submits the closing order and persists the realized outcome. On order
// failure the closing guard is released so the next sweep retries.
func (s *Supervisor) exit(ctx context.Context, p *model.Position, price float64, reason string) error {
	o := &model.Order{
		ID:       uuid.NewString(),
		SignalID: p.SignalID,
		Symbol:   p.Symbol,
		Side:     p.Side.EntrySide().Opposite(),
		Type:     model.OrderMarket,
		Quantity: p.Size,
		Metadata: map[string]string{"position_id": p.ID, "close_reason": reason},
	}

	result, err := s.executor.Execute(ctx, o)
	if err != nil {
		s.mu.Lock()
		delete(s.closing, p.ID)
		p.Status = model.PositionOpen
		s.mu.Unlock()
		return fmt.Errorf("exit %s: %w", p.Symbol, err)
	}

	// When neither the fill nor the feed produced a price, book the close at
	// entry (flat PnL) rather than at zero.
	exitPrice := result.AvgPrice
	if exitPrice == 0 {
		exitPrice = price
	}
	if exitPrice == 0 {
		exitPrice = p.EntryPrice
	}
	pnl, pnlPct := p.UnrealizedPnL(exitPrice)

	now := time.Now()
	s.mu.Lock()
	p.Status = model.PositionClosed
	p.CurrentPrice = exitPrice
	p.PnL = pnl
	p.PnLPercent = pnlPct
	p.CloseReason = reason
	p.ClosedAt = &now
	delete(s.positions, p.ID)
	delete(s.closing, p.ID)
	s.mu.Unlock()

	if err := s.store.ClosePosition(ctx, p.ID, exitPrice, pnl, pnlPct, reason); err != nil {
		s.logger.Error("Supervisor: persist close failed", "position_id", p.ID, "error", err)
	}

	s.logger.Info("Supervisor: position closed",
		"position_id", p.ID, "symbol", p.Symbol, "side", p.Side,
		"entry", p.EntryPrice, "exit", exitPrice, "pnl", pnl, "reason", reason)

	s.bus.PublishPositionClosed(p)
	return nil
}

// exitReason reports which protective level the price has crossed, if any.
func exitReason(p *model.Position, price float64) string {
	switch p.Side {
	case model.Long:
		if p.StopLoss > 0 && price <= p.StopLoss {
			return ReasonStopLoss
		}
		if p.TakeProfit > 0 && price >= p.TakeProfit {
			return ReasonTakeProfit
		}
	case model.Short:
		if p.StopLoss > 0 && price >= p.StopLoss {
			return ReasonStopLoss
		}
		if p.TakeProfit > 0 && price <= p.TakeProfit {
			return ReasonTakeProfit
		}
	}
	return ""
}
