// Package engine wires the feed, scheduler, sandbox, order execution and
// position supervision into one lifecycle. It owns the root context and is
// the only writer of rule, signal and position state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sentinel/internal/config"
	"sentinel/internal/events"
	"sentinel/internal/feed"
	"sentinel/internal/model"
	"sentinel/internal/order"
	"sentinel/internal/position"
	"sentinel/internal/sandbox"
	"sentinel/internal/scheduler"
	"sentinel/internal/store"
)

// BalanceFunc reports the quote balance available for sizing new entries.
type BalanceFunc func() float64

// Status is the control-plane view of a running engine.
type Status struct {
	Running        bool          `json:"running"`
	Uptime         time.Duration `json:"uptime"`
	FeedStatus     feed.Status   `json:"feed_status"`
	FeedLatency    time.Duration `json:"feed_latency"`
	ActiveRules    int           `json:"active_rules"`
	PendingSignals int           `json:"pending_signals"`
	OpenPositions  int           `json:"open_positions"`
	TotalPnL       float64       `json:"total_pnl"`
	ChecksRun      int64         `json:"checks_run"`
	DroppedChecks  int64         `json:"dropped_checks"`
}

// Engine orchestrates the trading loops for one owner.
type Engine struct {
	logger     *slog.Logger
	cfg        *config.Config
	store      store.Store
	feed       feed.Feed
	sched      *scheduler.Scheduler
	sandbox    *sandbox.Executor
	executor   order.Executor
	supervisor *position.Supervisor
	sizer      *order.Sizer
	bus        *events.Bus
	balance    BalanceFunc

	mu        sync.Mutex
	rules     map[string]*model.Rule
	inflight  map[string]bool
	lastMatch map[string]bool // ruleID|symbol -> matched on previous check
	pending   map[string]*model.Signal

	running   atomic.Bool
	checksRun atomic.Int64
	startedAt time.Time // guarded by mu

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles an engine from its collaborators.
func New(logger *slog.Logger, cfg *config.Config, st store.Store, fd feed.Feed,
	executor order.Executor, balance BalanceFunc, bus *events.Bus) *Engine {

	sb := sandbox.NewExecutor(logger, sandbox.Options{})
	sup := position.NewSupervisor(logger, executor, st, bus, position.Options{})
	sizer := &order.Sizer{
		Policy:         order.SizingPolicy(cfg.Trading.SizingPolicy),
		FixedNotional:  cfg.Trading.FixedNotional,
		BalancePercent: cfg.Trading.BalancePercent,
		RiskPercent:    cfg.Trading.RiskPercent,
		MinNotional:    cfg.Trading.MinNotional,
	}

	return &Engine{
		logger:     logger,
		cfg:        cfg,
		store:      st,
		feed:       fd,
		sched:      scheduler.New(logger, cfg.Engine.Heartbeat, 64),
		sandbox:    sb,
		executor:   executor,
		supervisor: sup,
		sizer:      sizer,
		bus:        bus,
		balance:    balance,
		rules:      make(map[string]*model.Rule),
		inflight:   make(map[string]bool),
		lastMatch:  make(map[string]bool),
		pending:    make(map[string]*model.Signal),
	}
}

// Start loads persisted state, connects the feed and launches the loops.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	if err := e.loadRules(runCtx); err != nil {
		cancel()
		e.running.Store(false)
		return err
	}
	if err := e.loadPositions(runCtx); err != nil {
		cancel()
		e.running.Store(false)
		return err
	}

	if err := e.feed.Connect(runCtx); err != nil {
		cancel()
		e.running.Store(false)
		return fmt.Errorf("engine: %w", err)
	}

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { e.sched.Run(gCtx); return nil })
	g.Go(func() error { e.supervisor.Run(gCtx); return nil })
	g.Go(func() error { e.dispatchLoop(gCtx); return nil })
	g.Go(func() error { e.feedLoop(gCtx); return nil })

	go func() {
		defer close(e.done)
		_ = g.Wait()
	}()

	e.logger.Info("Engine: started", "owner", e.cfg.Owner, "rules", e.sched.Count())
	return nil
}

// Stop cancels the loops and waits up to the configured grace period for
// them to drain before closing the feed.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}

	e.logger.Info("Engine: stopping", "grace", e.cfg.Engine.ShutdownGrace)
	e.cancel()

	select {
	case <-e.done:
	case <-time.After(e.cfg.Engine.ShutdownGrace):
		e.logger.Warn("Engine: shutdown grace expired, abandoning remaining work")
	}

	if err := e.feed.Close(); err != nil {
		e.logger.Error("Engine: feed close failed", "error", err)
	}
	e.logger.Info("Engine: stopped")
	return nil
}

// loadRules compiles and tracks every active rule for the configured owner.
// A rule that fails to compile is skipped, not fatal; the rest of the set
// keeps running.
func (e *Engine) loadRules(ctx context.Context) error {
	rules, err := e.store.ListActiveRules(ctx, e.cfg.Owner)
	if err != nil {
		return fmt.Errorf("engine: load rules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range rules {
		if err := e.sandbox.Compile(r); err != nil {
			e.logger.Error("Engine: rule failed to compile, skipping", "rule_id", r.ID, "error", err)
			continue
		}
		e.rules[r.ID] = r
		e.sched.Track(r.ID, e.checkInterval(r))
	}
	return nil
}

// loadPositions resumes supervision of positions left open by a previous run.
func (e *Engine) loadPositions(ctx context.Context) error {
	positions, err := e.store.ListOpenPositions(ctx, e.cfg.Owner)
	if err != nil {
		return fmt.Errorf("engine: load positions: %w", err)
	}
	for _, p := range positions {
		e.supervisor.Track(p)
	}
	if len(positions) > 0 {
		e.logger.Info("Engine: resumed open positions", "count", len(positions))
	}
	return nil
}

func (e *Engine) checkInterval(r *model.Rule) time.Duration {
	if r.CheckInterval > 0 {
		return r.CheckInterval
	}
	return e.cfg.Engine.DefaultCheckInterval
}

// dispatchLoop consumes due events and runs checks. A rule with a check
// already in flight is skipped; overlapping checks of the same rule coalesce
// into one.
func (e *Engine) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ruleID := <-e.sched.Due():
			rule, ok := e.beginCheck(ruleID)
			if !ok {
				continue
			}
			go func(r *model.Rule) {
				defer e.endCheck(r.ID)
				e.check(ctx, r)
			}(rule)
		}
	}
}

// beginCheck claims the in-flight slot for a rule. It fails when the rule is
// unknown or a check for it is already running.
func (e *Engine) beginCheck(ruleID string) (*model.Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[ruleID]
	if !ok || e.inflight[ruleID] {
		return nil, false
	}
	e.inflight[ruleID] = true
	return rule, true
}

func (e *Engine) endCheck(ruleID string) {
	e.mu.Lock()
	delete(e.inflight, ruleID)
	e.mu.Unlock()
}

// check evaluates one rule against the current snapshot and raises signals
// on fresh matches. A symbol that stays matched across consecutive checks
// produces exactly one signal; the condition must clear before it can fire
// again.
func (e *Engine) check(ctx context.Context, rule *model.Rule) {
	e.checksRun.Add(1)

	snap := e.feed.Snapshot()
	result := e.sandbox.Evaluate(ctx, rule, snap)
	if result.Err != nil {
		e.logger.Warn("Engine: check failed", "rule_id", rule.ID, "duration", result.Duration, "error", result.Err)
		return
	}

	matched := make(map[string]bool, len(result.Symbols))
	for _, s := range result.Symbols {
		matched[s] = true
	}

	for _, symbol := range rule.Symbols {
		key := rule.ID + "|" + symbol
		e.mu.Lock()
		was := e.lastMatch[key]
		e.lastMatch[key] = matched[symbol]
		e.mu.Unlock()

		if matched[symbol] && !was {
			e.raiseSignal(ctx, rule, symbol, snap)
		}
	}
}

// raiseSignal persists a pending signal for a fresh match and announces it.
func (e *Engine) raiseSignal(ctx context.Context, rule *model.Rule, symbol string, snap *model.Snapshot) {
	tick, ok := snap.Ticks[symbol]
	if !ok {
		return
	}

	timeframe := ""
	if len(rule.Intervals) > 0 {
		timeframe = rule.Intervals[0]
	}

	now := time.Now()
	sig := &model.Signal{
		ID:           uuid.NewString(),
		RuleID:       rule.ID,
		OwnerID:      rule.OwnerID,
		Symbol:       symbol,
		Timeframe:    timeframe,
		TriggerPrice: tick.Price,
		Reasoning:    fmt.Sprintf("rule %q matched on %s", rule.Name, symbol),
		Status:       model.SignalPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.store.CreateSignal(ctx, sig); err != nil {
		e.logger.Error("Engine: persist signal failed", "rule_id", rule.ID, "symbol", symbol, "error", err)
		return
	}

	e.mu.Lock()
	e.pending[sig.ID] = sig
	e.mu.Unlock()

	e.logger.Info("Engine: signal raised",
		"signal_id", sig.ID, "rule_id", rule.ID, "symbol", symbol, "price", tick.Price)
	e.bus.PublishSignal(sig)
}

// ExecuteSignal approves a pending signal and opens a position for it.
// Sizing, submission and persistence happen inside; a rejected order cancels
// the signal rather than retrying.
func (e *Engine) ExecuteSignal(ctx context.Context, signalID string, side model.PositionSide, stopLoss, takeProfit float64) (*model.Position, error) {
	sig, err := e.claimSignal(signalID)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateSignalStatus(ctx, sig.ID, model.SignalAnalyzing); err != nil {
		e.logger.Error("Engine: signal status update failed", "signal_id", sig.ID, "error", err)
	}

	price, ok := e.feed.LastPrice(sig.Symbol)
	if !ok {
		price = sig.TriggerPrice
	}

	qty, err := e.sizer.Quantity(e.balance(), price, stopLoss)
	if err != nil {
		e.resolveSignal(ctx, sig, model.SignalCancelled)
		return nil, fmt.Errorf("engine: size signal %s: %w", sig.ID, err)
	}

	o := &model.Order{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Side:       side.EntrySide(),
		Type:       model.OrderMarket,
		Quantity:   qty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}

	result, err := e.executor.Execute(ctx, o)
	if err != nil {
		e.resolveSignal(ctx, sig, model.SignalCancelled)
		return nil, fmt.Errorf("engine: execute signal %s: %w", sig.ID, err)
	}

	entryPrice := result.AvgPrice
	if entryPrice == 0 {
		entryPrice = price
	}

	pos := &model.Position{
		ID:         uuid.NewString(),
		OwnerID:    sig.OwnerID,
		RuleID:     sig.RuleID,
		SignalID:   sig.ID,
		Symbol:     sig.Symbol,
		Side:       side,
		EntryPrice: entryPrice,
		Size:       qty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Status:     model.PositionOpen,
		OpenedAt:   time.Now(),
	}

	if err := e.store.CreatePosition(ctx, pos); err != nil {
		e.logger.Error("Engine: persist position failed", "position_id", pos.ID, "error", err)
	}

	e.resolveSignal(ctx, sig, model.SignalExecuted)

	e.supervisor.Track(pos)
	e.bus.PublishPositionOpened(pos)
	e.logger.Info("Engine: position opened",
		"position_id", pos.ID, "signal_id", sig.ID, "symbol", pos.Symbol,
		"side", pos.Side, "entry", entryPrice, "size", qty)

	return pos, nil
}

// CancelSignal declines a pending signal. A signal already claimed by
// ExecuteSignal belongs to that call and cannot be cancelled from outside.
func (e *Engine) CancelSignal(ctx context.Context, signalID string) error {
	e.mu.Lock()
	sig, ok := e.pending[signalID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: signal %s not pending", signalID)
	}
	if sig.Status != model.SignalPending {
		e.mu.Unlock()
		return fmt.Errorf("engine: signal %s is %s, cannot cancel", signalID, sig.Status)
	}
	sig.Status = model.SignalCancelled
	delete(e.pending, sig.ID)
	e.mu.Unlock()

	if err := e.store.UpdateSignalStatus(ctx, sig.ID, model.SignalCancelled); err != nil {
		e.logger.Error("Engine: signal status update failed", "signal_id", sig.ID, "error", err)
	}
	return nil
}

// claimSignal atomically moves a pending signal to analyzing. Of any number
// of concurrent execute or cancel attempts on the same signal, exactly one
// wins the claim; the rest fail here.
func (e *Engine) claimSignal(signalID string) (*model.Signal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sig, ok := e.pending[signalID]
	if !ok {
		return nil, fmt.Errorf("engine: signal %s not pending", signalID)
	}
	if !sig.Status.CanTransition(model.SignalAnalyzing) {
		return nil, fmt.Errorf("engine: signal %s is %s, cannot execute", signalID, sig.Status)
	}
	sig.Status = model.SignalAnalyzing
	return sig, nil
}

// resolveSignal moves a claimed signal to its terminal status and drops it
// from the pending set, then persists the outcome.
func (e *Engine) resolveSignal(ctx context.Context, sig *model.Signal, status model.SignalStatus) {
	e.mu.Lock()
	sig.Status = status
	delete(e.pending, sig.ID)
	e.mu.Unlock()

	if err := e.store.UpdateSignalStatus(ctx, sig.ID, status); err != nil {
		e.logger.Error("Engine: signal status update failed", "signal_id", sig.ID, "status", status, "error", err)
	}
}

// SubmitRule validates, persists and starts checking a new rule.
func (e *Engine) SubmitRule(ctx context.Context, rule *model.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.OwnerID == "" {
		rule.OwnerID = e.cfg.Owner
	}
	now := time.Now()
	rule.Status = model.RuleActive
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := e.sandbox.Compile(rule); err != nil {
		return fmt.Errorf("engine: submit rule: %w", err)
	}
	if err := e.store.CreateRule(ctx, rule); err != nil {
		e.sandbox.Remove(rule.ID)
		return fmt.Errorf("engine: submit rule: %w", err)
	}

	e.mu.Lock()
	e.rules[rule.ID] = rule
	e.mu.Unlock()
	e.sched.Track(rule.ID, e.checkInterval(rule))
	return nil
}

// UpdateRule recompiles and re-tracks an existing rule. Pausing a rule stops
// its checks without discarding it.
func (e *Engine) UpdateRule(ctx context.Context, rule *model.Rule) error {
	if rule.Status == model.RuleActive {
		if err := e.sandbox.Compile(rule); err != nil {
			return fmt.Errorf("engine: update rule: %w", err)
		}
	}
	if err := e.store.UpdateRule(ctx, rule); err != nil {
		return fmt.Errorf("engine: update rule: %w", err)
	}

	e.mu.Lock()
	if rule.Status == model.RuleActive {
		e.rules[rule.ID] = rule
	} else {
		delete(e.rules, rule.ID)
	}
	e.mu.Unlock()

	if rule.Status == model.RuleActive {
		e.sched.Track(rule.ID, e.checkInterval(rule))
	} else {
		e.sched.Untrack(rule.ID)
		e.sandbox.Remove(rule.ID)
	}
	return nil
}

// RemoveRule stops checking a rule and soft-deletes it. Its history and any
// open positions survive.
func (e *Engine) RemoveRule(ctx context.Context, ruleID string) error {
	e.sched.Untrack(ruleID)
	e.sandbox.Remove(ruleID)

	e.mu.Lock()
	rule, ok := e.rules[ruleID]
	delete(e.rules, ruleID)
	if ok {
		for _, symbol := range rule.Symbols {
			delete(e.lastMatch, ruleID+"|"+symbol)
		}
	}
	e.mu.Unlock()

	if err := e.store.DeleteRule(ctx, ruleID); err != nil {
		return fmt.Errorf("engine: remove rule: %w", err)
	}
	return nil
}

// ClosePosition manually exits a supervised position at market.
func (e *Engine) ClosePosition(ctx context.Context, positionID string) error {
	return e.supervisor.Close(ctx, positionID, position.ReasonManual)
}

// Status reports a consistent control-plane snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	rules := len(e.rules)
	pending := len(e.pending)
	startedAt := e.startedAt
	e.mu.Unlock()

	s := Status{
		Running:        e.running.Load(),
		FeedStatus:     e.feed.Status(),
		FeedLatency:    e.feed.Latency(),
		ActiveRules:    rules,
		PendingSignals: pending,
		OpenPositions:  e.supervisor.Count(),
		TotalPnL:       e.supervisor.TotalPnL(),
		ChecksRun:      e.checksRun.Load(),
		DroppedChecks:  e.sched.Dropped(),
	}
	if s.Running {
		s.Uptime = time.Since(startedAt)
	}
	return s
}

// feedLoop fans ticks out to the supervisor and watches for terminal feed
// failure.
func (e *Engine) feedLoop(ctx context.Context) {
	health := time.NewTicker(5 * time.Second)
	defer health.Stop()

	var failureAnnounced bool
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-e.feed.Ticks():
			e.supervisor.UpdatePrice(tick.Symbol, tick.Price, tick.Time)
		case <-health.C:
			if e.feed.Status() == feed.StatusFailed && !failureAnnounced {
				failureAnnounced = true
				e.logger.Error("Engine: market data feed failed, positions are supervised on stale prices")
				e.bus.PublishFeedFailed("reconnect budget exhausted")
			}
		}
	}
}
