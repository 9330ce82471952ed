// Package sandbox evaluates user-authored rule code inside an isolated
// yaegi interpreter with a restricted symbol table, a hard wall-clock
// timeout and panic containment. Evaluation is pure: it reads a snapshot
// and never persists anything itself.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"sentinel/internal/indicators"
	"sentinel/internal/model"
	"sentinel/internal/sandbox/rules"
)

var (
	// ErrTimeout is returned when rule code exceeds its wall-clock budget.
	ErrTimeout = errors.New("execution timeout")
	// ErrCodeTooLarge is returned when rule source exceeds the size ceiling.
	ErrCodeTooLarge = errors.New("rule code exceeds size limit")
)

// allowedImports is the sandbox import allow-list. Anything else, in
// particular os, net and syscall, is rejected at compile time.
var allowedImports = map[string]bool{
	"errors":  true,
	"fmt":     true,
	"math":    true,
	"sort":    true,
	"strconv": true,
	"strings": true,

	"sentinel/internal/indicators":    true,
	"sentinel/internal/model":         true,
	"sentinel/internal/sandbox/rules": true,
}

// CheckResult is the outcome of evaluating one rule against one snapshot.
// Sandbox faults (timeout, panic, forbidden operation) land in Err; they are
// never propagated as process-level faults.
type CheckResult struct {
	RuleID     string
	Matched    bool
	Symbols    []string // symbols whose Match returned true
	Conditions []string // human-readable per-symbol detail
	Duration   time.Duration
	Err        error
}

// matchFunc is the signature rule code must provide as Match.
type matchFunc = func(*rules.Market) bool

// program is a compiled rule. The mutex serializes calls because a yaegi
// interpreter instance is not safe for concurrent execution. Once poisoned
// the program is never entered again: a timed-out goroutine may still own
// the interpreter, and stacking more goroutines behind its mutex would leak
// one per check.
type program struct {
	mu       sync.Mutex
	fn       matchFunc
	poisoned atomic.Bool
}

// Options tunes the executor.
type Options struct {
	Timeout       time.Duration // per-evaluation wall clock, default 5s
	MaxCodeSize   int           // bytes, default 64 KiB
	MaxConcurrent int           // simultaneous evaluations, default 10
}

func (o *Options) withDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxCodeSize <= 0 {
		o.MaxCodeSize = 64 << 10
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 10
	}
}

// Executor compiles and runs rule code. Interpreter instances are cached per
// rule and reused across checks.
type Executor struct {
	logger  *slog.Logger
	opts    Options
	exports interp.Exports
	sem     chan struct{}

	mu       sync.RWMutex
	programs map[string]*program
}

// NewExecutor creates a rule executor.
func NewExecutor(logger *slog.Logger, opts Options) *Executor {
	opts.withDefaults()
	return &Executor{
		logger:   logger,
		opts:     opts,
		exports:  buildExports(),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		programs: make(map[string]*program),
	}
}

// Compile validates and caches a rule's program. It enforces the code-size
// ceiling and the import allow-list before the interpreter ever sees the
// source.
func (e *Executor) Compile(rule *model.Rule) error {
	if len(rule.Code) > e.opts.MaxCodeSize {
		return fmt.Errorf("rule %s: %w (%d bytes, limit %d)", rule.ID, ErrCodeTooLarge, len(rule.Code), e.opts.MaxCodeSize)
	}
	if err := checkImports(rule.Code); err != nil {
		return fmt.Errorf("rule %s: %w", rule.ID, err)
	}

	prog, err := e.interpret(rule)
	if err != nil {
		return fmt.Errorf("rule %s: compile: %w", rule.ID, err)
	}

	e.mu.Lock()
	e.programs[rule.ID] = prog
	e.mu.Unlock()

	e.logger.Info("Sandbox: rule compiled", "rule_id", rule.ID)
	return nil
}

// Remove evicts a rule's cached program.
func (e *Executor) Remove(ruleID string) {
	e.mu.Lock()
	delete(e.programs, ruleID)
	e.mu.Unlock()
}

// Evaluate runs a rule against a snapshot and always returns within the
// configured timeout. Faulty rule code, including infinite loops and panics,
// degrades to a CheckResult with Err set. A timeout poisons the cached
// program, so later checks of the same rule fail fast with ErrTimeout until
// Compile replaces it.
func (e *Executor) Evaluate(ctx context.Context, rule *model.Rule, snap *model.Snapshot) CheckResult {
	start := time.Now()
	result := CheckResult{RuleID: rule.ID}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		result.Err = ctx.Err()
		return result
	}

	prog, err := e.program(rule)
	if err != nil {
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}
	if prog.poisoned.Load() {
		result.Err = fmt.Errorf("rule %s: %w", rule.ID, ErrTimeout)
		result.Duration = time.Since(start)
		return result
	}

	type outcome struct {
		symbols    []string
		conditions []string
		err        error
	}
	done := make(chan outcome, 1)

	// The one goroutine that times out may outlive its deadline; the caller
	// is never blocked on it, and poisoning above caps the leak at one.
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out.err = fmt.Errorf("rule panicked: %v", r)
			}
			done <- out
		}()

		prog.mu.Lock()
		defer prog.mu.Unlock()

		for _, symbol := range rule.Symbols {
			tick, ok := snap.Ticks[symbol]
			if !ok {
				continue
			}
			market := rules.NewMarket(tick, snap.Candles[symbol])
			if prog.fn(market) {
				out.symbols = append(out.symbols, symbol)
				out.conditions = append(out.conditions,
					fmt.Sprintf("%s matched on %s", symbol, strings.Join(rule.Intervals, ",")))
			}
		}
	}()

	select {
	case out := <-done:
		result.Symbols = out.symbols
		result.Conditions = out.conditions
		result.Matched = len(out.symbols) > 0
		result.Err = out.err
	case <-time.After(e.opts.Timeout):
		prog.poisoned.Store(true)
		result.Err = ErrTimeout
	case <-ctx.Done():
		result.Err = ctx.Err()
	}

	result.Duration = time.Since(start)
	return result
}

// program returns the cached program for a rule, compiling on first use.
func (e *Executor) program(rule *model.Rule) (*program, error) {
	e.mu.RLock()
	prog, ok := e.programs[rule.ID]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	if err := e.Compile(rule); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.programs[rule.ID], nil
}

// interpret builds a fresh interpreter for the rule and extracts its Match
// function.
func (e *Executor) interpret(rule *model.Rule) (*program, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(restrictedStdlib()); err != nil {
		return nil, fmt.Errorf("load stdlib subset: %w", err)
	}
	if err := i.Use(e.exports); err != nil {
		return nil, fmt.Errorf("load engine symbols: %w", err)
	}

	if _, err := i.Eval(rule.Code); err != nil {
		return nil, err
	}

	v, err := i.Eval("Match")
	if err != nil {
		return nil, fmt.Errorf("rule must define Match(m *rules.Market) bool: %w", err)
	}
	fn, ok := v.Interface().(matchFunc)
	if !ok {
		return nil, fmt.Errorf("Match has wrong signature, want func(*rules.Market) bool")
	}

	return &program{fn: fn}, nil
}

// checkImports parses the rule source and rejects any import outside the
// allow-list. I/O, process and network packages are simply not importable.
func checkImports(code string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "rule.go", code, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("bad import %s", imp.Path.Value)
		}
		if !allowedImports[path] {
			return fmt.Errorf("forbidden import %q", path)
		}
	}
	return nil
}

// restrictedStdlib returns the slice of the standard library rule code may
// use. Everything reachable from the allow-list only.
func restrictedStdlib() interp.Exports {
	out := make(interp.Exports)
	for key, symbols := range stdlib.Symbols {
		path := key
		if idx := strings.LastIndex(key, "/"); idx >= 0 {
			path = key[:idx]
		}
		if allowedImports[path] {
			out[key] = symbols
		}
	}
	return out
}

// buildExports exposes the engine-side packages rule code may import.
func buildExports() interp.Exports {
	return interp.Exports{
		"sentinel/internal/sandbox/rules/rules": {
			"Market":    reflect.ValueOf((*rules.Market)(nil)),
			"NewMarket": reflect.ValueOf(rules.NewMarket),
		},
		"sentinel/internal/model/model": {
			"Candle": reflect.ValueOf((*model.Candle)(nil)),
			"Tick":   reflect.ValueOf((*model.Tick)(nil)),
		},
		"sentinel/internal/indicators/indicators": {
			"Closes":             reflect.ValueOf(indicators.Closes),
			"Highs":              reflect.ValueOf(indicators.Highs),
			"Lows":               reflect.ValueOf(indicators.Lows),
			"Volumes":            reflect.ValueOf(indicators.Volumes),
			"SMA":                reflect.ValueOf(indicators.SMA),
			"EMA":                reflect.ValueOf(indicators.EMA),
			"WMA":                reflect.ValueOf(indicators.WMA),
			"RSI":                reflect.ValueOf(indicators.RSI),
			"MACD":               reflect.ValueOf(indicators.MACD),
			"BollingerBands":     reflect.ValueOf(indicators.BollingerBands),
			"VWAP":               reflect.ValueOf(indicators.VWAP),
			"ATR":                reflect.ValueOf(indicators.ATR),
			"Stochastic":         reflect.ValueOf(indicators.Stochastic),
			"ROC":                reflect.ValueOf(indicators.ROC),
			"OBV":                reflect.ValueOf(indicators.OBV),
			"HighestHigh":        reflect.ValueOf(indicators.HighestHigh),
			"LowestLow":          reflect.ValueOf(indicators.LowestLow),
			"PriceChangePercent": reflect.ValueOf(indicators.PriceChangePercent),
		},
	}
}
