package order

import (
	"fmt"
	"math"
)

// SizingPolicy selects how entry quantity is derived from account state.
type SizingPolicy string

const (
	SizeFixed   SizingPolicy = "fixed"   // fixed quote notional per trade
	SizePercent SizingPolicy = "percent" // percentage of available balance
	SizeRisk    SizingPolicy = "risk"    // risk amount divided by stop distance
)

// Sizer computes order quantities under a risk policy and rejects orders
// that would exceed the available balance or fall below the exchange
// minimum, instead of submitting and hoping.
type Sizer struct {
	Policy         SizingPolicy
	FixedNotional  float64 // quote units, SizeFixed
	BalancePercent float64 // 0-100, SizePercent
	RiskPercent    float64 // 0-100 of balance at risk, SizeRisk
	MinNotional    float64 // exchange minimum order value in quote units
}

// Quantity returns the base-asset quantity for an entry at price with the
// given protective stop. stopLoss may be zero for policies that ignore it.
func (s *Sizer) Quantity(balance, price, stopLoss float64) (float64, error) {
	if price <= 0 {
		return 0, ErrNoPrice
	}

	var notional float64
	switch s.Policy {
	case SizeFixed:
		notional = s.FixedNotional
	case SizePercent:
		notional = balance * s.BalancePercent / 100
	case SizeRisk:
		stopDistance := math.Abs(price - stopLoss)
		if stopLoss <= 0 || stopDistance == 0 {
			return 0, fmt.Errorf("risk sizing requires a stop-loss distinct from entry price")
		}
		riskAmount := balance * s.RiskPercent / 100
		notional = riskAmount / stopDistance * price
	default:
		return 0, fmt.Errorf("unknown sizing policy %q", s.Policy)
	}

	if notional < s.MinNotional {
		return 0, fmt.Errorf("%w: %.2f < %.2f", ErrBelowMinNotional, notional, s.MinNotional)
	}
	if notional > balance {
		return 0, fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, notional, balance)
	}

	return notional / price, nil
}
