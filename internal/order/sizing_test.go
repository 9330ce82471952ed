package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizerFixed(t *testing.T) {
	s := &Sizer{Policy: SizeFixed, FixedNotional: 100, MinNotional: 10}

	qty, err := s.Quantity(1000, 50, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, qty, 1e-9)
}

func TestSizerPercent(t *testing.T) {
	s := &Sizer{Policy: SizePercent, BalancePercent: 10, MinNotional: 10}

	qty, err := s.Quantity(1000, 50, 0)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, qty, 1e-9) // 10% of 1000 = 100 notional
}

func TestSizerRisk(t *testing.T) {
	s := &Sizer{Policy: SizeRisk, RiskPercent: 1, MinNotional: 10}

	// Risking 1% of 1000 (= 10) with a 5-unit stop distance buys 2 units.
	qty, err := s.Quantity(1000, 100, 95)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, qty, 1e-9)

	t.Run("requires a stop distinct from entry", func(t *testing.T) {
		_, err := s.Quantity(1000, 100, 0)
		assert.Error(t, err)
		_, err = s.Quantity(1000, 100, 100)
		assert.Error(t, err)
	})
}

func TestSizerRejections(t *testing.T) {
	t.Run("below minimum notional", func(t *testing.T) {
		s := &Sizer{Policy: SizeFixed, FixedNotional: 5, MinNotional: 10}
		_, err := s.Quantity(1000, 50, 0)
		assert.ErrorIs(t, err, ErrBelowMinNotional)
	})

	t.Run("beyond available balance", func(t *testing.T) {
		s := &Sizer{Policy: SizeFixed, FixedNotional: 500, MinNotional: 10}
		_, err := s.Quantity(100, 50, 0)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("no price", func(t *testing.T) {
		s := &Sizer{Policy: SizeFixed, FixedNotional: 100}
		_, err := s.Quantity(1000, 0, 0)
		assert.ErrorIs(t, err, ErrNoPrice)
	})

	t.Run("unknown policy", func(t *testing.T) {
		s := &Sizer{Policy: "martingale"}
		_, err := s.Quantity(1000, 50, 0)
		assert.Error(t, err)
	})
}
