package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinel/internal/model"
)

func testSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteRuleRoundTrip(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	rule := testRule()

	require.NoError(t, s.CreateRule(ctx, rule))

	got, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, rule.Symbols, got.Symbols)
	assert.Equal(t, rule.Intervals, got.Intervals)
	assert.Equal(t, rule.CheckInterval, got.CheckInterval)
	assert.Equal(t, rule.Code, got.Code)
	assert.Equal(t, model.RuleActive, got.Status)
}

func TestSQLiteGetRuleNotFound(t *testing.T) {
	s := testSQLite(t)
	_, err := s.GetRule(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteListActiveRules(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	active := testRule()
	require.NoError(t, s.CreateRule(ctx, active))

	paused := testRule()
	paused.ID = "rule-2"
	paused.Status = model.RulePaused
	require.NoError(t, s.CreateRule(ctx, paused))

	other := testRule()
	other.ID = "rule-3"
	other.OwnerID = "someone-else"
	require.NoError(t, s.CreateRule(ctx, other))

	rules, err := s.ListActiveRules(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, active.ID, rules[0].ID)
}

func TestSQLiteDeleteRuleIsSoft(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	rule := testRule()
	require.NoError(t, s.CreateRule(ctx, rule))

	require.NoError(t, s.DeleteRule(ctx, rule.ID))

	got, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err, "a deleted rule stays resolvable")
	assert.Equal(t, model.RuleDeleted, got.Status)

	assert.ErrorIs(t, s.DeleteRule(ctx, "missing"), ErrNotFound)
}

func TestSQLiteSignals(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sig := &model.Signal{
		ID:           "sig-1",
		RuleID:       "rule-1",
		OwnerID:      "owner",
		Symbol:       "BTCUSDT",
		Timeframe:    "1m",
		TriggerPrice: 42000,
		Status:       model.SignalPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, s.CreateSignal(ctx, sig))
	require.NoError(t, s.UpdateSignalStatus(ctx, "sig-1", model.SignalExecuted))
	assert.ErrorIs(t, s.UpdateSignalStatus(ctx, "missing", model.SignalCancelled), ErrNotFound)
}

func TestSQLitePositionLifecycle(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	pos := &model.Position{
		ID:         "p-1",
		OwnerID:    "owner",
		RuleID:     "rule-1",
		SignalID:   "sig-1",
		Symbol:     "BTCUSDT",
		Side:       model.Long,
		EntryPrice: 100,
		Size:       1,
		StopLoss:   97,
		TakeProfit: 110,
		Status:     model.PositionOpen,
		OpenedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.CreatePosition(ctx, pos))

	open, err := s.ListOpenPositions(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.Long, open[0].Side)
	assert.Equal(t, 97.0, open[0].StopLoss)

	require.NoError(t, s.ClosePosition(ctx, "p-1", 97, -3, -3, "stop_loss"))

	open, err = s.ListOpenPositions(ctx, "owner")
	require.NoError(t, err)
	assert.Empty(t, open)

	// Closing again is a no-op, not an error.
	require.NoError(t, s.ClosePosition(ctx, "p-1", 94, -6, -6, "stop_loss"))
}
