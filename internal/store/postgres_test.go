package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"sentinel/internal/model"
)

var pgDSN string

func TestMain(m *testing.M) {
	if os.Getenv("SHORT") != "" {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "sentinel",
				"POSTGRES_PASSWORD": "sentinel",
				"POSTGRES_DB":       "sentinel_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not get container port: %v\n", err)
		os.Exit(1)
	}
	pgDSN = fmt.Sprintf("postgres://sentinel:sentinel@%s:%s/sentinel_test?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func testPostgres(t *testing.T) *Postgres {
	t.Helper()
	if pgDSN == "" {
		t.Skip("postgres container not available")
	}

	ctx := context.Background()
	p, err := NewPostgres(ctx, pgDSN, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.Migrate(ctx))
	for _, table := range []string{"positions", "signals", "rules"} {
		_, err := p.pool.Exec(ctx, "TRUNCATE TABLE "+table)
		require.NoError(t, err)
	}
	return p
}

func TestPostgresRuleRoundTrip(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()
	rule := testRule()

	require.NoError(t, p.CreateRule(ctx, rule))

	got, err := p.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Symbols, got.Symbols)
	assert.Equal(t, rule.Intervals, got.Intervals)
	assert.Equal(t, rule.CheckInterval, got.CheckInterval)
	assert.Equal(t, rule.Code, got.Code)

	_, err = p.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresUpdateRule(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()
	rule := testRule()
	require.NoError(t, p.CreateRule(ctx, rule))

	rule.Name = "renamed"
	rule.CheckInterval = 5 * time.Minute
	require.NoError(t, p.UpdateRule(ctx, rule))

	got, err := p.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 5*time.Minute, got.CheckInterval)

	missing := testRule()
	missing.ID = "missing"
	assert.ErrorIs(t, p.UpdateRule(ctx, missing), ErrNotFound)
}

func TestPostgresPositionLifecycle(t *testing.T) {
	p := testPostgres(t)
	ctx := context.Background()

	pos := &model.Position{
		ID:         "p-1",
		OwnerID:    "owner",
		RuleID:     "rule-1",
		SignalID:   "sig-1",
		Symbol:     "BTCUSDT",
		Side:       model.Short,
		EntryPrice: 100,
		Size:       2,
		StopLoss:   103,
		Status:     model.PositionOpen,
		OpenedAt:   time.Now().UTC(),
	}
	require.NoError(t, p.CreatePosition(ctx, pos))

	open, err := p.ListOpenPositions(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, model.Short, open[0].Side)

	require.NoError(t, p.ClosePosition(ctx, "p-1", 103, -6, -3, "stop_loss"))
	open, err = p.ListOpenPositions(ctx, "owner")
	require.NoError(t, err)
	assert.Empty(t, open)
}
