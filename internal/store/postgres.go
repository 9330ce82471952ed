package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sentinel/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rules (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	name           TEXT NOT NULL,
	symbols        TEXT[] NOT NULL,
	intervals      TEXT[] NOT NULL,
	check_interval BIGINT NOT NULL,
	code           TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_owner_status ON rules(owner_id, status);

CREATE TABLE IF NOT EXISTS signals (
	id            TEXT PRIMARY KEY,
	rule_id       TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	trigger_price DOUBLE PRECISION NOT NULL,
	target_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
	stop_loss     DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence    INT NOT NULL DEFAULT 0,
	reasoning     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_owner_status ON signals(owner_id, status);
CREATE INDEX IF NOT EXISTS idx_signals_rule ON signals(rule_id);

CREATE TABLE IF NOT EXISTS positions (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	rule_id      TEXT NOT NULL,
	signal_id    TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	entry_price  DOUBLE PRECISION NOT NULL,
	exit_price   DOUBLE PRECISION,
	size         DOUBLE PRECISION NOT NULL,
	stop_loss    DOUBLE PRECISION NOT NULL DEFAULT 0,
	take_profit  DOUBLE PRECISION NOT NULL DEFAULT 0,
	trailing_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl          DOUBLE PRECISION NOT NULL DEFAULT 0,
	pnl_percent  DOUBLE PRECISION NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	close_reason TEXT,
	opened_at    TIMESTAMPTZ NOT NULL,
	closed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_positions_owner_status ON positions(owner_id, status);
`

// Postgres is the shared-database backend for deployments where several
// services read the same state.
type Postgres struct {
	logger *slog.Logger
	pool   *pgxpool.Pool
}

// NewPostgres connects a pool to the given DSN.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{logger: logger, pool: pool}, nil
}

// Migrate applies the schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	p.logger.Info("Store: postgres schema ready")
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) CreateRule(ctx context.Context, r *model.Rule) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO rules (id, owner_id, name, symbols, intervals, check_interval, code, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.OwnerID, r.Name, r.Symbols, r.Intervals, int64(r.CheckInterval.Seconds()),
		r.Code, r.Status, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create rule %s: %w", r.ID, err)
	}
	return nil
}

func (p *Postgres) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	var (
		r            model.Rule
		intervalSecs int64
	)
	err := p.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, symbols, intervals, check_interval, code, status, created_at, updated_at
		 FROM rules WHERE id = $1`, id).
		Scan(&r.ID, &r.OwnerID, &r.Name, &r.Symbols, &r.Intervals, &intervalSecs,
			&r.Code, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	r.CheckInterval = time.Duration(intervalSecs) * time.Second
	return &r, nil
}

func (p *Postgres) UpdateRule(ctx context.Context, r *model.Rule) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rules SET name = $1, symbols = $2, intervals = $3, check_interval = $4, code = $5, status = $6, updated_at = $7
		 WHERE id = $8`,
		r.Name, r.Symbols, r.Intervals, int64(r.CheckInterval.Seconds()), r.Code, r.Status, time.Now(), r.ID)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteRule(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE rules SET status = $1, updated_at = $2 WHERE id = $3`,
		model.RuleDeleted, time.Now(), id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListActiveRules(ctx context.Context, ownerID string) ([]*model.Rule, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, owner_id, name, symbols, intervals, check_interval, code, status, created_at, updated_at
		 FROM rules WHERE owner_id = $1 AND status = $2 ORDER BY created_at`,
		ownerID, model.RuleActive)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		var (
			r            model.Rule
			intervalSecs int64
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Name, &r.Symbols, &r.Intervals, &intervalSecs,
			&r.Code, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.CheckInterval = time.Duration(intervalSecs) * time.Second
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateSignal(ctx context.Context, s *model.Signal) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO signals (id, rule_id, owner_id, symbol, timeframe, trigger_price, target_price, stop_loss, confidence, reasoning, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.RuleID, s.OwnerID, s.Symbol, s.Timeframe, s.TriggerPrice,
		s.TargetPrice, s.StopLoss, s.Confidence, s.Reasoning, s.Status,
		s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create signal %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) UpdateSignalStatus(ctx context.Context, id string, status model.SignalStatus) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE signals SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update signal %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) CreatePosition(ctx context.Context, pos *model.Position) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO positions (id, owner_id, rule_id, signal_id, symbol, side, entry_price, size, stop_loss, take_profit, trailing_pct, pnl, pnl_percent, status, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		pos.ID, pos.OwnerID, pos.RuleID, pos.SignalID, pos.Symbol, pos.Side, pos.EntryPrice,
		pos.Size, pos.StopLoss, pos.TakeProfit, pos.TrailingPct, pos.PnL, pos.PnLPercent, pos.Status, pos.OpenedAt)
	if err != nil {
		return fmt.Errorf("create position %s: %w", pos.ID, err)
	}
	return nil
}

func (p *Postgres) UpdatePosition(ctx context.Context, pos *model.Position) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE positions SET stop_loss = $1, take_profit = $2, trailing_pct = $3, status = $4 WHERE id = $5`,
		pos.StopLoss, pos.TakeProfit, pos.TrailingPct, pos.Status, pos.ID)
	if err != nil {
		return fmt.Errorf("update position %s: %w", pos.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", pos.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ClosePosition(ctx context.Context, id string, exitPrice, pnl, pnlPercent float64, reason string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE positions SET status = $1, exit_price = $2, pnl = $3, pnl_percent = $4, close_reason = $5, closed_at = $6
		 WHERE id = $7 AND status != $1`,
		model.PositionClosed, exitPrice, pnl, pnlPercent, reason, time.Now(), id)
	if err != nil {
		return fmt.Errorf("close position %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) ListOpenPositions(ctx context.Context, ownerID string) ([]*model.Position, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, owner_id, rule_id, signal_id, symbol, side, entry_price, size, stop_loss, take_profit, trailing_pct, pnl, pnl_percent, status, COALESCE(close_reason, ''), opened_at, closed_at
		 FROM positions WHERE owner_id = $1 AND status = ANY($2) ORDER BY opened_at`,
		ownerID, []string{string(model.PositionOpen), string(model.PositionOpening)})
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []*model.Position
	for rows.Next() {
		var pos model.Position
		if err := rows.Scan(&pos.ID, &pos.OwnerID, &pos.RuleID, &pos.SignalID, &pos.Symbol, &pos.Side,
			&pos.EntryPrice, &pos.Size, &pos.StopLoss, &pos.TakeProfit, &pos.TrailingPct, &pos.PnL, &pos.PnLPercent,
			&pos.Status, &pos.CloseReason, &pos.OpenedAt, &pos.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, &pos)
	}
	return out, rows.Err()
}
