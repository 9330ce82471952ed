package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sentinel/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rules (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	name           TEXT NOT NULL,
	symbols        TEXT NOT NULL,
	intervals      TEXT NOT NULL,
	check_interval INTEGER NOT NULL,
	code           TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_owner_status ON rules(owner_id, status);

CREATE TABLE IF NOT EXISTS signals (
	id            TEXT PRIMARY KEY,
	rule_id       TEXT NOT NULL,
	owner_id      TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	timeframe     TEXT NOT NULL,
	trigger_price REAL NOT NULL,
	target_price  REAL NOT NULL DEFAULT 0,
	stop_loss     REAL NOT NULL DEFAULT 0,
	confidence    INTEGER NOT NULL DEFAULT 0,
	reasoning     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
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
	entry_price  REAL NOT NULL,
	exit_price   REAL,
	size         REAL NOT NULL,
	stop_loss    REAL NOT NULL DEFAULT 0,
	take_profit  REAL NOT NULL DEFAULT 0,
	trailing_pct REAL NOT NULL DEFAULT 0,
	pnl          REAL NOT NULL DEFAULT 0,
	pnl_percent  REAL NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	close_reason TEXT,
	opened_at    TIMESTAMP NOT NULL,
	closed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_positions_owner_status ON positions(owner_id, status);
`

// SQLite is the embedded single-file backend. Good for single-owner
// deployments where the engine and its state travel together.
type SQLite struct {
	logger *slog.Logger
	db     *sql.DB
}

// NewSQLite opens, or creates, the database file at path.
func NewSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return &SQLite{logger: logger, db: db}, nil
}

// Migrate applies the schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	s.logger.Info("Store: sqlite schema ready")
	return nil
}

// Close closes the database file.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateRule(ctx context.Context, r *model.Rule) error {
	symbols, intervals, err := encodeLists(r.Symbols, r.Intervals)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rules (id, owner_id, name, symbols, intervals, check_interval, code, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.Name, symbols, intervals, int64(r.CheckInterval.Seconds()),
		r.Code, r.Status, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLite) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, symbols, intervals, check_interval, code, status, created_at, updated_at
		 FROM rules WHERE id = ?`, id)
	return scanRule(row)
}

func (s *SQLite) UpdateRule(ctx context.Context, r *model.Rule) error {
	symbols, intervals, err := encodeLists(r.Symbols, r.Intervals)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET name = ?, symbols = ?, intervals = ?, check_interval = ?, code = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		r.Name, symbols, intervals, int64(r.CheckInterval.Seconds()), r.Code, r.Status, time.Now(), r.ID)
	if err != nil {
		return fmt.Errorf("update rule %s: %w", r.ID, err)
	}
	return requireRow(res, r.ID)
}

// DeleteRule soft-deletes so historical signals keep a resolvable rule id.
func (s *SQLite) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET status = ?, updated_at = ? WHERE id = ?`,
		model.RuleDeleted, time.Now(), id)
	if err != nil {
		return fmt.Errorf("delete rule %s: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLite) ListActiveRules(ctx context.Context, ownerID string) ([]*model.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, symbols, intervals, check_interval, code, status, created_at, updated_at
		 FROM rules WHERE owner_id = ? AND status = ? ORDER BY created_at`,
		ownerID, model.RuleActive)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateSignal(ctx context.Context, sig *model.Signal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (id, rule_id, owner_id, symbol, timeframe, trigger_price, target_price, stop_loss, confidence, reasoning, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.RuleID, sig.OwnerID, sig.Symbol, sig.Timeframe, sig.TriggerPrice,
		sig.TargetPrice, sig.StopLoss, sig.Confidence, sig.Reasoning, sig.Status,
		sig.CreatedAt, sig.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create signal %s: %w", sig.ID, err)
	}
	return nil
}

func (s *SQLite) UpdateSignalStatus(ctx context.Context, id string, status model.SignalStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE signals SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update signal %s: %w", id, err)
	}
	return requireRow(res, id)
}

func (s *SQLite) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (id, owner_id, rule_id, signal_id, symbol, side, entry_price, size, stop_loss, take_profit, trailing_pct, pnl, pnl_percent, status, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.RuleID, p.SignalID, p.Symbol, p.Side, p.EntryPrice,
		p.Size, p.StopLoss, p.TakeProfit, p.TrailingPct, p.PnL, p.PnLPercent, p.Status, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("create position %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLite) UpdatePosition(ctx context.Context, p *model.Position) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET stop_loss = ?, take_profit = ?, trailing_pct = ?, status = ? WHERE id = ?`,
		p.StopLoss, p.TakeProfit, p.TrailingPct, p.Status, p.ID)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	return requireRow(res, p.ID)
}

func (s *SQLite) ClosePosition(ctx context.Context, id string, exitPrice, pnl, pnlPercent float64, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET status = ?, exit_price = ?, pnl = ?, pnl_percent = ?, close_reason = ?, closed_at = ?
		 WHERE id = ? AND status != ?`,
		model.PositionClosed, exitPrice, pnl, pnlPercent, reason, time.Now(), id, model.PositionClosed)
	if err != nil {
		return fmt.Errorf("close position %s: %w", id, err)
	}
	// A position already closed is not an error; the close is idempotent.
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("Store: close was a no-op", "position_id", id)
	}
	return nil
}

func (s *SQLite) ListOpenPositions(ctx context.Context, ownerID string) ([]*model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, rule_id, signal_id, symbol, side, entry_price, size, stop_loss, take_profit, trailing_pct, pnl, pnl_percent, status, close_reason, opened_at, closed_at
		 FROM positions WHERE owner_id = ? AND status IN (?, ?) ORDER BY opened_at`,
		ownerID, model.PositionOpen, model.PositionOpening)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []*model.Position
	for rows.Next() {
		var (
			p           model.Position
			closeReason sql.NullString
			closedAt    sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.RuleID, &p.SignalID, &p.Symbol, &p.Side,
			&p.EntryPrice, &p.Size, &p.StopLoss, &p.TakeProfit, &p.TrailingPct, &p.PnL, &p.PnLPercent,
			&p.Status, &closeReason, &p.OpenedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.CloseReason = closeReason.String
		if closedAt.Valid {
			t := closedAt.Time
			p.ClosedAt = &t
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*model.Rule, error) {
	var (
		r              model.Rule
		symbols, ivals string
		intervalSecs   int64
	)
	err := row.Scan(&r.ID, &r.OwnerID, &r.Name, &symbols, &ivals, &intervalSecs,
		&r.Code, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	if err := json.Unmarshal([]byte(symbols), &r.Symbols); err != nil {
		return nil, fmt.Errorf("decode symbols: %w", err)
	}
	if err := json.Unmarshal([]byte(ivals), &r.Intervals); err != nil {
		return nil, fmt.Errorf("decode intervals: %w", err)
	}
	r.CheckInterval = time.Duration(intervalSecs) * time.Second
	return &r, nil
}

func encodeLists(symbols, intervals []string) (string, string, error) {
	sb, err := json.Marshal(symbols)
	if err != nil {
		return "", "", fmt.Errorf("encode symbols: %w", err)
	}
	ib, err := json.Marshal(intervals)
	if err != nil {
		return "", "", fmt.Errorf("encode intervals: %w", err)
	}
	return string(sb), string(ib), nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
