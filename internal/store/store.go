// Package store persists rules, signals and positions. Three backends hide
// behind one interface: an embedded sqlite file, a postgres pool and a remote
// REST service. The backend is chosen once at startup from configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sentinel/internal/config"
	"sentinel/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract the engine depends on.
type Store interface {
	Migrate(ctx context.Context) error

	CreateRule(ctx context.Context, r *model.Rule) error
	GetRule(ctx context.Context, id string) (*model.Rule, error)
	UpdateRule(ctx context.Context, r *model.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ListActiveRules(ctx context.Context, ownerID string) ([]*model.Rule, error)

	CreateSignal(ctx context.Context, s *model.Signal) error
	UpdateSignalStatus(ctx context.Context, id string, status model.SignalStatus) error

	CreatePosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p *model.Position) error
	ClosePosition(ctx context.Context, id string, exitPrice, pnl, pnlPercent float64, reason string) error
	ListOpenPositions(ctx context.Context, ownerID string) ([]*model.Position, error)

	Close() error
}

// New selects and constructs the backend named by the configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return NewSQLite(cfg.Storage.Path, logger)
	case "postgres":
		return NewPostgres(ctx, cfg.Storage.DSN, logger)
	case "rest":
		return NewREST(cfg.Storage.URL, cfg.Storage.APIKey, logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}
