package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sentinel/internal/config"
	"sentinel/internal/engine"
	"sentinel/internal/events"
	"sentinel/internal/feed"
	"sentinel/internal/model"
	"sentinel/internal/order"
	"sentinel/internal/store"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("Main: cannot load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, &cfg, logger)
	if err != nil {
		logger.Error("Main: cannot open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Error("Main: migration failed", "error", err)
		os.Exit(1)
	}

	fd := feed.NewBinance(logger, feed.Options{
		Symbols:   cfg.Engine.Symbols,
		Intervals: cfg.Engine.Intervals,
	})

	executor, balance := newExecutor(logger, &cfg, fd)

	bus := events.New()
	eng := engine.New(logger, &cfg, st, fd, executor, balance, bus)

	_ = bus.SubscribeSignal(func(s *model.Signal) {
		logger.Info("Main: signal awaiting approval", "signal_id", s.ID, "symbol", s.Symbol, "price", s.TriggerPrice)
	})

	if err := eng.Start(ctx); err != nil {
		logger.Error("Main: engine failed to start", "error", err)
		os.Exit(1)
	}

	logger.Info("Main: running", "owner", cfg.Owner, "paper", cfg.Trading.Paper, "storage", cfg.Storage.Driver)
	<-ctx.Done()

	if err := eng.Stop(); err != nil {
		logger.Error("Main: shutdown error", "error", err)
	}
}

// newExecutor selects paper or live execution from configuration. Both sit
// behind the same interface; nothing downstream knows which is in play.
func newExecutor(logger *slog.Logger, cfg *config.Config, prices order.PriceSource) (order.Executor, engine.BalanceFunc) {
	if cfg.Trading.Paper {
		paper := order.NewPaper(logger, prices, cfg.Trading.PaperBalance, cfg.Trading.CommissionRate)
		return paper, paper.Balance
	}
	live := order.NewLive(logger, cfg.Exchange.APIKey, cfg.Exchange.SecretKey)
	return live, func() float64 {
		return live.Balance(context.Background(), cfg.Trading.QuoteAsset)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
