// Package app provides the top-level application lifecycle for the hedge bot.
// It wires together all dependencies (stores, caches, blob storage, the
// integrity seal, and notifications), builds the journal/governor/engine
// component graph, and starts the goroutines for the configured operating
// mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openquant/hedgebot/internal/config"
	"github.com/openquant/hedgebot/internal/domain"
)

// App is the root application object. Venue adapters are injected by the
// caller; this module never speaks a venue wire protocol itself.
type App struct {
	cfg     *config.Config
	venues  map[domain.VenueName]domain.VenueAdapter
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration, venue adapters, and logger.
func New(cfg *config.Config, venues map[domain.VenueName]domain.VenueAdapter, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		venues: venues,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Int("venues", len(a.venues)),
		slog.Int("pairs", len(a.cfg.Pairs)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	mode := strings.ToLower(a.cfg.Mode)
	switch mode {
	case "trade":
		return a.TradeMode(ctx, deps)
	case "monitor":
		return a.MonitorMode(ctx, deps)
	case "recover":
		return a.RecoverMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
