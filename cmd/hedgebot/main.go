// Command hedgebot is the entry point for the cross-venue hedge bot. It loads
// configuration, validates it, builds venue adapters, sets up signal handling,
// and starts the application in the configured mode.
//
// This binary ships with the paper venue only. Deployments with real venue
// connectivity build their own main that injects concrete adapters into
// app.New.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openquant/hedgebot/internal/app"
	"github.com/openquant/hedgebot/internal/config"
	"github.com/openquant/hedgebot/internal/domain"
	"github.com/openquant/hedgebot/internal/venue/paper"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override configured mode (trade, monitor, recover)")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	venues := paperVenues(cfg)
	logger.Info("hedge bot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Int("venues", len(venues)),
	)

	// Create the application.
	application := app.New(cfg, venues, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if err == context.Canceled {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("hedge bot stopped")
}

// paperVenues builds one paper adapter per venue referenced by the configured
// pairs and watchdog probes.
func paperVenues(cfg *config.Config) map[domain.VenueName]domain.VenueAdapter {
	venues := make(map[domain.VenueName]domain.VenueAdapter)
	add := func(name domain.VenueName) {
		if name == "" {
			return
		}
		if _, ok := venues[name]; !ok {
			venues[name] = paper.New(name)
		}
	}
	for _, p := range cfg.Pairs {
		add(domain.VenueName(p.Long.Venue))
		add(domain.VenueName(p.Short.Venue))
		for _, alt := range p.AltShortVenues {
			add(domain.VenueName(alt.Venue))
		}
	}
	for venue := range cfg.Watchdog.WSProbeURLs {
		add(domain.VenueName(venue))
	}
	return venues
}
