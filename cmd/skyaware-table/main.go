// SkyAware table
// Full-screen tview table of the tracked aircraft with a live log panel.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/abcd567a/dump1090/internal/app"
	"github.com/abcd567a/dump1090/internal/logging"
	"github.com/abcd567a/dump1090/pkg/config"
	"github.com/abcd567a/dump1090/pkg/feed"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level := zapcore.InfoLevel
	if cfg.Logging.Level != "" {
		if l, err := zapcore.ParseLevel(cfg.Logging.Level); err == nil {
			level = l
		}
	}

	// Logs go to the on-screen panel; stderr belongs to the terminal UI
	logs := NewLogPanel(200)
	logging.SetLogger(zap.New(logs.Core(level)).Sugar())
	logger := logging.GetLogger()

	backend := feed.ModePoll
	if cfg.StreamMode() {
		backend = feed.ModeStream
	}
	a := NewApp(backend, logs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callbacks := feed.Callbacks{
		OnNewData:   a.SetSnapshot,
		OnDataError: a.SetError,
		OnUnauthorized: func() {
			logger.Errorw("No longer authorized to view this feed")
			a.Stop()
		},
	}

	go func() {
		fetcher, err := app.NewFetcher(ctx, cfg, callbacks, nil, logger)
		if err != nil {
			logger.Errorw("Failed to start feed", "error", err)
			return
		}
		logger.Infow("Feed started", "backend", fetcher.Name())
		if err := fetcher.Run(ctx); err != nil {
			logger.Errorw("Feed stopped", "error", err)
		}
	}()

	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
