// SkyAware console
// Runs the aircraft feed in-process and shows the tracked aircraft as a
// sortable table in the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/abcd567a/dump1090/internal/app"
	"github.com/abcd567a/dump1090/internal/logging"
	"github.com/abcd567a/dump1090/pkg/config"
	"github.com/abcd567a/dump1090/pkg/feed"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	logPath := flag.String("log", "skyaware-console.log", "Log file (the terminal belongs to the UI)")
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

	if err := logging.InitWriter(*logPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer logging.Close()
	logger := logging.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The program must exist before callbacks can post into it
	var p *tea.Program
	callbacks := feed.Callbacks{
		OnNewData:      func(s feed.Snapshot) { p.Send(snapshotMsg(s)) },
		OnDataError:    func(message string) { p.Send(errMsg(message)) },
		OnUnauthorized: func() { p.Send(unauthorizedMsg{}) },
	}

	backend := feed.ModePoll
	if cfg.StreamMode() {
		backend = feed.ModeStream
	}
	p = tea.NewProgram(newModel(backend), tea.WithAltScreen())

	// Bootstrap failures are delivered through the callbacks, which block
	// until the program is running.
	go func() {
		fetcher, err := app.NewFetcher(ctx, cfg, callbacks, nil, logger)
		if err != nil {
			logger.Errorw("Failed to start feed", "error", err)
			return
		}
		if err := fetcher.Run(ctx); err != nil {
			logger.Errorw("Feed stopped", "error", err)
		}
	}()

	final, err := p.Run()
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m, ok := final.(model); ok && m.denied {
		fmt.Fprintln(os.Stderr, m.lastError)
		os.Exit(2)
	}
}
