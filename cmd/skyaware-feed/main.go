// SkyAware feed service
// Runs the configured aircraft backend and serves its snapshots over HTTP,
// WebSocket and (optionally) Redis pub/sub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/abcd567a/dump1090/internal/app"
	"github.com/abcd567a/dump1090/internal/logging"
	"github.com/abcd567a/dump1090/internal/publish"
	"github.com/abcd567a/dump1090/internal/server"
	"github.com/abcd567a/dump1090/pkg/config"
	"github.com/abcd567a/dump1090/pkg/feed"
)

var configPath = flag.String("config", "configs/config.json", "Path to configuration file")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "skyaware-feed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Init(cfg.Logging.Environment, cfg.Logging.Level); err != nil {
		return err
	}
	defer logging.Close()
	logger := logging.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Unauthorized is terminal: the feed cancels everything.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	feedMetrics := feed.NewMetrics(reg)
	serverMetrics := server.NewMetrics(reg)

	backend := feed.ModePoll
	if cfg.StreamMode() {
		backend = feed.ModeStream
	}
	hub := server.NewHub(backend, cfg.Server.SnapshotTTL(), logger, serverMetrics)
	defer hub.Close()

	var publisher *publish.Publisher
	if cfg.Redis.Enabled {
		client := publish.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer client.Close()
		publisher = publish.New(client, publish.Config{
			Channel:   cfg.Redis.Channel,
			LatestTTL: cfg.Server.SnapshotTTL(),
			Logger:    logger,
		})
	}

	callbacks := feed.Callbacks{
		OnNewData: func(s feed.Snapshot) {
			hub.Publish(s)
			if publisher != nil {
				publisher.Offer(s)
			}
		},
		OnDataError: func(message string) {
			logger.Warnw("Aircraft feed error", "message", message)
			hub.ReportError(message)
		},
		OnUnauthorized: func() {
			logger.Errorw("Credentials endpoint rejected this client; shutting down")
			hub.ReportUnauthorized()
			cancel()
		},
	}

	fetcher, err := app.NewFetcher(ctx, cfg, callbacks, feedMetrics, logger)
	if err != nil {
		return err
	}
	logger.Infow("Aircraft feed configured",
		"backend", fetcher.Name(),
		"aircraft_url", cfg.Feed.AircraftURL,
		"credentials_url", cfg.Session.CredentialsURL,
	)

	httpServer := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: server.New(hub, server.Options{
			AllowedOrigins:     cfg.Server.AllowedOrigins,
			RateLimitPerSecond: cfg.Server.RateLimitPerSecond,
			RateLimitBurst:     cfg.Server.RateLimitBurst,
			TrustProxyHeaders:  cfg.Server.TrustProxyHeaders,
			Gatherer:           reg,
			Metrics:            serverMetrics,
			Logger:             logger,
		}).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return fetcher.Run(gctx)
	})

	g.Go(func() error {
		logger.Infow("Server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if publisher != nil {
		g.Go(func() error {
			return publisher.Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Infow("Feed service stopped")
	return err
}
