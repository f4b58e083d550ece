// Package app wires configuration into a running feed backend. The feed
// service and the terminal consumers share it.
package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/abcd567a/dump1090/pkg/config"
	"github.com/abcd567a/dump1090/pkg/feed"
)

// FeedOptions translates cfg into backend options.
func FeedOptions(cfg *config.Config, cb feed.Callbacks, metrics *feed.Metrics, logger *zap.SugaredLogger) feed.Options {
	opts := feed.Options{
		Mode: cfg.Feed.Mode,
		Poll: feed.PollConfig{
			URL:             cfg.Feed.AircraftURL,
			RefreshInterval: cfg.Feed.RefreshInterval(),
			Callbacks:       cb,
			Logger:          logger,
			Metrics:         metrics,
		},
	}

	if cfg.StreamMode() {
		opts.Mode = feed.ModeStream
		opts.Stream = feed.StreamConfig{
			Sessions:   feed.NewHTTPSessionSource(cfg.Session.CredentialsURL, cfg.Session.QueryValues()),
			SocketPort: cfg.Session.SocketPort,
			Schedule:   feed.BackoffSchedule(cfg.Session.Backoff()),
			Callbacks:  cb,
			Logger:     logger,
			Metrics:    metrics,
		}
	} else {
		opts.Mode = feed.ModePoll
	}
	return opts
}

// NewFetcher builds the configured backend. In stream mode this fetches the
// bootstrap session, so failures have already been reported through cb.
func NewFetcher(ctx context.Context, cfg *config.Config, cb feed.Callbacks, metrics *feed.Metrics, logger *zap.SugaredLogger) (feed.Fetcher, error) {
	return feed.New(ctx, FeedOptions(cfg, cb, metrics, logger))
}
