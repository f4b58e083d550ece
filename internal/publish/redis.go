// Package publish forwards snapshots to Redis so other services can follow
// the feed without polling the HTTP endpoint.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/abcd567a/dump1090/internal/logging"
	"github.com/abcd567a/dump1090/pkg/feed"
)

// Client is the subset of *redis.Client the publisher needs.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Config configures a Publisher.
type Config struct {
	// Channel receives every snapshot as a JSON message
	Channel string

	// LatestTTL is how long the "<channel>:latest" key lives
	LatestTTL time.Duration

	// Timeout bounds each Redis round trip
	Timeout time.Duration

	Logger *zap.SugaredLogger
}

// Publisher sends snapshots to a Redis channel and keeps the latest one
// under a key. Offer never blocks: when Redis falls behind, older pending
// snapshots are replaced by newer ones.
type Publisher struct {
	client  Client
	channel string
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.SugaredLogger

	pending chan feed.Snapshot
}

// NewClient creates a go-redis client and checks the connection.
// A failed ping is logged; the pool keeps retrying.
func NewClient(addr, password string, db int) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := logging.GetLogger()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warnw("Failed to ping Redis", "addr", addr, "error", err)
		return client
	}
	logger.Infow("Connected to Redis", "addr", addr, "db", db)
	return client
}

// New creates a publisher on client.
func New(client Client, cfg Config) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	return &Publisher{
		client:  client,
		channel: cfg.Channel,
		ttl:     cfg.LatestTTL,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.Named("redis"),
		pending: make(chan feed.Snapshot, 1),
	}
}

// LatestKey is the key holding the most recent snapshot.
func (p *Publisher) LatestKey() string {
	return p.channel + ":latest"
}

// Offer queues snapshot for publishing, replacing any snapshot still queued.
func (p *Publisher) Offer(snapshot feed.Snapshot) {
	for {
		select {
		case p.pending <- snapshot:
			return
		default:
		}
		select {
		case <-p.pending:
		default:
		}
	}
}

// Run publishes queued snapshots until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Infow("Publishing snapshots", "channel", p.channel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot := <-p.pending:
			if err := p.Publish(ctx, snapshot); err != nil && ctx.Err() == nil {
				p.logger.Warnw("Failed to publish snapshot", "error", err)
			}
		}
	}
}

// Publish writes one snapshot to the latest key and the channel.
func (p *Publisher) Publish(ctx context.Context, snapshot feed.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Set(ctx, p.LatestKey(), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store latest snapshot: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}
