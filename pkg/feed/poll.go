package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/abcd567a/dump1090/internal/logging"
)

const (
	// DefaultAircraftPath is where dump1090 serves its snapshot
	DefaultAircraftPath = "data/aircraft.json"

	// PollTimeout bounds every poll request
	PollTimeout = 5 * time.Second

	pollName = "poll"
)

// ErrMalformedSnapshot is returned when a poll response is not a snapshot.
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// PollConfig configures a PollFetcher.
type PollConfig struct {
	// URL is the snapshot endpoint (e.g. "http://host/dump1090/data/aircraft.json")
	URL string

	// BaseURL is the dump1090 web root; when URL is empty the endpoint is
	// BaseURL joined with DefaultAircraftPath
	BaseURL string

	// RefreshInterval is the time between fetches; must be positive
	RefreshInterval time.Duration

	Callbacks

	// Logger defaults to the global logger
	Logger *zap.SugaredLogger

	// Metrics may be nil
	Metrics *Metrics
}

// PollFetcher periodically fetches a complete snapshot over HTTP.
// A tick that fires while the previous request is outstanding is skipped.
type PollFetcher struct {
	url        string
	interval   time.Duration
	httpClient *http.Client
	callbacks  Callbacks
	logger     *zap.SugaredLogger
	metrics    *Metrics

	// inFlight has weight 1: holding it means a request is outstanding
	inFlight *semaphore.Weighted
	wg       sync.WaitGroup
}

// NewPollFetcher creates a poll backend. It does not fetch until Run.
func NewPollFetcher(cfg PollConfig) (*PollFetcher, error) {
	if cfg.URL == "" && cfg.BaseURL != "" {
		joined, err := url.JoinPath(cfg.BaseURL, DefaultAircraftPath)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		cfg.URL = joined
	}
	if cfg.URL == "" {
		return nil, errors.New("poll URL is required")
	}
	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %v", cfg.RefreshInterval)
	}
	if cfg.OnNewData == nil {
		return nil, errors.New("OnNewData callback is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &PollFetcher{
		url:      cfg.URL,
		interval: cfg.RefreshInterval,
		httpClient: &http.Client{
			Timeout: PollTimeout,
		},
		callbacks: cfg.Callbacks,
		logger:    logger.Named(pollName),
		metrics:   cfg.Metrics,
		inFlight:  semaphore.NewWeighted(1),
	}, nil
}

// Name returns "poll".
func (p *PollFetcher) Name() string {
	return pollName
}

// Run fetches once immediately and then every RefreshInterval until ctx is
// cancelled. It waits for an outstanding request before returning.
func (p *PollFetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Infow("Polling for aircraft", "url", p.url, "interval", p.interval)
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick starts a fetch unless one is outstanding and reports whether it did.
func (p *PollFetcher) tick(ctx context.Context) bool {
	if !p.inFlight.TryAcquire(1) {
		p.metrics.pollSkipped()
		p.logger.Debugw("Previous fetch still pending, skipping tick")
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Release(1)
		p.fetch(ctx)
	}()
	return true
}

func (p *PollFetcher) fetch(ctx context.Context) {
	snapshot, err := p.FetchSnapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.pollFailed()
		p.logger.Warnw("Fetch failed", "url", p.url, "error", err)
		p.callbacks.dataError(pollErrorMessage(p.url, err))
		return
	}

	p.metrics.snapshot(pollName, len(snapshot.Aircraft))
	p.callbacks.newData(snapshot)
}

// FetchSnapshot performs one request and decodes the snapshot.
func (p *PollFetcher) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to fetch aircraft data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        p.url,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var snapshot Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if snapshot.Aircraft == nil {
		snapshot.Aircraft = []Record{}
	}
	return snapshot, nil
}

// pollErrorMessage renders a fetch failure for the user.
func pollErrorMessage(url string, err error) string {
	return fmt.Sprintf("Fetch of %s failed (%s). Maybe dump1090 is no longer running?",
		url, describePollError(err))
}

func describePollError(err error) string {
	if se, ok := IsStatusError(err); ok {
		return "error: " + se.Status()
	}
	if errors.Is(err, ErrMalformedSnapshot) {
		return "parsererror: " + err.Error()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	return "error: " + err.Error()
}
