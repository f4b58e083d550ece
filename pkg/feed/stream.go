package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/abcd567a/dump1090/internal/logging"
)

const (
	// DefaultSocketPort is the stream server port when none is configured
	DefaultSocketPort = 443

	streamName = "stream"
)

// StreamConfig configures a StreamFetcher.
type StreamConfig struct {
	// Session is the bootstrap document obtained at startup. Required.
	Session *Session

	// Sessions issues fresh sessions before each reconnect. Required.
	Sessions SessionSource

	// SocketPort is the stream server port (default DefaultSocketPort)
	SocketPort int

	// Dialer defaults to a gorilla/websocket dialer
	Dialer Dialer

	// Schedule defaults to DefaultBackoffSchedule()
	Schedule BackoffSchedule

	Callbacks

	// Logger defaults to the global logger
	Logger *zap.SugaredLogger

	// Metrics may be nil
	Metrics *Metrics

	// Now defaults to time.Now
	Now func() time.Time
}

type eventKind int

const (
	evOpened eventKind = iota
	evDialFailed
	evMessage
	evClosed
	evRefreshed
	evRefreshFailed
)

// event is posted by I/O goroutines to the event loop.
type event struct {
	kind    eventKind
	socket  Socket
	payload []byte
	session *Session
	err     error
}

// StreamFetcher keeps a WebSocket to the stream server open, merges the
// incremental messages it receives into a working set and emits a snapshot
// on every tick of the session interval, whether or not it is connected.
//
// All state is owned by the goroutine running Run; dialing, reading and
// credential refreshes happen on helper goroutines that report back over a
// channel.
type StreamFetcher struct {
	session   *Session
	sessions  SessionSource
	port      int
	dialer    Dialer
	callbacks Callbacks
	logger    *zap.SugaredLogger
	metrics   *Metrics
	now       func() time.Time
	interval  time.Duration

	conn   *Connection
	set    *WorkingSet
	socket Socket
	events chan event
	after  func(time.Duration) <-chan time.Time
}

// NewStreamFetcher validates the session and creates a stream backend.
// Invalid bootstrap data is reported through OnDataError as well as returned.
func NewStreamFetcher(cfg StreamConfig) (*StreamFetcher, error) {
	if err := cfg.Session.Validate(); err != nil {
		cfg.Callbacks.dataError(fmt.Sprintf("Unable to start the aircraft feed: %v.", err))
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session source is required")
	}
	if cfg.OnNewData == nil {
		return nil, errors.New("OnNewData callback is required")
	}

	if cfg.SocketPort == 0 {
		cfg.SocketPort = DefaultSocketPort
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebSocketDialer()
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultBackoffSchedule()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &StreamFetcher{
		session:   cfg.Session,
		sessions:  cfg.Sessions,
		port:      cfg.SocketPort,
		dialer:    cfg.Dialer,
		callbacks: cfg.Callbacks,
		logger:    cfg.Logger.Named(streamName),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
		interval:  cfg.Session.EmitInterval(),
		conn:      NewConnection(cfg.Schedule),
		set:       NewWorkingSet(),
		events:    make(chan event, 64),
		after:     time.After,
	}, nil
}

// Name returns "stream".
func (f *StreamFetcher) Name() string {
	return streamName
}

// State returns the connection state. Only meaningful from the Run
// goroutine or after Run returns.
func (f *StreamFetcher) State() ConnState {
	return f.conn.State()
}

// Run dials immediately and processes events until ctx is cancelled.
func (f *StreamFetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	defer f.closeSocket()

	f.logger.Infow("Starting stream",
		"server", f.session.SocketServer,
		"locations", len(f.session.Locations),
		"interval", f.interval,
	)
	f.metrics.state(f.conn.State())
	f.dial(ctx)

	var reconnect <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.emit(f.now())
		case ev := <-f.events:
			if delay, ok := f.handle(ctx, ev); ok {
				reconnect = f.after(delay)
			}
		case <-reconnect:
			reconnect = nil
			f.refresh(ctx)
		}
	}
}

// handle applies one event and returns a reconnect delay when one should be
// scheduled.
func (f *StreamFetcher) handle(ctx context.Context, ev event) (time.Duration, bool) {
	defer func() { f.metrics.state(f.conn.State()) }()

	switch ev.kind {
	case evOpened:
		if err := f.conn.OnOpen(); err != nil {
			f.logger.Warnw("Discarding unexpected socket", "error", err)
			ev.socket.Close()
			return 0, false
		}
		f.socket = ev.socket
		f.logger.Infow("Stream connected", "server", f.session.SocketServer)
		go f.read(ctx, ev.socket)

	case evMessage:
		f.ingest(ev.payload)

	case evClosed:
		if ev.socket != f.socket {
			return 0, false
		}
		f.closeSocket()
		return f.onClose(ev.err)

	case evDialFailed:
		return f.onClose(ev.err)

	case evRefreshed:
		if err := f.conn.OnRefreshed(); err != nil {
			f.logger.Warnw("Ignoring refreshed session", "error", err)
			return 0, false
		}
		f.session = ev.session
		f.metrics.reconnect()
		f.logger.Infow("Session refreshed, reconnecting", "attempt", f.conn.Attempts())
		f.dial(ctx)

	case evRefreshFailed:
		if err := f.conn.OnRefreshFailed(); err != nil {
			f.logger.Warnw("Ignoring refresh failure", "error", err)
			return 0, false
		}
		if errors.Is(ev.err, ErrUnauthorized) {
			f.logger.Warnw("Session refresh rejected, leaving feed", "error", ev.err)
			f.callbacks.unauthorized()
			return 0, false
		}
		f.logger.Errorw("Session refresh failed", "error", ev.err)
		f.callbacks.dataError(fmt.Sprintf(
			"Unable to refresh the aircraft feed session (%v). Reload the page to reconnect.", ev.err))
	}
	return 0, false
}

func (f *StreamFetcher) onClose(cause error) (time.Duration, bool) {
	delay, err := f.conn.OnClose()
	if err != nil {
		if errors.Is(err, ErrRetriesExhausted) {
			f.logger.Errorw("Giving up on stream", "error", err, "cause", cause)
			f.callbacks.dataError("Lost the connection to the aircraft feed and could not reconnect. Reload the page to try again.")
		} else {
			f.logger.Warnw("Ignoring close", "error", err)
		}
		return 0, false
	}
	f.logger.Warnw("Stream closed, reconnecting",
		"cause", cause,
		"delay", delay,
		"attempt", f.conn.Attempts()+1,
	)
	return delay, true
}

func (f *StreamFetcher) ingest(payload []byte) {
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		f.logger.Debugw("Dropping undecodable message", "error", err)
		f.metrics.message(false)
		return
	}
	f.metrics.message(f.set.Ingest(msg, f.now()))
}

func (f *StreamFetcher) emit(now time.Time) {
	snapshot, evicted := f.set.Snapshot(now)
	f.metrics.evicted(evicted)
	f.metrics.snapshot(streamName, f.set.Len())
	f.callbacks.newData(snapshot)
}

// dial opens a socket and sends the handshake in the background.
func (f *StreamFetcher) dial(ctx context.Context) {
	url := f.session.SocketURL(f.port)
	handshake := f.session.HandshakePayload()

	go func() {
		socket, err := f.dialer.Dial(ctx, url)
		if err != nil {
			f.post(ctx, event{kind: evDialFailed, err: err})
			return
		}
		if err := socket.WriteMessage(websocket.TextMessage, handshake); err != nil {
			socket.Close()
			f.post(ctx, event{kind: evDialFailed, err: fmt.Errorf("failed to send handshake: %w", err)})
			return
		}
		if !f.post(ctx, event{kind: evOpened, socket: socket}) {
			socket.Close()
		}
	}()
}

// read forwards frames until the socket fails.
func (f *StreamFetcher) read(ctx context.Context, socket Socket) {
	for {
		_, data, err := socket.ReadMessage()
		if err != nil {
			f.post(ctx, event{kind: evClosed, socket: socket, err: err})
			return
		}
		if !f.post(ctx, event{kind: evMessage, payload: data}) {
			return
		}
	}
}

// refresh fetches fresh credentials in the background.
func (f *StreamFetcher) refresh(ctx context.Context) {
	if err := f.conn.BeginRefresh(); err != nil {
		f.logger.Warnw("Skipping refresh", "error", err)
		return
	}
	f.metrics.state(f.conn.State())

	go func() {
		session, err := f.sessions.FetchSession(ctx)
		if err == nil {
			err = session.Validate()
		}
		if err != nil {
			f.post(ctx, event{kind: evRefreshFailed, err: err})
			return
		}
		f.post(ctx, event{kind: evRefreshed, session: session})
	}()
}

func (f *StreamFetcher) post(ctx context.Context, ev event) bool {
	select {
	case f.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *StreamFetcher) closeSocket() {
	if f.socket != nil {
		f.socket.Close()
		f.socket = nil
	}
}
