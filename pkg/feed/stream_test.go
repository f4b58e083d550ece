package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// fakeSocket serves frames pushed on reads; closing reads ends the stream.
type fakeSocket struct {
	mu        sync.Mutex
	written   [][]byte
	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-s.reads:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, b, nil
	case <-s.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, append([]byte(nil), data...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) handshakes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.written))
	for i, b := range s.written {
		out[i] = string(b)
	}
	return out
}

type dialerFunc func(ctx context.Context, url string) (Socket, error)

func (f dialerFunc) Dial(ctx context.Context, url string) (Socket, error) {
	return f(ctx, url)
}

type sessionFunc func(ctx context.Context) (*Session, error)

func (f sessionFunc) FetchSession(ctx context.Context) (*Session, error) {
	return f(ctx)
}

func staticSessions(s *Session) SessionSource {
	return sessionFunc(func(context.Context) (*Session, error) { return s, nil })
}

func newTestStream(t *testing.T, dialer Dialer, sessions SessionSource, cb Callbacks) *StreamFetcher {
	t.Helper()
	if cb.OnNewData == nil {
		cb.OnNewData = func(Snapshot) {}
	}
	f, err := NewStreamFetcher(StreamConfig{
		Session:   validSession(),
		Sessions:  sessions,
		Dialer:    dialer,
		Callbacks: cb,
		Logger:    zap.NewNop().Sugar(),
	})
	if err != nil {
		t.Fatalf("NewStreamFetcher: %v", err)
	}
	return f
}

func nextEvent(t *testing.T, f *StreamFetcher) event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
		return event{}
	}
}

func expectKind(t *testing.T, ev event, want eventKind) {
	t.Helper()
	if ev.kind != want {
		t.Fatalf("Expected event kind %d, got %d (err %v)", want, ev.kind, ev.err)
	}
}

func TestNewStreamFetcherValidation(t *testing.T) {
	t.Run("invalid session reported", func(t *testing.T) {
		var msgs []string
		_, err := NewStreamFetcher(StreamConfig{
			Session:  &Session{SocketServer: "stream.example.com"},
			Sessions: staticSessions(validSession()),
			Callbacks: Callbacks{
				OnNewData:   func(Snapshot) {},
				OnDataError: func(m string) { msgs = append(msgs, m) },
			},
		})
		if !errors.Is(err, ErrNoLocations) {
			t.Errorf("Expected ErrNoLocations, got %v", err)
		}
		if len(msgs) != 1 {
			t.Errorf("Expected one data error, got %v", msgs)
		}
	})

	t.Run("session source required", func(t *testing.T) {
		_, err := NewStreamFetcher(StreamConfig{
			Session:   validSession(),
			Callbacks: Callbacks{OnNewData: func(Snapshot) {}},
		})
		if err == nil {
			t.Error("Expected error without session source")
		}
	})

	t.Run("defaults", func(t *testing.T) {
		f := newTestStream(t, nil, staticSessions(validSession()), Callbacks{})
		if f.port != DefaultSocketPort {
			t.Errorf("Expected port %d, got %d", DefaultSocketPort, f.port)
		}
		if f.interval != 2*time.Second {
			t.Errorf("Expected session interval, got %v", f.interval)
		}
		if f.State() != StateConnecting {
			t.Errorf("Expected connecting, got %s", f.State())
		}
	})
}

// TestStreamGivesUpAfterSchedule drives six consecutive failed opens and
// checks the delays and the single terminal error.
func TestStreamGivesUpAfterSchedule(t *testing.T) {
	var dialed []string
	var mu sync.Mutex
	dialer := dialerFunc(func(_ context.Context, url string) (Socket, error) {
		mu.Lock()
		dialed = append(dialed, url)
		mu.Unlock()
		return nil, errors.New("connection refused")
	})
	var errs []string
	f := newTestStream(t, dialer, staticSessions(validSession()), Callbacks{
		OnDataError: func(m string) { errs = append(errs, m) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.dial(ctx)
	for i, want := range DefaultBackoffSchedule() {
		ev := nextEvent(t, f)
		expectKind(t, ev, evDialFailed)
		delay, ok := f.handle(ctx, ev)
		if !ok || delay != want {
			t.Fatalf("Close %d: expected delay %v, got %v (ok=%v)", i+1, want, delay, ok)
		}

		f.refresh(ctx)
		ev = nextEvent(t, f)
		expectKind(t, ev, evRefreshed)
		f.handle(ctx, ev)
	}

	ev := nextEvent(t, f)
	expectKind(t, ev, evDialFailed)
	if _, ok := f.handle(ctx, ev); ok {
		t.Error("Expected no reconnect after the schedule is exhausted")
	}
	if f.State() != StateFailed {
		t.Errorf("Expected failed state, got %s", f.State())
	}
	if len(errs) != 1 || !strings.Contains(errs[0], "could not reconnect") {
		t.Errorf("Expected one terminal error, got %v", errs)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 6 {
		t.Errorf("Expected 6 dials, got %d", len(dialed))
	}
	if dialed[0] != "wss://stream.example.com:443/" {
		t.Errorf("Unexpected socket URL %q", dialed[0])
	}
}

// TestStreamReconnectKeepsWorkingSet checks that a reconnect resets the
// backoff, sends a fresh handshake and keeps counting messages.
func TestStreamReconnectKeepsWorkingSet(t *testing.T) {
	sockets := make(chan *fakeSocket, 4)
	dialer := dialerFunc(func(context.Context, string) (Socket, error) {
		s := newFakeSocket()
		sockets <- s
		return s, nil
	})

	refreshed := validSession()
	refreshed.Initiate = json.RawMessage(`"token-rotated"`)

	clock := time.Unix(1000, 0)
	f := newTestStream(t, dialer, staticSessions(refreshed), Callbacks{})
	f.now = func() time.Time { return clock }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.dial(ctx)
	first := <-sockets
	ev := nextEvent(t, f)
	expectKind(t, ev, evOpened)
	f.handle(ctx, ev)

	first.reads <- []byte(`{"hexid":"ABC123","clock":1000,"alt":"3000"}`)
	first.reads <- []byte(`not json`)
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, f)
		expectKind(t, ev, evMessage)
		f.handle(ctx, ev)
	}
	before, _ := f.set.Snapshot(clock)

	close(first.reads)
	ev = nextEvent(t, f)
	expectKind(t, ev, evClosed)
	if delay, ok := f.handle(ctx, ev); !ok || delay != time.Second {
		t.Fatalf("Expected 1s reconnect delay, got %v (ok=%v)", delay, ok)
	}

	f.refresh(ctx)
	ev = nextEvent(t, f)
	expectKind(t, ev, evRefreshed)
	f.handle(ctx, ev)

	second := <-sockets
	ev = nextEvent(t, f)
	expectKind(t, ev, evOpened)
	f.handle(ctx, ev)
	if f.conn.Attempts() != 0 {
		t.Errorf("Expected attempts reset after open, got %d", f.conn.Attempts())
	}

	second.reads <- []byte(`{"hexid":"ABC123","clock":1001,"alt":"3100"}`)
	ev = nextEvent(t, f)
	expectKind(t, ev, evMessage)
	f.handle(ctx, ev)

	after, _ := f.set.Snapshot(clock.Add(time.Second))
	if after.Messages < before.Messages {
		t.Errorf("Aggregate counter went backwards: %d -> %d", before.Messages, after.Messages)
	}
	if after.Messages != 2 {
		t.Errorf("Expected 2 messages, got %d", after.Messages)
	}
	rec := after.Aircraft[0]
	if rec["messages"] != 2 || rec["alt_baro"] != 3100.0 {
		t.Errorf("Unexpected record after reconnect: %v", rec)
	}

	if hs := second.handshakes(); len(hs) != 1 || hs[0] != "token-rotated" {
		t.Errorf("Expected refreshed handshake, got %v", hs)
	}
	if hs := first.handshakes(); len(hs) != 1 || hs[0] != "token-abc" {
		t.Errorf("Expected bootstrap handshake, got %v", hs)
	}

	ev = event{kind: evClosed, socket: first, err: io.EOF}
	if _, ok := f.handle(ctx, ev); ok {
		t.Error("Close of a replaced socket should be ignored")
	}
	if f.State() != StateConnected {
		t.Errorf("Expected connected, got %s", f.State())
	}
}

func TestStreamRefreshFailures(t *testing.T) {
	tests := []struct {
		name             string
		err              error
		wantUnauthorized bool
		wantError        string
	}{
		{"forbidden", ErrUnauthorized, true, ""},
		{"server error", &StatusError{StatusCode: 502, URL: "http://creds"}, false, "Unable to refresh"},
		{"bad session", nil, false, "session lists no locations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := sessionFunc(func(context.Context) (*Session, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return &Session{SocketServer: "stream.example.com"}, nil
			})
			var unauthorized bool
			var errs []string
			f := newTestStream(t, dialerFunc(func(context.Context, string) (Socket, error) {
				return nil, errors.New("refused")
			}), sessions, Callbacks{
				OnDataError:    func(m string) { errs = append(errs, m) },
				OnUnauthorized: func() { unauthorized = true },
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			f.dial(ctx)
			f.handle(ctx, nextEvent(t, f))
			f.refresh(ctx)
			ev := nextEvent(t, f)
			expectKind(t, ev, evRefreshFailed)
			f.handle(ctx, ev)

			if f.State() != StateFailed {
				t.Errorf("Expected failed state, got %s", f.State())
			}
			if unauthorized != tt.wantUnauthorized {
				t.Errorf("Expected unauthorized=%v", tt.wantUnauthorized)
			}
			if tt.wantError == "" {
				if len(errs) != 0 {
					t.Errorf("Expected no data error, got %v", errs)
				}
			} else if len(errs) != 1 || !strings.Contains(errs[0], tt.wantError) {
				t.Errorf("Expected error containing %q, got %v", tt.wantError, errs)
			}
		})
	}
}

// TestStreamEndToEnd runs a fetcher against a real WebSocket server.
func TestStreamEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	handshakes := make(chan string, 4)
	clock := float64(time.Now().Unix())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, hs, err := conn.ReadMessage()
		if err != nil {
			return
		}
		handshakes <- string(hs)

		msg := fmt.Sprintf(`{"hexid":"A1B2C3","clock":%f,"ident":"UAL1    ","alt":"12000","nav_modes":"autopilot tcas"}`, clock)
		conn.WriteMessage(websocket.TextMessage, []byte(msg))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	session := &Session{
		Locations:    []json.RawMessage{json.RawMessage(`"site-1"`)},
		Interval:     20,
		SocketServer: "ws" + strings.TrimPrefix(server.URL, "http"),
		Initiate:     json.RawMessage(`{"subscribe":"all"}`),
	}
	snapshots := make(chan Snapshot, 64)
	f, err := NewStreamFetcher(StreamConfig{
		Session:  session,
		Sessions: staticSessions(session),
		Callbacks: Callbacks{OnNewData: func(s Snapshot) {
			select {
			case snapshots <- s:
			default:
			}
		}},
		Logger: zap.NewNop().Sugar(),
	})
	if err != nil {
		t.Fatalf("NewStreamFetcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	var got Snapshot
	for len(got.Aircraft) == 0 {
		select {
		case got = <-snapshots:
		case <-deadline:
			t.Fatal("Timed out waiting for an aircraft")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}

	if hs := <-handshakes; hs != `{"subscribe":"all"}` {
		t.Errorf("Unexpected handshake %q", hs)
	}
	rec := got.Aircraft[0]
	if rec.Hex() != "A1B2C3" || rec["flight"] != "UAL1    " || rec["alt_baro"] != 12000.0 {
		t.Errorf("Unexpected record %v", rec)
	}
	if got.Messages != 1 {
		t.Errorf("Expected 1 message, got %d", got.Messages)
	}
}

// TestStreamEmitsWhileDisconnected checks snapshots keep flowing with no
// socket open.
func TestStreamEmitsWhileDisconnected(t *testing.T) {
	session := validSession()
	session.Interval = 10
	snapshots := make(chan Snapshot, 64)
	f, err := NewStreamFetcher(StreamConfig{
		Session:  session,
		Sessions: staticSessions(session),
		Dialer: dialerFunc(func(context.Context, string) (Socket, error) {
			return nil, errors.New("refused")
		}),
		Schedule: BackoffSchedule{time.Hour},
		Callbacks: Callbacks{OnNewData: func(s Snapshot) {
			select {
			case snapshots <- s:
			default:
			}
		}},
		Logger: zap.NewNop().Sugar(),
	})
	if err != nil {
		t.Fatalf("NewStreamFetcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	for i := 0; i < 3; i++ {
		select {
		case s := <-snapshots:
			if s.Aircraft == nil {
				t.Error("Expected empty non-nil aircraft")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Timed out waiting for snapshot")
		}
	}
}

func receiveSocket(t *testing.T, sockets <-chan *fakeSocket) *fakeSocket {
	t.Helper()
	select {
	case s := <-sockets:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for dial")
		return nil
	}
}

// TestStreamRunReconnectSequence drives Run through close, backoff timer,
// credential refresh and redial.
func TestStreamRunReconnectSequence(t *testing.T) {
	var mu sync.Mutex
	var steps []string
	record := func(step string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	}

	sockets := make(chan *fakeSocket, 4)
	dialer := dialerFunc(func(context.Context, string) (Socket, error) {
		record("dial")
		s := newFakeSocket()
		sockets <- s
		return s, nil
	})

	refreshed := validSession()
	refreshed.Initiate = json.RawMessage(`"token-rotated"`)
	sessions := sessionFunc(func(context.Context) (*Session, error) {
		record("refresh")
		return refreshed, nil
	})

	f := newTestStream(t, dialer, sessions, Callbacks{})

	delays := make(chan time.Duration, 4)
	fire := make(chan time.Time)
	f.after = func(d time.Duration) <-chan time.Time {
		record(fmt.Sprintf("timer %v", d))
		delays <- d
		return fire
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	first := receiveSocket(t, sockets)
	close(first.reads)

	select {
	case d := <-delays:
		if d != time.Second {
			t.Fatalf("Expected first backoff of 1s, got %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for backoff timer")
	}

	// Refresh and redial wait for the timer
	fire <- time.Now()

	second := receiveSocket(t, sockets)
	deadline := time.Now().Add(2 * time.Second)
	for len(second.handshakes()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hs := second.handshakes(); len(hs) != 1 || hs[0] != "token-rotated" {
		t.Fatalf("Expected refreshed handshake on redial, got %v", hs)
	}

	// The redial opened, so the schedule starts over
	close(second.reads)
	select {
	case d := <-delays:
		if d != time.Second {
			t.Errorf("Expected backoff reset to 1s, got %v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for second backoff timer")
	}

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	want := []string{"dial", "timer 1s", "refresh", "dial", "timer 1s"}
	if strings.Join(steps, ",") != strings.Join(want, ",") {
		t.Errorf("Expected sequence %v, got %v", want, steps)
	}
}
