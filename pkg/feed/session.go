package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultEmitInterval is used when the session does not name an interval.
const DefaultEmitInterval = time.Second

var (
	// ErrNoSession is returned when a stream backend is built without
	// session bootstrap data.
	ErrNoSession = errors.New("missing session bootstrap data")

	// ErrNoLocations is returned when the session lists no locations.
	ErrNoLocations = errors.New("session lists no locations")

	// ErrNoSocketServer is returned when the session names no socket server.
	ErrNoSocketServer = errors.New("session names no socket server")

	// ErrNoInitiate is returned when the session carries no handshake payload.
	ErrNoInitiate = errors.New("session carries no handshake payload")
)

// Session is the bootstrap document issued by the credentials endpoint.
// Credentials may rotate, so a fresh Session is fetched before every
// reconnect.
type Session struct {
	// Locations are the receiver sites the user may view (opaque here)
	Locations []json.RawMessage `json:"locations"`

	// Interval is the snapshot emission interval in milliseconds; the
	// endpoint may send it with a fractional part
	Interval float64 `json:"interval,omitempty"`

	// SocketServer is the host name of the stream server
	SocketServer string `json:"socketServer"`

	// Initiate is the handshake payload sent verbatim on open
	Initiate json.RawMessage `json:"initiate"`
}

// Validate checks the fields StreamFetcher cannot run without.
func (s *Session) Validate() error {
	if s == nil {
		return ErrNoSession
	}
	if len(s.Locations) == 0 {
		return ErrNoLocations
	}
	if strings.TrimSpace(s.SocketServer) == "" {
		return ErrNoSocketServer
	}
	initiate := bytes.TrimSpace(s.Initiate)
	if len(initiate) == 0 || bytes.Equal(initiate, []byte("null")) {
		return ErrNoInitiate
	}
	return nil
}

// EmitInterval returns the snapshot cadence for this session.
func (s *Session) EmitInterval() time.Duration {
	if s == nil || s.Interval <= 0 {
		return DefaultEmitInterval
	}
	return time.Duration(s.Interval * float64(time.Millisecond))
}

// HandshakePayload returns the bytes sent on open. A JSON string is sent as
// its text; any other value as its JSON encoding.
func (s *Session) HandshakePayload() []byte {
	var text string
	if err := json.Unmarshal(s.Initiate, &text); err == nil {
		return []byte(text)
	}
	return []byte(s.Initiate)
}

// SocketURL returns the WebSocket URL for the session's server. A server
// that already carries a ws:// or wss:// scheme is used unchanged.
func (s *Session) SocketURL(port int) string {
	server := strings.TrimSpace(s.SocketServer)
	if strings.HasPrefix(server, "ws://") || strings.HasPrefix(server, "wss://") {
		return server
	}
	return "wss://" + server + ":" + strconv.Itoa(port) + "/"
}

// SessionSource issues session bootstrap documents.
type SessionSource interface {
	FetchSession(ctx context.Context) (*Session, error)
}

// HTTPSessionSource fetches sessions from the credentials endpoint,
// forwarding the configured query parameters.
type HTTPSessionSource struct {
	// URL is the credentials endpoint
	URL string

	// Query holds parameters forwarded on every request
	Query url.Values

	// Client is the HTTP client used for requests
	Client *http.Client
}

// NewHTTPSessionSource creates a session source with a 10 second timeout.
func NewHTTPSessionSource(endpoint string, query url.Values) *HTTPSessionSource {
	return &HTTPSessionSource{
		URL:    endpoint,
		Query:  query,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchSession requests a fresh session. A 403 answer yields ErrUnauthorized;
// other non-2xx answers yield a *StatusError.
func (s *HTTPSessionSource) FetchSession(ctx context.Context) (*Session, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials URL: %w", err)
	}
	if len(s.Query) > 0 {
		q := u.Query()
		for k, vs := range s.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create session request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        s.URL,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &session, nil
}
