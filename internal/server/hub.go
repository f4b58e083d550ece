package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/abcd567a/dump1090/internal/logging"
	"github.com/abcd567a/dump1090/pkg/feed"
)

const (
	snapshotKey = "snapshot"

	// clientBuffer is how many snapshots may queue for one subscriber
	// before it is dropped as too slow
	clientBuffer = 8

	writeWait = 10 * time.Second
)

// Status summarizes the feed for the status endpoint.
type Status struct {
	Backend       string   `json:"backend"`
	Fresh         bool     `json:"fresh"`
	SnapshotNow   float64  `json:"snapshot_now,omitempty"`
	SnapshotAge   *float64 `json:"snapshot_age,omitempty"`
	Aircraft      int      `json:"aircraft"`
	Messages      int64    `json:"messages"`
	LastError     string   `json:"last_error,omitempty"`
	LastErrorAt   string   `json:"last_error_at,omitempty"`
	Unauthorized  bool     `json:"unauthorized,omitempty"`
	Subscribers   int      `json:"subscribers"`
	SnapshotsSeen int64    `json:"snapshots_seen"`
}

// subscriber is one WebSocket client.
type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub holds the latest snapshot and fans snapshots out to WebSocket
// subscribers. Its Publish, ReportError and ReportUnauthorized methods are
// wired as fetcher callbacks.
type Hub struct {
	backend string
	logger  *zap.SugaredLogger
	metrics *Metrics

	// latest expires after the freshness TTL so stale data is never served
	latest *cache.Cache

	mu           sync.RWMutex
	clients      map[string]*subscriber
	lastSnapshot feed.Snapshot
	snapshots    int64
	lastError    string
	lastErrorAt  time.Time
	unauthorized bool
}

// NewHub creates a hub whose snapshots are served for ttl after arrival.
func NewHub(backend string, ttl time.Duration, logger *zap.SugaredLogger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Hub{
		backend: backend,
		logger:  logger.Named("hub"),
		metrics: metrics,
		latest:  cache.New(ttl, 2*ttl),
		clients: make(map[string]*subscriber),
	}
}

// Publish stores snapshot as the latest and broadcasts it.
func (h *Hub) Publish(snapshot feed.Snapshot) {
	h.latest.SetDefault(snapshotKey, snapshot)

	h.mu.Lock()
	h.lastSnapshot = snapshot
	h.snapshots++
	h.mu.Unlock()

	h.broadcast(snapshot)
}

// ReportError records a fetcher error message.
func (h *Hub) ReportError(message string) {
	h.mu.Lock()
	h.lastError = message
	h.lastErrorAt = time.Now()
	h.mu.Unlock()
	h.logger.Warnw("Feed error", "message", message)
}

// ReportUnauthorized records that the session endpoint rejected us.
func (h *Hub) ReportUnauthorized() {
	h.mu.Lock()
	h.unauthorized = true
	h.mu.Unlock()
	h.ReportError("You are no longer authorized to view this feed.")
}

// Latest returns the most recent snapshot if it is still fresh.
func (h *Hub) Latest() (feed.Snapshot, bool) {
	v, ok := h.latest.Get(snapshotKey)
	if !ok {
		return feed.Snapshot{}, false
	}
	return v.(feed.Snapshot), true
}

// Status reports the hub state as of now.
func (h *Hub) Status(now time.Time) Status {
	_, fresh := h.Latest()

	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Status{
		Backend:       h.backend,
		Fresh:         fresh,
		Aircraft:      len(h.lastSnapshot.Aircraft),
		Messages:      h.lastSnapshot.Messages,
		LastError:     h.lastError,
		Unauthorized:  h.unauthorized,
		Subscribers:   len(h.clients),
		SnapshotsSeen: h.snapshots,
	}
	if h.snapshots > 0 {
		s.SnapshotNow = h.lastSnapshot.Now
		age := float64(now.UnixMilli())/1000 - h.lastSnapshot.Now
		s.SnapshotAge = &age
	}
	if !h.lastErrorAt.IsZero() {
		s.LastErrorAt = h.lastErrorAt.UTC().Format(time.RFC3339)
	}
	return s
}

// Subscribers returns the number of connected WebSocket clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve registers conn and pumps snapshots to it until it disconnects.
// The latest fresh snapshot, if any, is sent first.
func (h *Hub) Serve(conn *websocket.Conn) {
	sub := &subscriber{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	if snapshot, ok := h.Latest(); ok {
		if data, err := json.Marshal(snapshot); err == nil {
			sub.send <- data
		}
	}

	h.mu.Lock()
	h.clients[sub.id] = sub
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.setSubscribers(count)
	h.logger.Infow("Subscriber connected", "id", sub.id, "remote", conn.RemoteAddr().String())

	go h.writePump(sub)

	// Drain client frames so close and ping control frames are processed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(sub.id)
}

func (h *Hub) writePump(sub *subscriber) {
	defer sub.conn.Close()
	for data := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debugw("Write to subscriber failed", "id", sub.id, "error", err)
			h.remove(sub.id)
			// Keep draining until remove closes the channel.
			for range sub.send {
			}
			return
		}
	}
	sub.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func (h *Hub) broadcast(snapshot feed.Snapshot) {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Errorw("Failed to encode snapshot", "error", err)
		return
	}

	var slow []string
	h.mu.RLock()
	for id, sub := range h.clients {
		select {
		case sub.send <- data:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		h.logger.Warnw("Dropping slow subscriber", "id", id)
		h.remove(id)
	}
}

// remove unregisters a subscriber and closes its queue. Safe to call twice.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	sub, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(sub.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.setSubscribers(count)
		h.logger.Infow("Subscriber disconnected", "id", id)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.remove(id)
	}
}
