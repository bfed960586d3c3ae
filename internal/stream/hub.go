// Package stream pushes token updates to WebSocket subscribers. Each
// tick it diffs the current page against its own previous-snapshot map
// and fans out only the records that moved enough to matter.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tokenfeed/internal/token"
)

// Message kinds sent to subscribers.
const (
	MessageInitial = "initial"
	MessageUpdate  = "update"
	MessageRefresh = "refresh"
	MessageError   = "error"
)

// Significance thresholds for the delta filter: relative price move
// above 1% or relative volume move above 10%.
const (
	priceDeltaThreshold  = 0.01
	volumeDeltaThreshold = 0.1
)

// Message is the wire envelope for every push.
type Message struct {
	Type      string        `json:"type"`
	Data      []token.Token `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// TokenSource is the slice of the aggregation engine the hub consumes.
type TokenSource interface {
	GetTokens(ctx context.Context, limit int, cursor string, f *token.Filter, s *token.Sort) (token.Page, error)
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// Hub owns the subscriber set and the previous-snapshot map. The
// snapshot map is written only from the tick loop; it never goes through
// the cache store.
type Hub struct {
	source   TokenSource
	pageSize int
	interval time.Duration
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	prevMu sync.Mutex
	prev   map[string]token.Token
}

func NewHub(source TokenSource, pageSize int, interval time.Duration, log *slog.Logger) *Hub {
	if pageSize <= 0 {
		pageSize = 30
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		source:   source,
		pageSize: pageSize,
		interval: interval,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
		prev:     make(map[string]token.Token),
	}
}

// Handler accepts WebSocket connections and pushes the initial snapshot.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade failed", "err", err.Error())
			return
		}
		c := &client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, 16),
			done: make(chan struct{}),
		}

		h.mu.Lock()
		h.clients[c] = struct{}{}
		n := len(h.clients)
		h.mu.Unlock()
		h.log.Info("client connected", "client_id", c.id, "total_clients", n)

		go h.writePump(c)
		go h.readPump(c)

		h.sendInitial(r.Context(), c)
	}
}

func (h *Hub) sendInitial(ctx context.Context, c *client) {
	page, err := h.source.GetTokens(ctx, h.pageSize, "", nil, nil)
	if err != nil {
		h.log.Error("initial snapshot failed", "client_id", c.id, "err", err.Error())
		h.sendTo(c, Message{
			Type:      MessageError,
			Error:     "failed to fetch initial data",
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	h.sendTo(c, Message{Type: MessageInitial, Data: page.Records, Timestamp: time.Now().UnixMilli()})
}

func (h *Hub) sendTo(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal message failed", "err", err.Error())
		return
	}
	select {
	case c.send <- data:
	default:
		h.drop(c)
	}
}

func (h *Hub) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump exists to notice disconnects; inbound frames carry nothing
// the hub acts on.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// drop removes the client and signals writePump through the done
// channel. The send channel is never closed: broadcasts racing a
// disconnect may still send into it, and a send on a closed channel
// would panic the broadcasting goroutine. Stale buffered messages are
// garbage-collected with the client.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.done)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close()
		h.log.Info("client disconnected", "client_id", c.id, "total_clients", n)
	}
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run drives the update tick until ctx is canceled. A tick with no
// subscribers costs nothing upstream.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.log.Info("stream update loop started", "interval", h.interval)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("stream update loop stopped")
			return
		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			h.tick(ctx)
		}
	}
}

func (h *Hub) tick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	page, err := h.source.GetTokens(tctx, h.pageSize, "", nil, nil)
	if err != nil {
		h.log.Error("update tick failed", "err", err.Error())
		return
	}

	updates := h.DetectUpdates(page.Records)
	if len(updates) == 0 {
		return
	}
	h.broadcast(Message{Type: MessageUpdate, Data: updates, Timestamp: time.Now().UnixMilli()})
	h.log.Info("broadcast update", "changed", len(updates), "clients", h.ClientCount())
}

// DetectUpdates returns the records that changed enough since the last
// snapshot to be worth pushing: records never seen before, and records
// whose relative price or volume move crossed its threshold. A zero
// previous price or volume makes the comparison undefined and counts as
// always-significant. The snapshot map absorbs every observed record
// regardless of whether it made the delta.
func (h *Hub) DetectUpdates(current []token.Token) []token.Token {
	h.prevMu.Lock()
	defer h.prevMu.Unlock()

	var updates []token.Token
	for _, rec := range current {
		prev, seen := h.prev[rec.Address]
		if !seen || significantChange(prev, rec) {
			updates = append(updates, rec)
		}
		h.prev[rec.Address] = rec
	}
	return updates
}

func significantChange(prev, cur token.Token) bool {
	if prev.Price == 0 || prev.Volume == 0 {
		return true
	}
	if math.Abs(cur.Price-prev.Price)/prev.Price > priceDeltaThreshold {
		return true
	}
	return math.Abs(cur.Volume-prev.Volume)/prev.Volume > volumeDeltaThreshold
}

// BroadcastRefresh pushes the full current page to every subscriber,
// bypassing the delta filter. The scheduler calls this after a full
// cache refresh.
func (h *Hub) BroadcastRefresh(ctx context.Context) {
	page, err := h.source.GetTokens(ctx, h.pageSize, "", nil, nil)
	if err != nil {
		h.log.Error("refresh broadcast failed", "err", err.Error())
		return
	}
	h.broadcast(Message{Type: MessageRefresh, Data: page.Records, Timestamp: time.Now().UnixMilli()})
	h.log.Info("broadcast refresh", "records", len(page.Records), "clients", h.ClientCount())
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal message failed", "err", err.Error())
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// slow consumer; disconnect rather than buffer unbounded
			h.drop(c)
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		h.drop(c)
	}
}
