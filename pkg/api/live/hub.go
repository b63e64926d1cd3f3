// Package live pushes leaderboard snapshots to websocket clients.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/leaderboard"
)

type (
	Config struct {
		WriteTimeout   time.Duration
		ReadTimeout    time.Duration
		PingInterval   time.Duration
		MaxMessageSize int64
		SendBuffer     int
		CheckOrigin    func(r *http.Request) bool
	}
	Option func(*Hub)

	// Hub keeps the websocket connections grouped by session
	Hub struct {
		mu       sync.RWMutex
		sessions map[int]map[*conn]struct{}
		upgrader websocket.Upgrader
		cfg      Config
		onClose  func(sessionID int)
		l        *log.Logger
	}

	conn struct {
		id        string
		sessionID int
		ws        *websocket.Conn
		send      chan []byte
		hub       *Hub
	}
)

func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1024,
		SendBuffer:     16,
		CheckOrigin:    func(r *http.Request) bool { return true },
	}
}

func WithConfig(arg Config) Option {
	return func(h *Hub) {
		h.cfg = arg
	}
}

// WithOnClose registers a callback invoked once for every connection that
// is removed from the hub.
func WithOnClose(arg func(sessionID int)) Option {
	return func(h *Hub) {
		h.onClose = arg
	}
}

func WithLogger(arg *log.Logger) Option {
	return func(h *Hub) {
		h.l = arg
	}
}

func NewHub(opts ...Option) *Hub {
	ret := &Hub{
		sessions: make(map[int]map[*conn]struct{}),
		cfg:      DefaultConfig(),
		l:        log.Default().Named("live"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     ret.cfg.CheckOrigin,
	}
	return ret
}

// Run distributes snapshots received on ch until ctx is done or ch is closed.
func (h *Hub) Run(ctx context.Context, ch <-chan *leaderboard.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case snap, ok := <-ch:
			if !ok {
				h.closeAll()
				return
			}
			h.Broadcast(snap)
		}
	}
}

// Serve upgrades the request and registers the connection for sessionID.
// The initial snapshot, if any, is sent right away.
//
//nolint:whitespace // editor/linter issue
func (h *Hub) Serve(
	w http.ResponseWriter,
	r *http.Request,
	sessionID int,
	initial *leaderboard.Snapshot,
) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &conn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		ws:        ws,
		send:      make(chan []byte, h.cfg.SendBuffer),
		hub:       h,
	}
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			c.send <- data
		}
	}
	h.register(c)
	go c.writePump()
	go c.readPump()
	h.l.Debug("websocket connected", log.String("conn", c.id), log.Int("session", sessionID))
	return nil
}

// Broadcast sends snap to all connections of its session. Connections not
// keeping up are dropped.
func (h *Hub) Broadcast(snap *leaderboard.Snapshot) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.sessions[snap.SessionID]))
	for c := range h.sessions[snap.SessionID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		h.l.Error("could not marshal snapshot", log.ErrorField(err))
		return
	}
	for _, c := range targets {
		h.enqueue(c, data)
	}
}

func (h *Hub) Connections(sessionID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// enqueue holds the read lock so send is not closed concurrently
func (h *Hub) enqueue(c *conn, data []byte) {
	h.mu.RLock()
	if _, ok := h.sessions[c.sessionID][c]; !ok {
		h.mu.RUnlock()
		return
	}
	select {
	case c.send <- data:
		h.mu.RUnlock()
	default:
		h.mu.RUnlock()
		h.l.Warn("connection send buffer full, closing", log.String("conn", c.id))
		h.unregister(c)
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[c.sessionID] == nil {
		h.sessions[c.sessionID] = make(map[*conn]struct{})
	}
	h.sessions[c.sessionID][c] = struct{}{}
}

func (h *Hub) unregister(c *conn) {
	if !h.remove(c) {
		return
	}
	h.l.Debug("websocket disconnected", log.String("conn", c.id))
	if h.onClose != nil {
		h.onClose(c.sessionID)
	}
}

// remove reports false if c was already removed
func (h *Hub) remove(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.sessions[c.sessionID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.sessions, c.sessionID)
	}
	return true
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	all := make([]*conn, 0)
	for _, conns := range h.sessions {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.unregister(c)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.l.Debug("write failed", log.String("conn", c.id), log.ErrorField(err))
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}

// readPump only handles control frames, clients do not send data
func (c *conn) readPump() {
	defer c.hub.unregister(c)
	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.l.Debug("unexpected close", log.String("conn", c.id), log.ErrorField(err))
			}
			return
		}
	}
}
