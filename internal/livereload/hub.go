// Package livereload is the minimal message channel between the dev server
// and open browser tabs: a websocket hub plus the client script that applies
// css injections, reloads and build error overlays.
package livereload

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/assetpipe/internal/logging"
)

//go:embed client.js
var clientScript []byte

const (
	writeWait         = 10 * time.Second
	defaultPingPeriod = 54 * time.Second
)

// client is one connected browser tab.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans messages out to every connected browser. It is created once per
// process; Run must be started before clients can register and Shutdown
// disconnects everyone.
type Hub struct {
	clients      map[*client]struct{}
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	originPatterns []string
	logger         logging.Logger
	// pingPeriod is how often idle clients are pinged; a missed pong
	// within writeWait drops the client.
	pingPeriod time.Duration

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	isShutdown   atomic.Bool
}

// NewHub creates a hub. originPatterns lists the page origins allowed to
// connect (host[:port] globs); with none only same-origin requests pass.
func NewHub(logger logging.Logger, originPatterns ...string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:        make(map[*client]struct{}),
		broadcast:      make(chan []byte, 256),
		register:       make(chan *client, 32),
		unregister:     make(chan *client, 32),
		originPatterns: originPatterns,
		logger:         logger.WithComponent("livereload"),
		pingPeriod:     defaultPingPeriod,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Run manages registrations and broadcasting until ctx is cancelled or the
// hub is shut down.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.clientsMutex.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.clientsMutex.Unlock()
			h.logger.Debug(ctx, "client connected", "clients", n)

		case c := <-h.unregister:
			h.removeClient(ctx, c)

		case message := <-h.broadcast:
			h.broadcastToClients(message)

		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) removeClient(ctx context.Context, c *client) {
	h.clientsMutex.Lock()
	_, exists := h.clients[c]
	if exists {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.clientsMutex.Unlock()

	if exists {
		_ = c.conn.CloseNow()
		h.logger.Debug(ctx, "client disconnected", "clients", n)
	}
}

func (h *Hub) broadcastToClients(message []byte) {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			// Slow client; drop it rather than stall every other tab.
			go func(c *client) {
				select {
				case h.unregister <- c:
				case <-h.ctx.Done():
				}
			}(c)
		}
	}
}

// HandleWebSocket upgrades a browser connection and registers it.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.isShutdown.Load() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.originPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "websocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		_ = conn.CloseNow()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump waits for the client to go away. Browsers never send data
// messages, so the connection is only read for control frames; one that
// does send data is closed with a policy violation.
func (h *Hub) readPump(c *client) {
	closed := c.conn.CloseRead(h.ctx)
	<-closed.Done()

	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(h.ctx, writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}

		case <-h.ctx.Done():
			return
		}
	}
}

// Broadcast queues msg for every connected client. Messages sent while the
// queue is full or after shutdown are dropped.
func (h *Hub) Broadcast(msg Message) {
	if h.isShutdown.Load() {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(h.ctx, err, "marshal broadcast message")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn(h.ctx, nil, "broadcast queue full, dropping message", "type", msg.Type)
	}
}

// Notify reports a written output: style sheets are injected in place,
// anything else reloads the page.
func (h *Hub) Notify(_ context.Context, kind, target string, content []byte) {
	switch kind {
	case TypeCSS:
		h.Broadcast(Message{Type: TypeCSS, Target: target, Content: string(content)})
	case TypeJS:
		h.Broadcast(Message{Type: TypeJS, Target: target})
	default:
		h.Broadcast(Message{Type: TypeReload, Target: target})
	}
}

// Reload asks every client for a full page reload.
func (h *Hub) Reload(_ context.Context, paths []string) {
	h.Broadcast(Message{Type: TypeReload, Target: strings.Join(paths, ",")})
}

// BuildError shows err in an overlay on every client.
func (h *Hub) BuildError(_ context.Context, err error) {
	if err == nil {
		return
	}
	h.Broadcast(Message{Type: TypeBuildError, Content: err.Error()})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// ServeClientScript serves the browser side of the channel.
func (h *Hub) ServeClientScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(clientScript)
}

// Routes registers the client script and websocket endpoints on mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/livereload.js", h.ServeClientScript)
	mux.HandleFunc("/ws", h.HandleWebSocket)
}

// Shutdown disconnects every client. The hub cannot be restarted.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		h.isShutdown.Store(true)
		h.cancel()

		h.clientsMutex.Lock()
		for c := range h.clients {
			_ = c.conn.CloseNow()
		}
		h.clients = make(map[*client]struct{})
		h.clientsMutex.Unlock()

		h.logger.Debug(ctx, "live reload hub shut down")
	})
	return nil
}

// IsShutdown returns whether the hub has been shut down
func (h *Hub) IsShutdown() bool {
	return h.isShutdown.Load()
}
