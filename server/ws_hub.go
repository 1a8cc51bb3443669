package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 200

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS layer in front of the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MetricsHub manages the dashboard WebSocket connections and pushes a fresh
// snapshot once a second. Single broadcaster pattern prevents N duplicate
// tickers.
type MetricsHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	dashboard  *DashboardService
}

// NewMetricsHub creates a new WebSocket hub.
func NewMetricsHub(dashboard *DashboardService) *MetricsHub {
	return &MetricsHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		dashboard:  dashboard,
	}
}

// Serve upgrades the request and registers the connection. The read pump
// only exists to notice closes.
func (h *MetricsHub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Run starts the hub's main loop.
func (h *MetricsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("websocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("websocket client registered, total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("websocket client unregistered, total: %d", total)

		case <-ticker.C:
			h.broadcastAll(ctx)
		}
	}
}

// broadcastAll collects one snapshot and fans it out to every client.
func (h *MetricsHub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	snapshot, err := h.dashboard.Snapshot(ctx)
	if err != nil {
		log.Printf("websocket: failed to collect dashboard snapshot: %v", err)
		return
	}

	for conn := range h.clients {
		// Write deadline prevents blocking on a dead connection.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			log.Printf("websocket write error: %v", err)
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

// shutdown closes every client connection.
func (h *MetricsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("shutting down websocket hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// ClientCount returns the number of connected clients.
func (h *MetricsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
