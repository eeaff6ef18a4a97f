// Package livetail streams the structured log stream to WebSocket clients
// in real time. The hub fans each record out to every connected client;
// slow consumers are dropped rather than allowed to back-pressure the
// request path.
package livetail

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	readBufferSize  = 1024
	writeBufferSize = 1024
	broadcastBuffer = 256
	channelBuffer   = 10
	writeDeadline   = 10 * time.Second
	readDeadline    = 60 * time.Second
	pingInterval    = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (curl, testing tools).
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  readBufferSize,
	WriteBufferSize: writeBufferSize,
}

// Hub manages WebSocket connections for the live log tail. It implements
// io.Writer so it can be wired into the logger's sink fan-out.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	logger zerolog.Logger
	mu     sync.RWMutex
}

// NewHub creates a hub. The given logger must not have the hub among its
// sinks, or every connection event would be broadcast back through it.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, channelBuffer),
		unregister: make(chan *websocket.Conn, channelBuffer),
		broadcast:  make(chan []byte, broadcastBuffer),
		logger:     logger,
	}
}

// Run drives the hub until ctx is cancelled, then closes all clients.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Int("clients", count).Msg("live tail client connected")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug().Int("clients", count).Msg("live tail client disconnected")
		case message := <-h.broadcast:
			// Failed connections are removed inline. Sending them through
			// the unregister channel would deadlock: this loop is that
			// channel's only receiver.
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Write enqueues one log record for broadcast. When the channel is full the
// record is dropped: a live tail is a convenience, never back-pressure.
func (h *Hub) Write(p []byte) (int, error) {
	message := append([]byte(nil), p...)
	select {
	case h.broadcast <- message:
	default:
	}
	return len(p), nil
}

// HasClients reports whether anyone is watching.
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("live tail upgrade failed")
		return
	}

	h.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.unregister <- conn
	}()

	// Ping sender keeps the connection alive through idle periods.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	// Read loop handles control frames and detects connection close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
