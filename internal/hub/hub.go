// Package hub fans messages out to browser WebSocket clients.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	clientBuffer = 256
	pingInterval = 45 * time.Second
)

type client struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

// Hub tracks connected browser clients and pushes serialized messages to all
// of them. Clients whose outbound buffer is full simply miss the message;
// there is no per-client backpressure beyond the buffer.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New constructs an empty hub. Origins are not checked; the gateway accepts
// browser connections from anywhere.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Broadcast serializes once and hands the payload to every open client.
func (h *Hub) Broadcast(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("broadcast marshal failed")
		return
	}
	h.BroadcastRaw(raw)
}

// BroadcastRaw pushes pre-serialized bytes to every open client. Used for
// relaying upstream messages verbatim.
func (h *Hub) BroadcastRaw(raw []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients {
		select {
		case cl.out <- raw:
		default:
			// slow consumer, drop
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades inbound requests and serves the push loop. No handshake
// payload is expected; inbound frames from the browser are read and
// discarded to detect disconnects.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		cl := &client{
			conn: conn,
			out:  make(chan []byte, clientBuffer),
			done: make(chan struct{}),
		}

		h.mu.Lock()
		h.clients[cl] = struct{}{}
		h.mu.Unlock()
		h.logger.Debug().Str("remote", r.RemoteAddr).Msg("client connected")

		go cl.writeLoop()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		close(cl.done)
		h.mu.Lock()
		delete(h.clients, cl)
		h.mu.Unlock()
		h.logger.Debug().Str("remote", r.RemoteAddr).Msg("client disconnected")
	}
}

func (cl *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case raw := <-cl.out:
			_ = cl.conn.WriteMessage(websocket.TextMessage, raw)
		case <-ping.C:
			_ = cl.conn.WriteMessage(websocket.PingMessage, nil)
		case <-cl.done:
			return
		}
	}
}
