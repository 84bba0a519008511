package server

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// hub fans batch events out to websocket clients. All client bookkeeping
// happens on the run goroutine.
type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	connected  atomic.Int32
	log        *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

// send queues msg for every client, dropping it when the hub is behind.
func (h *hub) send(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("Websocket hub full, dropping event")
	}
}

func (h *hub) add(conn *websocket.Conn) {
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
	}
}

func (h *hub) remove(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *hub) run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			client.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			h.connected.Store(int32(len(h.clients)))
			h.log.Debug("WebSocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.connected.Store(int32(len(h.clients)))
				h.log.Debug("WebSocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.connected.Store(int32(len(h.clients)))
		}
	}
}
