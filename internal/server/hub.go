package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"bestfocus/internal/pipeline"
)

// hub fans job results out to connected WebSocket clients.
type hub struct {
	log     *slog.Logger
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newHub(log *slog.Logger) *hub {
	return &hub{log: log, clients: make(map[*websocket.Conn]bool)}
}

func (h *hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", "clients", n)
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client disconnected", "clients", n)
}

func (h *hub) broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
			delete(h.clients, client)
			client.Close()
		}
	}
}

// run forwards results until ctx ends or the channel closes, then drops all clients.
func (h *hub) run(ctx context.Context, results <-chan pipeline.Result) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			payload, err := json.Marshal(newJobEvent(res))
			if err != nil {
				h.log.Warn("encode job event", "job", res.Job.ID, "error", err)
				continue
			}
			h.broadcast(payload)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
