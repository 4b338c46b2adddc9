package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// hub fans job results out to websocket clients.
type hub struct {
	log     *slog.Logger
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func newHub(log *slog.Logger) *hub {
	return &hub{log: log, clients: make(map[*websocket.Conn]bool)}
}

func (h *hub) register(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", "clients", n)
}

func (h *hub) unregister(c *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.Close()
		h.log.Debug("websocket client disconnected", "clients", n)
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			delete(h.clients, c)
			c.Close()
		}
	}
}

// run forwards every pipeline result to the connected clients until ctx is done.
func (h *hub) run(ctx context.Context, jobs Jobs) {
	resCh, unsubscribe := jobs.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newJobEvent(res))
			if err != nil {
				h.log.Warn("failed to encode job event", "job", res.Job.ID, "error", err)
				continue
			}
			h.broadcast(payload)
		}
	}
}
