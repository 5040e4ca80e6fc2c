package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Central hub tracking every live connection. Each WebSocket connection runs
// in its own goroutines; the hub only owns the set and the shutdown.

var ErrHubClosed = errors.New("websocket hub closed")

type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	Register   chan *Client
	Unregister chan *Client
	done       chan struct{}
	stopped    chan struct{}
	logger     *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		logger:     slog.Default(),
	}
}

// Run serves Register and Unregister until ctx ends, then closes every
// client and waits for their in-flight actions.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case c := <-h.Register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("websocket_client_registered", "session_id", c.ID, "user_id", c.UserID, "clients", n)

		case c := <-h.Unregister:
			h.remove(c)

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("websocket_client_unregistered", "session_id", c.ID, "user_id", c.UserID, "clients", n)
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()
	close(h.done)

	h.logger.Info("websocket_hub_shutdown", "clients", len(clients))
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.shutdown()
		}(c)
	}
	wg.Wait()
}

// register adds c unless the hub is shutting down.
func (h *Hub) register(c *Client) error {
	select {
	case h.Register <- c:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.done:
	}
}

// Stopped is closed once Run has closed every client.
func (h *Hub) Stopped() <-chan struct{} {
	return h.stopped
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
