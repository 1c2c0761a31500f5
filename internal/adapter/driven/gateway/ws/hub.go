package ws

import (
	"sync"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/core/port"
	"github.com/rs/zerolog/log"
)

// Hub tracks every live websocket client for lifecycle purposes: orderly
// registration, unregistration and close-all on shutdown. Presence and
// call state live in the core services; the hub only owns connections.
type Hub struct {
	clients    map[port.Client]bool
	register   chan port.Client
	unregister chan port.Client
	quit       chan struct{}

	hookMu       sync.Mutex
	onDisconnect func(domain.ClientID)
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[port.Client]bool),
		register:   make(chan port.Client),
		unregister: make(chan port.Client),
		quit:       make(chan struct{}),
	}
}

// OnDisconnect injects the hook fired after a client leaves the hub. Main
// wires this to the presence registry's Unregister.
func (h *Hub) OnDisconnect(fn func(domain.ClientID)) {
	h.hookMu.Lock()
	h.onDisconnect = fn
	h.hookMu.Unlock()
}

// Register and Unregister select on quit so callers don't block forever
// when the run loop has already stopped draining the channels.
func (h *Hub) Register(c port.Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c port.Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			log.Info().Str("client_id", client.ID().String()).Msg("Client registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				log.Info().Str("client_id", client.ID().String()).Msg("Client unregistered")

				h.hookMu.Lock()
				fn := h.onDisconnect
				h.hookMu.Unlock()
				if fn != nil {
					fn(client.ID())
				}
			}
		}
	}
}
