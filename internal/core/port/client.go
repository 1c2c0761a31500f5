package port

import (
	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/protocol"
)

// Client is a live transport handle: one websocket connection of one
// identity. The presence registry keeps at most one per identity.
type Client interface {
	ID() domain.ClientID
	Send(env protocol.Envelope) error
	Close() error
}
