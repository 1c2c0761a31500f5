// Package call drives the client side of a call: availability publishing,
// the per-call state machine, media acquisition and the negotiation
// handshake. It talks to the broker only through the Signaler interface,
// so tests can run it without a network.
package call

import "github.com/carewire/carewire/internal/protocol"

// Signaler is the only surface this package needs from the transport
// layer. The websocket Client satisfies it.
type Signaler interface {
	Send(env protocol.Envelope) error
}
