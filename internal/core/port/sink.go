package port

import "github.com/carewire/carewire/internal/core/domain"

// EventSink receives call lifecycle transitions for the surrounding UI to
// render. Implementations must not block; they are invoked from the call
// state machine's message handlers.
type EventSink interface {
	StateChanged(state domain.CallState)
	IncomingCall(sessionID domain.SessionID, requester domain.Identity)
	PresenceChanged(role domain.Role, available bool)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) StateChanged(domain.CallState)                  {}
func (NopSink) IncomingCall(domain.SessionID, domain.Identity) {}
func (NopSink) PresenceChanged(domain.Role, bool)              {}
