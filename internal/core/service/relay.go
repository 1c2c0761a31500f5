package service

import (
	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/protocol"
	"github.com/rs/zerolog/log"
)

// SignalingRelay ferries negotiation envelopes between the two bound
// transports of a session. It forwards verbatim and never inspects the
// payload; schema validity of descriptions and candidates is the two
// endpoints' business.
type SignalingRelay struct {
	router *CallRouter
}

func NewSignalingRelay(router *CallRouter) *SignalingRelay {
	return &SignalingRelay{router: router}
}

// Forward delivers env to the session counterpart of from. A missing
// session or a dead destination drops the message silently: teardown goes
// through the disconnect path, never through a relay failure.
func (r *SignalingRelay) Forward(from domain.ClientID, env protocol.Envelope) {
	dest, err := r.router.Counterpart(domain.SessionID(env.SessionID), from)
	if err != nil {
		log.Debug().
			Str("session_id", env.SessionID).
			Str("type", env.Type).
			Msg("Dropped signal for unknown or unbound session")
		return
	}
	if err := dest.Send(env); err != nil {
		log.Debug().Err(err).
			Str("session_id", env.SessionID).
			Str("type", env.Type).
			Msg("Dropped signal to disconnected counterpart")
		return
	}
	if env.Type == protocol.TypeSessionAnswer {
		r.router.MarkConnected(domain.SessionID(env.SessionID))
	}
}
