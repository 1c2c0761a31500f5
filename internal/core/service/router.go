package service

import (
	"sync"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/core/port"
	"github.com/carewire/carewire/internal/protocol"
	"github.com/rs/zerolog/log"
)

type callSession struct {
	id              domain.SessionID
	requester       domain.Identity
	requesterClient port.Client
	responder       domain.Identity
	responderClient port.Client
	state           domain.SessionState

	// ringing holds every responder the open offer went out to and has
	// not yet declined. Cleared the moment the session is claimed.
	ringing map[domain.UserID]port.Client
}

// CallRouter brokers call sessions: it fans an initiation out to every
// available responder of the target role and resolves the resulting
// many-responders-one-winner race with a compare-and-set on session state.
// Sessions are owned exclusively by the router; clients only request
// transitions via messages.
type CallRouter struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*callSession
	presence *PresenceRegistry
}

func NewCallRouter(presence *PresenceRegistry) *CallRouter {
	r := &CallRouter{
		sessions: make(map[domain.SessionID]*callSession),
		presence: presence,
	}
	presence.OnDisconnect(r.HandleDisconnect)
	return r
}

// Initiate opens a call session towards targetRole and rings every
// available responder of that role. Returns ErrNoResponder when nobody of
// that role is available, without creating a session.
func (r *CallRouter) Initiate(requester domain.Identity, requesterClient port.Client, targetRole domain.Role) (domain.SessionID, error) {
	candidates := r.presence.Available(targetRole)
	if len(candidates) == 0 {
		return "", domain.ErrNoResponder
	}

	s := &callSession{
		id:              domain.NewSessionID(),
		requester:       requester,
		requesterClient: requesterClient,
		state:           domain.SessionOpen,
		ringing:         make(map[domain.UserID]port.Client, len(candidates)),
	}
	for _, c := range candidates {
		s.ringing[c.Identity.ID] = c.Client
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	env := protocol.Envelope{
		Type:        protocol.TypeIncomingCall,
		SessionID:   s.id.String(),
		UserID:      requester.ID.String(),
		DisplayName: requester.DisplayName,
		Role:        string(requester.Role),
	}
	for _, c := range candidates {
		if err := c.Client.Send(env); err != nil {
			log.Warn().Err(err).
				Str("session_id", s.id.String()).
				Str("user_id", c.Identity.ID.String()).
				Msg("Failed to ring responder")
		}
	}

	log.Info().
		Str("session_id", s.id.String()).
		Str("requester", requester.ID.String()).
		Str("target_role", string(targetRole)).
		Int("ringing", len(candidates)).
		Msg("Call initiated")
	return s.id, nil
}

// Accept claims the session for responder. The check-and-set on session
// state happens in one critical section: the first accept wins, every
// later one gets ErrAlreadyClaimed regardless of how the messages raced
// in. All other ringing responders receive a withdrawal so no phone keeps
// ringing for an answered call.
func (r *CallRouter) Accept(responder domain.Identity, client port.Client, sessionID domain.SessionID) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	if s.state != domain.SessionOpen {
		r.mu.Unlock()
		return domain.ErrAlreadyClaimed
	}
	s.state = domain.SessionClaimed
	s.responder = responder
	s.responderClient = client

	losers := make([]port.Client, 0, len(s.ringing))
	for userID, c := range s.ringing {
		if userID != responder.ID {
			losers = append(losers, c)
		}
	}
	s.ringing = nil
	requesterClient := s.requesterClient
	r.mu.Unlock()

	accepted := protocol.Envelope{
		Type:        protocol.TypeCallAccepted,
		SessionID:   sessionID.String(),
		UserID:      responder.ID.String(),
		DisplayName: responder.DisplayName,
	}
	// Both parties hear about the claim: the requester to start
	// negotiating, the winner as confirmation of the atomic claim.
	if err := requesterClient.Send(accepted); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to notify requester of acceptance")
	}
	if err := client.Send(accepted); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to confirm claim to responder")
	}

	withdrawal := protocol.Envelope{Type: protocol.TypeCallClaimed, SessionID: sessionID.String()}
	for _, c := range losers {
		if err := c.Send(withdrawal); err != nil {
			log.Warn().Err(err).
				Str("session_id", sessionID.String()).
				Str("client_id", c.ID().String()).
				Msg("Failed to withdraw ringing offer")
		}
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("responder", responder.ID.String()).
		Int("withdrawn", len(losers)).
		Msg("Call claimed")
	return nil
}

// Decline removes responder from an open session's candidate set. When the
// last candidate declines, the requester is told the call went unanswered,
// attributed to the system rather than any one responder. A decline from
// the bound responder of a claimed session ends it and carries the reason
// to the requester verbatim.
func (r *CallRouter) Decline(responderID domain.UserID, sessionID domain.SessionID, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}

	switch s.state {
	case domain.SessionOpen:
		delete(s.ringing, responderID)
		if len(s.ringing) > 0 {
			r.mu.Unlock()
			return
		}
		s.state = domain.SessionDeclined
		delete(r.sessions, sessionID)
		requesterClient := s.requesterClient
		r.mu.Unlock()

		r.send(requesterClient, protocol.Envelope{
			Type:      protocol.TypeCallUnanswered,
			SessionID: sessionID.String(),
		})
		log.Info().Str("session_id", sessionID.String()).Msg("Call unanswered, all responders declined")

	case domain.SessionClaimed:
		if s.responder.ID != responderID {
			r.mu.Unlock()
			return
		}
		s.state = domain.SessionDeclined
		delete(r.sessions, sessionID)
		requesterClient := s.requesterClient
		r.mu.Unlock()

		r.send(requesterClient, protocol.Envelope{
			Type:      protocol.TypeCallDeclined,
			SessionID: sessionID.String(),
			Reason:    reason,
		})
		log.Info().Str("session_id", sessionID.String()).Str("reason", reason).Msg("Call declined by bound responder")

	default:
		r.mu.Unlock()
	}
}

// Cancel withdraws a session on behalf of its requester before or after
// the claim. Every still-ringing responder gets the same withdrawal as the
// claimed-by-someone-else path; a bound responder gets call-ended.
func (r *CallRouter) Cancel(sessionID domain.SessionID, from domain.ClientID) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	if s.requesterClient.ID() != from {
		r.mu.Unlock()
		return domain.ErrNotParticipant
	}
	ringing := collectClients(s.ringing)
	responderClient := s.responderClient
	s.state = domain.SessionEnded
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	withdrawal := protocol.Envelope{Type: protocol.TypeCallClaimed, SessionID: sessionID.String()}
	for _, c := range ringing {
		r.send(c, withdrawal)
	}
	if responderClient != nil {
		r.send(responderClient, protocol.Envelope{Type: protocol.TypeCallEnded, SessionID: sessionID.String()})
	}

	log.Info().Str("session_id", sessionID.String()).Msg("Call cancelled by requester")
	return nil
}

// End terminates a session on behalf of either bound party. Both parties
// receive call-ended so their UIs converge even though only one side
// initiated the termination.
func (r *CallRouter) End(sessionID domain.SessionID, from domain.ClientID) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	if s.requesterClient.ID() != from && (s.responderClient == nil || s.responderClient.ID() != from) {
		r.mu.Unlock()
		return domain.ErrNotParticipant
	}
	ringing := collectClients(s.ringing)
	parties := []port.Client{s.requesterClient}
	if s.responderClient != nil {
		parties = append(parties, s.responderClient)
	}
	s.state = domain.SessionEnded
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	withdrawal := protocol.Envelope{Type: protocol.TypeCallClaimed, SessionID: sessionID.String()}
	for _, c := range ringing {
		r.send(c, withdrawal)
	}
	ended := protocol.Envelope{Type: protocol.TypeCallEnded, SessionID: sessionID.String()}
	for _, c := range parties {
		r.send(c, ended)
	}

	log.Info().Str("session_id", sessionID.String()).Msg("Call ended")
	return nil
}

// MarkConnected records that the negotiation handshake completed. Only a
// claimed session can become connected; anything else is a stale message.
func (r *CallRouter) MarkConnected(sessionID domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok && s.state == domain.SessionClaimed {
		s.state = domain.SessionConnected
	}
}

// Counterpart resolves the destination transport for a negotiation message
// sent by from. Only the two bound parties of a claimed or connected
// session may relay through it.
func (r *CallRouter) Counterpart(sessionID domain.SessionID, from domain.ClientID) (port.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if s.state != domain.SessionClaimed && s.state != domain.SessionConnected {
		return nil, domain.ErrSessionNotFound
	}
	switch {
	case s.requesterClient.ID() == from:
		return s.responderClient, nil
	case s.responderClient != nil && s.responderClient.ID() == from:
		return s.requesterClient, nil
	}
	return nil, domain.ErrNotParticipant
}

// HandleDisconnect is the presence registry's disconnect hook. A vanished
// bound party ends its sessions exactly like a deliberate hang-up from the
// counterpart's point of view; a vanished ringing responder just leaves
// the candidate set.
func (r *CallRouter) HandleDisconnect(identity domain.Identity, client port.Client) {
	type notice struct {
		dest port.Client
		env  protocol.Envelope
	}
	var notices []notice

	r.mu.Lock()
	for id, s := range r.sessions {
		switch {
		case s.requesterClient.ID() == client.ID():
			for _, c := range s.ringing {
				notices = append(notices, notice{c, protocol.Envelope{Type: protocol.TypeCallClaimed, SessionID: id.String()}})
			}
			if s.responderClient != nil {
				notices = append(notices, notice{s.responderClient, protocol.Envelope{Type: protocol.TypeCallEnded, SessionID: id.String()}})
			}
			s.state = domain.SessionEnded
			delete(r.sessions, id)

		case s.responderClient != nil && s.responderClient.ID() == client.ID():
			notices = append(notices, notice{s.requesterClient, protocol.Envelope{Type: protocol.TypeCallEnded, SessionID: id.String()}})
			s.state = domain.SessionEnded
			delete(r.sessions, id)

		default:
			if c, ok := s.ringing[identity.ID]; ok && c.ID() == client.ID() {
				delete(s.ringing, identity.ID)
				if len(s.ringing) == 0 && s.state == domain.SessionOpen {
					notices = append(notices, notice{s.requesterClient, protocol.Envelope{Type: protocol.TypeCallUnanswered, SessionID: id.String()}})
					s.state = domain.SessionDeclined
					delete(r.sessions, id)
				}
			}
		}
	}
	r.mu.Unlock()

	for _, n := range notices {
		r.send(n.dest, n.env)
	}
	if len(notices) > 0 {
		log.Info().
			Str("user_id", identity.ID.String()).
			Int("notices", len(notices)).
			Msg("Sessions cleaned up after disconnect")
	}
}

func (r *CallRouter) send(c port.Client, env protocol.Envelope) {
	if err := c.Send(env); err != nil {
		log.Debug().Err(err).Str("client_id", c.ID().String()).Str("type", env.Type).Msg("Dropped notification to dead client")
	}
}

func collectClients(m map[domain.UserID]port.Client) []port.Client {
	out := make([]port.Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}
