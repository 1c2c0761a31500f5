package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/core/port"
	"github.com/carewire/carewire/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Machine is the client-local call state machine, owned by requester and
// responder alike. It assumes its own handlers never run truly
// concurrently with each other but that messages arrive in any order, so
// every transition re-checks the current state under the lock.
//
// Local media is released on every path into Ended or Failed without
// exception.
type Machine struct {
	sig     Signaler
	media   port.MediaSource
	newPeer port.PeerFactory
	sink    port.EventSink

	mu        sync.Mutex
	state     domain.CallState
	sessionID domain.SessionID
	remote    domain.Identity

	// acceptPending is set between sending accept-call and the broker
	// confirming the claim (or awarding it to someone else).
	acceptPending bool
	acceptCtx     context.Context

	localMedia port.LocalMedia
	peer       port.PeerConnector

	// Candidates depend on the description that precedes them. Anything
	// arriving before our remote description has been applied queues here
	// and flushes afterwards, in arrival order.
	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit
	remoteApplied     bool

	audioOn bool
	videoOn bool
}

func NewMachine(sig Signaler, media port.MediaSource, newPeer port.PeerFactory, sink port.EventSink) *Machine {
	if sink == nil {
		sink = port.NopSink{}
	}
	return &Machine{
		sig:     sig,
		media:   media,
		newPeer: newPeer,
		sink:    sink,
		state:   domain.CallIdle,
		audioOn: true,
		videoOn: true,
	}
}

func (m *Machine) State() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the session currently in flight, empty when idle.
func (m *Machine) SessionID() domain.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Remote returns the counterpart's identity, zero when no call is in
// flight. For a responder it is the requester; for a requester it is
// filled in once someone claims the call.
func (m *Machine) Remote() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// StartCall places a call towards targetRole. Media is acquired first:
// when the user refuses camera or microphone the machine goes straight to
// Failed and the broker never hears about the attempt. Acquire blocks on
// the permission prompt for as long as the user takes.
func (m *Machine) StartCall(ctx context.Context, targetRole domain.Role) error {
	m.mu.Lock()
	if m.state != domain.CallIdle {
		m.mu.Unlock()
		return domain.ErrInvalidCallState
	}
	m.mu.Unlock()

	lm, err := m.media.Acquire(ctx)
	if err != nil {
		m.fail(err)
		return err
	}

	m.mu.Lock()
	if m.state != domain.CallIdle {
		m.mu.Unlock()
		lm.Release()
		return domain.ErrInvalidCallState
	}
	m.localMedia = lm
	m.setStateLocked(domain.CallCalling)
	m.mu.Unlock()

	err = m.sig.Send(protocol.Envelope{
		Type:       protocol.TypeInitiateCall,
		TargetRole: string(targetRole),
	})
	if err != nil {
		m.fail(err)
		return err
	}
	return nil
}

// Accept asks the broker to claim the ringing session for us. The
// transition to Connecting waits for the broker's confirmation; losing
// the race drops us back to Idle via call-already-claimed.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.state != domain.CallRinging {
		m.mu.Unlock()
		return domain.ErrInvalidCallState
	}
	m.acceptPending = true
	m.acceptCtx = ctx
	sid := m.sessionID
	m.mu.Unlock()

	return m.sig.Send(protocol.Envelope{
		Type:      protocol.TypeAcceptCall,
		SessionID: sid.String(),
	})
}

// Decline passes on a ringing call. The reason travels to the requester
// only if we were already the bound responder; for an open offer it just
// removes us from the candidate set.
func (m *Machine) Decline(reason string) error {
	m.mu.Lock()
	if m.state != domain.CallRinging {
		m.mu.Unlock()
		return domain.ErrInvalidCallState
	}
	sid := m.sessionID
	m.resetLocked(domain.CallIdle)
	m.mu.Unlock()

	return m.sig.Send(protocol.Envelope{
		Type:      protocol.TypeDeclineCall,
		SessionID: sid.String(),
		Reason:    reason,
	})
}

// Cancel withdraws an outgoing call before it connected. Ringing
// responders resolve back to idle through the broker's withdrawal
// broadcast; local media is released here regardless.
func (m *Machine) Cancel() error {
	m.mu.Lock()
	if m.state != domain.CallCalling && m.state != domain.CallConnecting {
		m.mu.Unlock()
		return domain.ErrInvalidCallState
	}
	sid := m.sessionID
	m.cleanupLocked()
	m.setStateLocked(domain.CallEnded)
	m.mu.Unlock()

	if sid == "" {
		// cancelled before the broker assigned a session; nothing to withdraw
		return nil
	}
	return m.sig.Send(protocol.Envelope{
		Type:      protocol.TypeCancelCall,
		SessionID: sid.String(),
	})
}

// Hangup deliberately terminates the call from any active state. The
// broker broadcasts call-ended so both UIs converge.
func (m *Machine) Hangup() error {
	m.mu.Lock()
	switch m.state {
	case domain.CallIdle, domain.CallEnded, domain.CallFailed:
		m.mu.Unlock()
		return domain.ErrInvalidCallState
	}
	sid := m.sessionID
	m.cleanupLocked()
	m.setStateLocked(domain.CallEnded)
	m.mu.Unlock()

	if sid == "" {
		return nil
	}
	return m.sig.Send(protocol.Envelope{
		Type:      protocol.TypeEndCall,
		SessionID: sid.String(),
	})
}

// Reset returns a finished machine to Idle so the same participant can
// place or take the next call. Only valid from Ended or Failed; an
// active call must be hung up first.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case domain.CallEnded, domain.CallFailed:
		m.resetLocked(domain.CallIdle)
		return nil
	}
	return domain.ErrInvalidCallState
}

// ToggleAudio flips the local audio flag. Returns the new muted state.
func (m *Machine) ToggleAudio() bool {
	m.mu.Lock()
	m.audioOn = !m.audioOn
	muted := !m.audioOn
	m.mu.Unlock()
	log.Debug().Bool("muted", muted).Msg("Audio toggled")
	return muted
}

// ToggleVideo flips the local video flag. Returns the new disabled state.
func (m *Machine) ToggleVideo() bool {
	m.mu.Lock()
	m.videoOn = !m.videoOn
	disabled := !m.videoOn
	m.mu.Unlock()
	log.Debug().Bool("disabled", disabled).Msg("Video toggled")
	return disabled
}

// HandleEnvelope routes one inbound signaling message. Wire it as the
// Client's ReadLoop handler.
func (m *Machine) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegistered:
		// ack only

	case protocol.TypePresenceChanged:
		if env.Available != nil {
			m.sink.PresenceChanged(domain.Role(env.Role), *env.Available)
		}

	case protocol.TypeCallCreated:
		m.handleCallCreated(env)

	case protocol.TypeCallUnanswered, protocol.TypeCallDeclined:
		m.handleCallRefused(env)

	case protocol.TypeIncomingCall:
		m.handleIncomingCall(env)

	case protocol.TypeCallClaimed:
		m.handleWithdrawal(env)

	case protocol.TypeCallAlreadyClaimed:
		m.handleRaceLost(env)

	case protocol.TypeCallAccepted:
		m.handleCallAccepted(env)

	case protocol.TypeSessionOffer:
		m.handleOffer(env)

	case protocol.TypeSessionAnswer:
		m.handleAnswer(env)

	case protocol.TypeICECandidate:
		m.handleCandidate(env)

	case protocol.TypeCallEnded:
		m.handleCallEnded(env)

	default:
		log.Debug().Str("type", env.Type).Msg("Ignoring unexpected message")
	}
}

func (m *Machine) handleCallCreated(env protocol.Envelope) {
	m.mu.Lock()
	if m.state == domain.CallCalling && m.sessionID == "" {
		m.sessionID = domain.SessionID(env.SessionID)
		m.mu.Unlock()
		return
	}
	if m.sessionID == domain.SessionID(env.SessionID) {
		// an accept outran this confirmation; the session is already live
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	// we already cancelled or failed locally; withdraw the orphan session
	if err := m.sig.Send(protocol.Envelope{Type: protocol.TypeCancelCall, SessionID: env.SessionID}); err != nil {
		log.Debug().Err(err).Msg("Orphan session cancel not delivered")
	}
}

// handleCallRefused covers both the open-offer outcome (nobody answered
// while we are still Calling) and a bound responder backing out of a
// claimed session, which can land after we already moved to Connecting.
func (m *Machine) handleCallRefused(env protocol.Envelope) {
	m.mu.Lock()
	switch m.state {
	case domain.CallCalling, domain.CallConnecting:
	default:
		m.mu.Unlock()
		return
	}
	if m.sessionID != "" && env.SessionID != "" && m.sessionID != domain.SessionID(env.SessionID) {
		m.mu.Unlock()
		return
	}
	if env.Reason != "" {
		log.Info().Str("reason", env.Reason).Msg("Call declined")
	} else {
		log.Info().Msg("Nobody answered the call")
	}
	m.cleanupLocked()
	m.setStateLocked(domain.CallFailed)
	m.mu.Unlock()
}

func (m *Machine) handleIncomingCall(env protocol.Envelope) {
	m.mu.Lock()
	if m.state != domain.CallIdle {
		sid := env.SessionID
		m.mu.Unlock()
		// already busy; drop out of the candidate set right away
		if err := m.sig.Send(protocol.Envelope{Type: protocol.TypeDeclineCall, SessionID: sid, Reason: "busy"}); err != nil {
			log.Debug().Err(err).Msg("Busy decline not delivered")
		}
		return
	}
	m.sessionID = domain.SessionID(env.SessionID)
	m.remote = domain.Identity{
		ID:          domain.UserID(env.UserID),
		DisplayName: env.DisplayName,
		Role:        domain.Role(env.Role),
	}
	requester := m.remote
	sid := m.sessionID
	m.setStateLocked(domain.CallRinging)
	m.mu.Unlock()

	m.sink.IncomingCall(sid, requester)
}

func (m *Machine) handleWithdrawal(env protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallRinging || m.sessionID != domain.SessionID(env.SessionID) {
		return
	}
	m.resetLocked(domain.CallIdle)
}

func (m *Machine) handleRaceLost(env protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallRinging || !m.acceptPending {
		return
	}
	log.Info().Str("session_id", env.SessionID).Msg("Call was answered elsewhere")
	m.resetLocked(domain.CallIdle)
}

func (m *Machine) handleCallAccepted(env protocol.Envelope) {
	m.mu.Lock()
	if m.state == domain.CallCalling && m.sessionID == "" {
		// the broker rings responders before it confirms creation to us,
		// so a fast responder's accept can arrive first; adopt the session
		m.sessionID = domain.SessionID(env.SessionID)
	}
	if m.sessionID != domain.SessionID(env.SessionID) {
		m.mu.Unlock()
		return
	}
	switch {
	case m.state == domain.CallCalling:
		// our call was picked up; we initiate the negotiation
		m.remote = domain.Identity{ID: domain.UserID(env.UserID), DisplayName: env.DisplayName}
		m.setStateLocked(domain.CallConnecting)
		m.mu.Unlock()
		go m.negotiateAsInitiator()

	case m.state == domain.CallRinging && m.acceptPending:
		// the claim is ours; media first, then answer whatever offer comes
		m.acceptPending = false
		ctx := m.acceptCtx
		if ctx == nil {
			ctx = context.Background()
		}
		m.setStateLocked(domain.CallConnecting)
		m.mu.Unlock()
		go m.negotiateAsResponder(ctx)

	default:
		m.mu.Unlock()
	}
}

func (m *Machine) negotiateAsInitiator() {
	peer, sid, ok := m.attachPeer()
	if !ok {
		return
	}

	offer, err := peer.CreateOffer()
	if err != nil {
		m.fail(err)
		return
	}
	m.sendDescription(protocol.TypeSessionOffer, sid, offer)
}

func (m *Machine) negotiateAsResponder(ctx context.Context) {
	lm, err := m.media.Acquire(ctx)
	if err != nil {
		m.mu.Lock()
		sid := m.sessionID
		m.mu.Unlock()
		if sid != "" {
			// the requester must not wait on a call we can never join
			if serr := m.sig.Send(protocol.Envelope{Type: protocol.TypeEndCall, SessionID: sid.String()}); serr != nil {
				log.Debug().Err(serr).Msg("End notice not delivered")
			}
		}
		m.fail(err)
		return
	}

	m.mu.Lock()
	if m.state != domain.CallConnecting {
		m.mu.Unlock()
		lm.Release()
		return
	}
	m.localMedia = lm
	m.mu.Unlock()

	_, _, ok := m.attachPeer()
	if !ok {
		return
	}

	m.mu.Lock()
	pending := m.pendingOffer
	m.pendingOffer = nil
	m.mu.Unlock()
	if pending != nil {
		m.applyOffer(*pending)
	}
}

// attachPeer builds the peer connection, wires its callbacks and adds the
// local tracks. Returns ok=false after failing the call.
func (m *Machine) attachPeer() (port.PeerConnector, domain.SessionID, bool) {
	peer, err := m.newPeer()
	if err != nil {
		m.fail(err)
		return nil, "", false
	}

	m.mu.Lock()
	if m.state != domain.CallConnecting {
		m.mu.Unlock()
		peer.Close()
		return nil, "", false
	}
	m.peer = peer
	lm := m.localMedia
	sid := m.sessionID
	m.mu.Unlock()

	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		payload, err := json.Marshal(c)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal candidate")
			return
		}
		if err := m.sig.Send(protocol.Envelope{
			Type:      protocol.TypeICECandidate,
			SessionID: sid.String(),
			Payload:   payload,
		}); err != nil {
			log.Debug().Err(err).Msg("Candidate not delivered")
		}
	})
	peer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			m.connected()
		case webrtc.PeerConnectionStateFailed:
			m.fail(errors.New("peer connection failed"))
		}
	})

	if lm != nil {
		for _, t := range lm.Tracks() {
			if err := peer.AddTrack(t); err != nil {
				m.fail(err)
				return nil, "", false
			}
		}
	}
	return peer, sid, true
}

func (m *Machine) handleOffer(env protocol.Envelope) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		log.Error().Err(err).Msg("Invalid session description")
		return
	}

	m.mu.Lock()
	if m.state != domain.CallConnecting || m.sessionID != domain.SessionID(env.SessionID) {
		m.mu.Unlock()
		return
	}
	if m.peer == nil {
		// media acquisition still in flight; answer once it finishes
		m.pendingOffer = &desc
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.applyOffer(desc)
}

func (m *Machine) applyOffer(desc webrtc.SessionDescription) {
	m.mu.Lock()
	peer := m.peer
	sid := m.sessionID
	m.mu.Unlock()
	if peer == nil {
		return
	}

	if err := peer.SetRemoteDescription(desc); err != nil {
		m.fail(err)
		return
	}
	m.flushCandidates(peer)

	answer, err := peer.CreateAnswer()
	if err != nil {
		m.fail(err)
		return
	}
	m.sendDescription(protocol.TypeSessionAnswer, sid, answer)
}

func (m *Machine) handleAnswer(env protocol.Envelope) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		log.Error().Err(err).Msg("Invalid session description")
		return
	}

	m.mu.Lock()
	peer := m.peer
	ok := m.state == domain.CallConnecting && m.sessionID == domain.SessionID(env.SessionID) && peer != nil
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := peer.SetRemoteDescription(desc); err != nil {
		m.fail(err)
		return
	}
	m.flushCandidates(peer)
}

func (m *Machine) handleCandidate(env protocol.Envelope) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &candidate); err != nil {
		log.Error().Err(err).Msg("Invalid candidate")
		return
	}

	m.mu.Lock()
	if m.sessionID != domain.SessionID(env.SessionID) {
		m.mu.Unlock()
		return
	}
	if m.peer == nil || !m.remoteApplied {
		m.pendingCandidates = append(m.pendingCandidates, candidate)
		m.mu.Unlock()
		return
	}
	peer := m.peer
	m.mu.Unlock()

	if err := peer.AddICECandidate(candidate); err != nil {
		log.Warn().Err(err).Msg("Add ICE candidate failed")
	}
}

// flushCandidates marks the remote description applied and drains the
// queue in arrival order.
func (m *Machine) flushCandidates(peer port.PeerConnector) {
	m.mu.Lock()
	m.remoteApplied = true
	queued := m.pendingCandidates
	m.pendingCandidates = nil
	m.mu.Unlock()

	for _, c := range queued {
		if err := peer.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Msg("Add buffered ICE candidate failed")
		}
	}
}

func (m *Machine) handleCallEnded(env protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID != domain.SessionID(env.SessionID) {
		return
	}
	switch m.state {
	case domain.CallIdle, domain.CallEnded, domain.CallFailed:
		return
	}
	m.cleanupLocked()
	m.setStateLocked(domain.CallEnded)
}

func (m *Machine) sendDescription(msgType string, sid domain.SessionID, desc webrtc.SessionDescription) {
	payload, err := json.Marshal(desc)
	if err != nil {
		m.fail(err)
		return
	}
	if err := m.sig.Send(protocol.Envelope{
		Type:      msgType,
		SessionID: sid.String(),
		Payload:   payload,
	}); err != nil {
		m.fail(err)
	}
}

func (m *Machine) connected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.CallConnecting {
		return
	}
	m.setStateLocked(domain.CallConnected)
}

func (m *Machine) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case domain.CallEnded, domain.CallFailed:
		return
	}
	log.Error().Err(err).Str("state", m.state.String()).Msg("Call failed")
	m.cleanupLocked()
	m.setStateLocked(domain.CallFailed)
}

// cleanupLocked releases every per-call resource. Media release here is
// what guarantees no live track survives a terminal transition.
func (m *Machine) cleanupLocked() {
	if m.localMedia != nil {
		m.localMedia.Release()
		m.localMedia = nil
	}
	if m.peer != nil {
		m.peer.Close()
		m.peer = nil
	}
	m.pendingOffer = nil
	m.pendingCandidates = nil
	m.remoteApplied = false
	m.acceptPending = false
	m.acceptCtx = nil
}

// resetLocked returns the machine to a fresh state without touching media
// (used for ringing offers that never acquired any).
func (m *Machine) resetLocked(state domain.CallState) {
	m.cleanupLocked()
	m.sessionID = ""
	m.remote = domain.Identity{}
	m.setStateLocked(state)
}

func (m *Machine) setStateLocked(state domain.CallState) {
	if m.state == state {
		return
	}
	m.state = state
	m.sink.StateChanged(state)
}
