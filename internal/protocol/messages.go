// Package protocol defines the JSON envelope exchanged over the signaling
// websocket. Server and client share it; negotiation payloads stay raw so
// the broker never has to understand SDP or ICE.
package protocol

import "encoding/json"

const (
	TypeRegister   = "register"
	TypeRegistered = "registered"

	TypeSetAvailability = "set-availability"
	TypePresenceChanged = "presence-changed"

	TypeInitiateCall = "initiate-call"
	TypeCallCreated  = "call-created"
	TypeIncomingCall = "incoming-call"

	TypeAcceptCall         = "accept-call"
	TypeCallAccepted       = "call-accepted"
	TypeCallAlreadyClaimed = "call-already-claimed"
	// TypeCallClaimed withdraws a ringing offer: someone else accepted,
	// or the requester cancelled before anyone did.
	TypeCallClaimed = "call-claimed"

	TypeDeclineCall    = "decline-call"
	TypeCallDeclined   = "call-declined"
	TypeCancelCall     = "cancel-call"
	TypeCallUnanswered = "call-unanswered"

	TypeEndCall   = "end-call"
	TypeCallEnded = "call-ended"

	TypeSessionOffer  = "session-offer"
	TypeSessionAnswer = "session-answer"
	TypeICECandidate  = "ice-candidate"
)

type Envelope struct {
	Type        string          `json:"type"`
	UserID      string          `json:"user_id,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	Role        string          `json:"role,omitempty"`
	TargetRole  string          `json:"target_role,omitempty"`
	Available   *bool           `json:"available,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Negotiation reports whether t is one of the opaque payload kinds that
// get relayed verbatim between the two bound parties of a session.
func Negotiation(t string) bool {
	return t == TypeSessionOffer || t == TypeSessionAnswer || t == TypeICECandidate
}

func Bool(v bool) *bool {
	return &v
}
