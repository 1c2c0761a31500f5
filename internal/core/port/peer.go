package port

import "github.com/pion/webrtc/v4"

// PeerConnector is the negotiation surface of one peer connection. The
// production implementation wraps pion; tests drive the call state machine
// with a scripted fake.
type PeerConnector interface {
	AddTrack(track webrtc.TrackLocal) error

	// CreateOffer and CreateAnswer also apply the produced description
	// locally, so trickle candidates start flowing as soon as they return.
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)

	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// PeerFactory builds a fresh PeerConnector per call session.
type PeerFactory func() (PeerConnector, error)
