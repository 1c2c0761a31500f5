package domain

import "errors"

var (
	// ErrNoResponder is surfaced to a requester when no candidate of the
	// target role is available, or when every candidate has declined.
	ErrNoResponder = errors.New("no available responder")

	// ErrAlreadyClaimed is returned to a responder whose accept lost the
	// race. Recovered locally; the requester never sees it.
	ErrAlreadyClaimed = errors.New("call already claimed")

	ErrSessionNotFound = errors.New("call session not found")
	ErrNotParticipant  = errors.New("not a participant of this session")
	ErrNotRegistered   = errors.New("client is not registered")

	// ErrMediaDenied means camera/microphone permission was refused or the
	// device is unavailable. A call that fails this way never reaches the
	// broker.
	ErrMediaDenied = errors.New("local media unavailable")

	ErrInvalidCallState = errors.New("operation not valid in current call state")
)
