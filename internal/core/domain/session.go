package domain

// SessionState is the broker-side lifecycle of a call session. It only ever
// moves forward: Open -> Claimed -> {Connected, Declined, Ended}. Once a
// session leaves Open no further acceptance is possible.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionClaimed
	SessionConnected
	SessionDeclined
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionClaimed:
		return "claimed"
	case SessionConnected:
		return "connected"
	case SessionDeclined:
		return "declined"
	case SessionEnded:
		return "ended"
	}
	return "unknown"
}

// Terminal reports whether the session is finished. Terminal sessions are
// dropped from the router, not persisted. Connected is not terminal: the
// session stays tracked until one side ends it or drops.
func (s SessionState) Terminal() bool {
	return s == SessionDeclined || s == SessionEnded
}

// CallState is the client-local UI lifecycle of one call participant.
type CallState int

const (
	CallIdle CallState = iota
	CallCalling
	CallRinging
	CallConnecting
	CallConnected
	CallEnded
	CallFailed
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallCalling:
		return "calling"
	case CallRinging:
		return "ringing"
	case CallConnecting:
		return "connecting"
	case CallConnected:
		return "connected"
	case CallEnded:
		return "ended"
	case CallFailed:
		return "failed"
	}
	return "unknown"
}
