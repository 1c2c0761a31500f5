package domain

import (
	"github.com/google/uuid"
)

// UserID is the stable identity reference supplied by the authentication
// collaborator. It survives reconnects; transport handles do not.
type UserID string

func (id UserID) String() string {
	return string(id)
}

// ClientID identifies one live transport connection of one identity.
// A reconnect gets a fresh ClientID and replaces the old presence record.
type ClientID string

func NewClientID() ClientID {
	return ClientID(uuid.New().String())
}

func (id ClientID) String() string {
	return string(id)
}

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func (id SessionID) String() string {
	return string(id)
}
