package domain

import "errors"

// Role tags an identity with the party it represents, e.g. "patient" or
// "caregiver". Calls are placed towards a role, not a specific user.
type Role string

type Identity struct {
	ID          UserID
	DisplayName string
	Role        Role
}

func NewIdentity(id UserID, displayName string, role Role) (Identity, error) {
	if id == "" {
		return Identity{}, errors.New("identity id cannot be empty")
	}
	if role == "" {
		return Identity{}, errors.New("identity role cannot be empty")
	}
	return Identity{
		ID:          id,
		DisplayName: displayName,
		Role:        role,
	}, nil
}
