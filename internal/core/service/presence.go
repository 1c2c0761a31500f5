package service

import (
	"sync"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/core/port"
	"github.com/carewire/carewire/internal/protocol"
	"github.com/rs/zerolog/log"
)

type presenceRecord struct {
	identity  domain.Identity
	client    port.Client
	available bool
}

// Candidate is one responder a call can be offered to.
type Candidate struct {
	Identity domain.Identity
	Client   port.Client
}

// PresenceRegistry is the single source of truth for who is connected.
// One record per identity; a reconnect replaces the transport handle
// instead of duplicating the record. Disconnect is the only cleanup path,
// there is no heartbeat.
type PresenceRegistry struct {
	mu       sync.Mutex
	byUser   map[domain.UserID]*presenceRecord
	byClient map[domain.ClientID]domain.UserID

	hookMu       sync.Mutex
	onDisconnect []func(domain.Identity, port.Client)
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		byUser:   make(map[domain.UserID]*presenceRecord),
		byClient: make(map[domain.ClientID]domain.UserID),
	}
}

// OnDisconnect registers a lifecycle hook fired after a record is removed.
// The call router uses it to force-end sessions of the vanished party.
func (r *PresenceRegistry) OnDisconnect(fn func(domain.Identity, port.Client)) {
	r.hookMu.Lock()
	r.onDisconnect = append(r.onDisconnect, fn)
	r.hookMu.Unlock()
}

// Register stores a presence record for identity, replacing any prior one.
// The replaced transport handle is closed. Availability always starts out
// false; the client must publish it explicitly.
func (r *PresenceRegistry) Register(identity domain.Identity, client port.Client) {
	r.mu.Lock()
	var stale port.Client
	if old, ok := r.byUser[identity.ID]; ok {
		stale = old.client
		delete(r.byClient, old.client.ID())
	}
	r.byUser[identity.ID] = &presenceRecord{identity: identity, client: client}
	r.byClient[client.ID()] = identity.ID
	r.mu.Unlock()

	if stale != nil {
		log.Info().
			Str("user_id", identity.ID.String()).
			Str("client_id", stale.ID().String()).
			Msg("Replacing stale connection")
		stale.Close()
	}
}

// SetAvailability flips the availability flag of the identity behind
// clientID and tells every client of the other roles, so requesters can
// enable or disable their call affordance.
func (r *PresenceRegistry) SetAvailability(clientID domain.ClientID, available bool) error {
	r.mu.Lock()
	userID, ok := r.byClient[clientID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrNotRegistered
	}
	rec := r.byUser[userID]
	rec.available = available
	identity := rec.identity
	audience := r.oppositeRoleLocked(identity.Role)
	r.mu.Unlock()

	r.broadcastPresence(identity, available, audience)
	return nil
}

// Unregister removes the record owned by clientID. A stale handle (already
// replaced by a reconnect) is ignored. Disconnect hooks fire afterwards.
func (r *PresenceRegistry) Unregister(clientID domain.ClientID) {
	r.mu.Lock()
	userID, ok := r.byClient[clientID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec := r.byUser[userID]
	delete(r.byClient, clientID)
	delete(r.byUser, userID)
	wasAvailable := rec.available
	identity := rec.identity
	client := rec.client
	var audience []port.Client
	if wasAvailable {
		audience = r.oppositeRoleLocked(identity.Role)
	}
	r.mu.Unlock()

	if wasAvailable {
		r.broadcastPresence(identity, false, audience)
	}

	r.hookMu.Lock()
	hooks := make([]func(domain.Identity, port.Client), len(r.onDisconnect))
	copy(hooks, r.onDisconnect)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn(identity, client)
	}
}

// Available returns every registered identity of role that has published
// availability.
func (r *PresenceRegistry) Available(role domain.Role) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Candidate
	for _, rec := range r.byUser {
		if rec.identity.Role == role && rec.available {
			out = append(out, Candidate{Identity: rec.identity, Client: rec.client})
		}
	}
	return out
}

// Lookup resolves a transport handle back to its identity.
func (r *PresenceRegistry) Lookup(clientID domain.ClientID) (domain.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byClient[clientID]
	if !ok {
		return domain.Identity{}, false
	}
	return r.byUser[userID].identity, true
}

func (r *PresenceRegistry) oppositeRoleLocked(role domain.Role) []port.Client {
	var out []port.Client
	for _, rec := range r.byUser {
		if rec.identity.Role != role {
			out = append(out, rec.client)
		}
	}
	return out
}

func (r *PresenceRegistry) broadcastPresence(identity domain.Identity, available bool, audience []port.Client) {
	env := protocol.Envelope{
		Type:        protocol.TypePresenceChanged,
		UserID:      identity.ID.String(),
		DisplayName: identity.DisplayName,
		Role:        string(identity.Role),
		Available:   protocol.Bool(available),
	}
	for _, c := range audience {
		if err := c.Send(env); err != nil {
			log.Debug().Err(err).Str("client_id", c.ID().String()).Msg("Presence broadcast skipped dead client")
		}
	}
}
