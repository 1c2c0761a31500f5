package service

import (
	"sync"
	"testing"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/core/port"
	"github.com/carewire/carewire/internal/protocol"
)

type fakeClient struct {
	id domain.ClientID

	mu     sync.Mutex
	sent   []protocol.Envelope
	closed bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{id: domain.NewClientID()}
}

func (c *fakeClient) ID() domain.ClientID { return c.id }

func (c *fakeClient) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) envelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeClient) received(msgType string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range c.envelopes() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeClient) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func identity(id, role string) domain.Identity {
	return domain.Identity{ID: domain.UserID(id), DisplayName: id, Role: domain.Role(role)}
}

func TestRegisterReplacesStaleConnection(t *testing.T) {
	reg := NewPresenceRegistry()
	alice := identity("alice", "caregiver")

	first := newFakeClient()
	second := newFakeClient()
	reg.Register(alice, first)
	reg.Register(alice, second)

	if !first.wasClosed() {
		t.Error("stale connection was not closed on reconnect")
	}
	if second.wasClosed() {
		t.Error("fresh connection was closed")
	}
	if _, ok := reg.Lookup(second.ID()); !ok {
		t.Error("fresh connection not resolvable")
	}
	if _, ok := reg.Lookup(first.ID()); ok {
		t.Error("stale connection still resolvable")
	}
}

func TestUnregisterIgnoresStaleHandle(t *testing.T) {
	reg := NewPresenceRegistry()
	alice := identity("alice", "caregiver")

	first := newFakeClient()
	second := newFakeClient()
	reg.Register(alice, first)
	reg.Register(alice, second)

	var hookFired bool
	reg.OnDisconnect(func(domain.Identity, port.Client) {
		hookFired = true
	})

	reg.Unregister(first.ID())

	if hookFired {
		t.Error("hook fired for a stale handle")
	}

	if _, ok := reg.Lookup(second.ID()); !ok {
		t.Error("stale unregister removed the live record")
	}
}

func TestSetAvailabilityBroadcastsToOppositeRoleOnly(t *testing.T) {
	reg := NewPresenceRegistry()

	caregiver := newFakeClient()
	otherCaregiver := newFakeClient()
	patient := newFakeClient()
	reg.Register(identity("carol", "caregiver"), caregiver)
	reg.Register(identity("cathy", "caregiver"), otherCaregiver)
	reg.Register(identity("pat", "patient"), patient)

	if err := reg.SetAvailability(caregiver.ID(), true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}

	got := patient.received(protocol.TypePresenceChanged)
	if len(got) != 1 {
		t.Fatalf("patient received %d presence messages, want 1", len(got))
	}
	if got[0].UserID != "carol" || got[0].Available == nil || !*got[0].Available {
		t.Errorf("unexpected presence message: %+v", got[0])
	}
	if n := len(otherCaregiver.received(protocol.TypePresenceChanged)); n != 0 {
		t.Errorf("same-role client received %d presence messages, want 0", n)
	}
}

func TestSetAvailabilityUnknownClient(t *testing.T) {
	reg := NewPresenceRegistry()
	if err := reg.SetAvailability(domain.NewClientID(), true); err != domain.ErrNotRegistered {
		t.Errorf("got %v, want ErrNotRegistered", err)
	}
}

func TestUnregisterWithdrawsPublishedAvailability(t *testing.T) {
	reg := NewPresenceRegistry()

	caregiver := newFakeClient()
	patient := newFakeClient()
	reg.Register(identity("carol", "caregiver"), caregiver)
	reg.Register(identity("pat", "patient"), patient)

	if err := reg.SetAvailability(caregiver.ID(), true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}
	reg.Unregister(caregiver.ID())

	got := patient.received(protocol.TypePresenceChanged)
	if len(got) != 2 {
		t.Fatalf("patient received %d presence messages, want 2", len(got))
	}
	last := got[len(got)-1]
	if last.Available == nil || *last.Available {
		t.Errorf("disconnect did not broadcast unavailability: %+v", last)
	}
}

func TestUnregisterWithoutAvailabilityStaysSilent(t *testing.T) {
	reg := NewPresenceRegistry()

	caregiver := newFakeClient()
	patient := newFakeClient()
	reg.Register(identity("carol", "caregiver"), caregiver)
	reg.Register(identity("pat", "patient"), patient)

	reg.Unregister(caregiver.ID())

	if n := len(patient.received(protocol.TypePresenceChanged)); n != 0 {
		t.Errorf("patient received %d presence messages, want 0", n)
	}
}

func TestAvailableFiltersByRoleAndFlag(t *testing.T) {
	reg := NewPresenceRegistry()

	available := newFakeClient()
	silent := newFakeClient()
	patient := newFakeClient()
	reg.Register(identity("carol", "caregiver"), available)
	reg.Register(identity("cathy", "caregiver"), silent)
	reg.Register(identity("pat", "patient"), patient)

	if err := reg.SetAvailability(available.ID(), true); err != nil {
		t.Fatalf("SetAvailability: %v", err)
	}

	got := reg.Available("caregiver")
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	if got[0].Identity.ID != "carol" {
		t.Errorf("got candidate %q, want carol", got[0].Identity.ID)
	}
}

func TestDisconnectHookFiresAfterRemoval(t *testing.T) {
	reg := NewPresenceRegistry()
	caregiver := newFakeClient()
	reg.Register(identity("carol", "caregiver"), caregiver)

	var gotID domain.UserID
	reg.OnDisconnect(func(id domain.Identity, _ port.Client) {
		gotID = id.ID
	})

	reg.Unregister(caregiver.ID())

	if gotID != "carol" {
		t.Errorf("hook saw %q, want carol", gotID)
	}
	if _, ok := reg.Lookup(caregiver.ID()); ok {
		t.Error("record still present when hook fired")
	}
}
