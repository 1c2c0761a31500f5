package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/carewire/carewire/internal/core/domain"
	"github.com/carewire/carewire/internal/protocol"
)

type responder struct {
	identity domain.Identity
	client   *fakeClient
}

// ringRoom registers one requester and n available responders, then
// initiates a call towards the responder role.
func ringRoom(t *testing.T, n int) (*PresenceRegistry, *CallRouter, *fakeClient, []responder, domain.SessionID) {
	t.Helper()

	reg := NewPresenceRegistry()
	router := NewCallRouter(reg)

	requester := newFakeClient()
	reg.Register(identity("pat", "patient"), requester)

	responders := make([]responder, n)
	for i := range responders {
		id := identity(fmt.Sprintf("caregiver-%d", i), "caregiver")
		c := newFakeClient()
		reg.Register(id, c)
		if err := reg.SetAvailability(c.ID(), true); err != nil {
			t.Fatalf("SetAvailability: %v", err)
		}
		responders[i] = responder{identity: id, client: c}
	}

	sid, err := router.Initiate(identity("pat", "patient"), requester, "caregiver")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	return reg, router, requester, responders, sid
}

func TestInitiateNoResponder(t *testing.T) {
	reg := NewPresenceRegistry()
	router := NewCallRouter(reg)

	requester := newFakeClient()
	reg.Register(identity("pat", "patient"), requester)

	_, err := router.Initiate(identity("pat", "patient"), requester, "caregiver")
	if !errors.Is(err, domain.ErrNoResponder) {
		t.Errorf("got %v, want ErrNoResponder", err)
	}
}

func TestInitiateRingsEveryAvailableResponder(t *testing.T) {
	_, _, _, responders, sid := ringRoom(t, 3)

	for _, r := range responders {
		got := r.client.received(protocol.TypeIncomingCall)
		if len(got) != 1 {
			t.Fatalf("%s received %d incoming-call, want 1", r.identity.ID, len(got))
		}
		if got[0].SessionID != sid.String() || got[0].UserID != "pat" {
			t.Errorf("%s got wrong ring: %+v", r.identity.ID, got[0])
		}
	}
}

func TestAcceptFirstWinsUnderConcurrency(t *testing.T) {
	_, router, requester, responders, sid := ringRoom(t, 8)

	errs := make([]error, len(responders))
	var wg sync.WaitGroup
	for i, r := range responders {
		wg.Add(1)
		go func(i int, r responder) {
			defer wg.Done()
			errs[i] = router.Accept(r.identity, r.client, sid)
		}(i, r)
	}
	wg.Wait()

	var winners, losers int
	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			winners++
			winner = i
		case errors.Is(err, domain.ErrAlreadyClaimed):
			losers++
		default:
			t.Errorf("responder %d got unexpected error %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winners, want exactly 1", winners)
	}
	if losers != len(responders)-1 {
		t.Fatalf("got %d losers, want %d", losers, len(responders)-1)
	}

	if got := requester.received(protocol.TypeCallAccepted); len(got) != 1 {
		t.Errorf("requester received %d call-accepted, want 1", len(got))
	}
	if got := responders[winner].client.received(protocol.TypeCallAccepted); len(got) != 1 {
		t.Errorf("winner received %d call-accepted, want 1", len(got))
	}
	for i, r := range responders {
		if i == winner {
			continue
		}
		if got := r.client.received(protocol.TypeCallClaimed); len(got) != 1 {
			t.Errorf("loser %d received %d withdrawals, want 1", i, len(got))
		}
	}
}

func TestAcceptUnknownSession(t *testing.T) {
	reg := NewPresenceRegistry()
	router := NewCallRouter(reg)

	err := router.Accept(identity("carol", "caregiver"), newFakeClient(), domain.NewSessionID())
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("got %v, want ErrSessionNotFound", err)
	}
}

func TestAllDeclinedYieldsUnanswered(t *testing.T) {
	_, router, requester, responders, sid := ringRoom(t, 3)

	for i, r := range responders {
		router.Decline(r.identity.ID, sid, "")
		unanswered := requester.received(protocol.TypeCallUnanswered)
		if i < len(responders)-1 && len(unanswered) != 0 {
			t.Fatalf("unanswered sent after %d of %d declines", i+1, len(responders))
		}
	}
	if got := requester.received(protocol.TypeCallUnanswered); len(got) != 1 {
		t.Fatalf("requester received %d call-unanswered, want 1", len(got))
	}

	// session is gone; a late accept loses
	err := router.Accept(responders[0].identity, responders[0].client, sid)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("late accept got %v, want ErrSessionNotFound", err)
	}
}

func TestBoundResponderDeclineCarriesReason(t *testing.T) {
	_, router, requester, responders, sid := ringRoom(t, 2)

	if err := router.Accept(responders[0].identity, responders[0].client, sid); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	router.Decline(responders[0].identity.ID, sid, "patient fell asleep")

	got := requester.received(protocol.TypeCallDeclined)
	if len(got) != 1 {
		t.Fatalf("requester received %d call-declined, want 1", len(got))
	}
	if got[0].Reason != "patient fell asleep" {
		t.Errorf("reason %q not carried verbatim", got[0].Reason)
	}
}

func TestNonBoundDeclineOnClaimedSessionIgnored(t *testing.T) {
	_, router, requester, responders, sid := ringRoom(t, 2)

	if err := router.Accept(responders[0].identity, responders[0].client, sid); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	router.Decline(responders[1].identity.ID, sid, "late decline")

	if got := requester.received(protocol.TypeCallDeclined); len(got) != 0 {
		t.Errorf("requester received %d call-declined from a non-bound responder", len(got))
	}
}

func TestCancelWithdrawsRingingOffers(t *testing.T) {
	_, router, requester, responders, sid := ringRoom(t, 3)

	if err := router.Cancel(sid, requester.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	for i, r := range responders {
		if got := r.client.received(protocol.TypeCallClaimed); len(got) != 1 {
			t.Errorf("responder %d received %d withdrawals, want 1", i, len(got))
		}
	}
	err := router.Accept(responders[0].identity, responders[0].client, sid)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("accept after cancel got %v, want ErrSessionNotFound", err)
	}
}

func TestCancelRejectsNonRequester(t *testing.T) {
	_, router, _, responders, sid := ringRoom(t, 1)

	err := router.Cancel(sid, responders[0].client.ID())
	if !errors.Is(err, domain.ErrNotParticipant) {
		t.Errorf("got %v, want ErrNotParticipant", err)
	}
}

func TestEndNotifiesBothParties(t *testing.T) {
	_, router, requester, responders, sid := ringRoom(t, 2)

	if err := router.Accept(responders[0].identity, responders[0].client, sid); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := router.End(sid, responders[0].client.ID()); err != nil {
		t.Fatalf("End: %v", err)
	}

	if got := requester.received(protocol.TypeCallEnded); len(got) != 1 {
		t.Errorf("requester received %d call-ended, want 1", len(got))
	}
	if got := responders[0].client.received(protocol.TypeCallEnded); len(got) != 1 {
		t.Errorf("responder received %d call-ended, want 1", len(got))
	}
}

func TestEndRejectsOutsider(t *testing.T) {
	_, router, _, responders, sid := ringRoom(t, 2)

	if err := router.Accept(responders[0].identity, responders[0].client, sid); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	err := router.End(sid, responders[1].client.ID())
	if !errors.Is(err, domain.ErrNotParticipant) {
		t.Errorf("got %v, want ErrNotParticipant", err)
	}
}

func TestRequesterDisconnectEndsClaimedSession(t *testing.T) {
	reg, router, requester, responders, sid := ringRoom(t, 2)

	if err := router.Accept(responders[0].identity, responders[0].client, sid); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	reg.Unregister(requester.ID())

	if got := responders[0].client.received(protocol.TypeCallEnded); len(got) != 1 {
		t.Errorf("bound responder received %d call-ended, want 1", len(got))
	}
}

func TestRequesterDisconnectWithdrawsOpenSession(t *testing.T) {
	reg, _, requester, responders, _ := ringRoom(t, 2)

	reg.Unregister(requester.ID())

	for i, r := range responders {
		if got := r.client.received(protocol.TypeCallClaimed); len(got) != 1 {
			t.Errorf("responder %d received %d withdrawals, want 1", i, len(got))
		}
	}
}

func TestResponderDisconnectEndsConnectedSession(t *testing.T) {
	reg, router, requester, responders, sid := ringRoom(t, 1)

	if err := router.Accept(responders[0].identity, responders[0].client, sid); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	router.MarkConnected(sid)
	reg.Unregister(responders[0].client.ID())

	if got := requester.received(protocol.TypeCallEnded); len(got) != 1 {
		t.Errorf("requester received %d call-ended, want 1", len(got))
	}
}

func TestLastRingingResponderDisconnectYieldsUnanswered(t *testing.T) {
	reg, _, requester, responders, _ := ringRoom(t, 1)

	reg.Unregister(responders[0].client.ID())

	if got := requester.received(protocol.TypeCallUnanswered); len(got) != 1 {
		t.Errorf("requester received %d call-unanswered, want 1", len(got))
	}
}

func TestCounterpartResolvesBothDirections(t *testing.T) {
	_, router, requester, responders, sid := ringRoom(t, 1)

	if _, err := router.Counterpart(sid, requester.ID()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("open session relayed: %v", err)
	}

	if err := router.Accept(responders[0].identity, responders[0].client, sid); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	dest, err := router.Counterpart(sid, requester.ID())
	if err != nil || dest.ID() != responders[0].client.ID() {
		t.Errorf("requester counterpart = %v, %v", dest, err)
	}
	dest, err = router.Counterpart(sid, responders[0].client.ID())
	if err != nil || dest.ID() != requester.ID() {
		t.Errorf("responder counterpart = %v, %v", dest, err)
	}
	if _, err := router.Counterpart(sid, domain.NewClientID()); !errors.Is(err, domain.ErrNotParticipant) {
		t.Errorf("outsider got %v, want ErrNotParticipant", err)
	}
}
