package peer

import (
	"testing"

	"github.com/vpnmesh/meshvpn/internal/wire"
)

func TestSetAddRejectsPastMaxPeers(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 1)
	if _, err := s.Add(1, 0, nil, &fakeOps{}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := s.Add(2, 0, nil, &fakeOps{}); err == nil {
		t.Fatal("expected second add past max_peers to be rejected")
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (rejected peer must not be counted)", s.Len())
	}
}

func TestSetAddRejectsDuplicateID(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 0)
	if _, err := s.Add(7, 0, nil, &fakeOps{}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := s.Add(7, 0, nil, &fakeOps{}); err == nil {
		t.Fatal("expected duplicate id add to be rejected")
	}
}

func TestNeedRelayAttachesToEligibleProvider(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 0)
	provider, err := s.Add(1, wire.FlagRelayServer, nil, &fakeOps{})
	if err != nil {
		t.Fatalf("add provider: %v", err)
	}
	provider.Link = LinkUp

	waiter, err := s.Add(2, 0, nil, &fakeOps{})
	if err != nil {
		t.Fatalf("add waiter: %v", err)
	}
	waiter.NeedRelay()

	if waiter.Link != LinkRelaying {
		t.Fatalf("waiter link = %v, want relaying_via", waiter.Link)
	}
	if waiter.RelayingVia != provider.ID {
		t.Fatalf("waiter relaying via %d, want %d", waiter.RelayingVia, provider.ID)
	}
	if !provider.IsRelayProvider {
		t.Fatal("provider should be marked is_relay_provider")
	}
	if _, ok := provider.RelayUsers[waiter.ID]; !ok {
		t.Fatal("waiter missing from provider's relay_users")
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestNeedRelayQueuesWhenNoProviderAvailable(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 0)
	waiter, err := s.Add(2, 0, nil, &fakeOps{})
	if err != nil {
		t.Fatalf("add waiter: %v", err)
	}
	waiter.NeedRelay()

	if waiter.Link != LinkWaitingForRelay {
		t.Fatalf("waiter link = %v, want waiting_for_relay", waiter.Link)
	}
	if _, queued := s.waiting[waiter.ID]; !queued {
		t.Fatal("waiter should be queued on the waiting list")
	}

	provider, err := s.Add(1, wire.FlagRelayServer, nil, &fakeOps{})
	if err != nil {
		t.Fatalf("add provider: %v", err)
	}
	provider.Link = LinkUp
	s.NotifyLinkUp(provider)

	if waiter.Link != LinkRelaying {
		t.Fatalf("waiter link = %v, want relaying_via after provider comes up", waiter.Link)
	}
	if _, stillQueued := s.waiting[waiter.ID]; stillQueued {
		t.Fatal("waiter should be removed from the waiting list once attached")
	}
}

func TestRemoveDetachesRelayUsersInBothDirections(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 0)
	provider, _ := s.Add(1, wire.FlagRelayServer, nil, &fakeOps{})
	provider.Link = LinkUp
	waiter, _ := s.Add(2, 0, nil, &fakeOps{})
	waiter.NeedRelay() // attaches to provider

	s.Remove(provider.ID)

	if waiter.Link != LinkWaitingForRelay {
		t.Fatalf("waiter link after provider removal = %v, want waiting_for_relay again", waiter.Link)
	}
	if waiter.RelayingVia != 0 {
		t.Fatalf("waiter still references removed provider %d", waiter.RelayingVia)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestPeerRemoveThenAddRestoresInvariants(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 2)
	a, _ := s.Add(1, 0, nil, &fakeOps{})
	a.Link = LinkUp
	s.Remove(1)
	if s.Len() != 0 {
		t.Fatalf("Len() after remove = %d, want 0", s.Len())
	}
	if _, err := s.Add(1, 0, nil, &fakeOps{}); err != nil {
		t.Fatalf("re-add after remove: %v", err)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestRemoveOnUnknownIDIsANoOp(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 0)
	s.Remove(999) // must not panic
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestPeerNeverRelaysThroughItself(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 0)
	only, _ := s.Add(1, wire.FlagRelayServer, nil, &fakeOps{})
	only.Link = LinkUp

	attached := s.tryAttach(only)
	if attached {
		t.Fatal("a peer must never be attached as its own relay")
	}
}

func TestSetAddRejectsOwnID(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 0)
	if _, err := s.Add(100, 0, nil, &fakeOps{}); err == nil {
		t.Fatal("expected newclient carrying our own id to be rejected")
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

// TestProviderLinkLossReHomesRelayUsers covers a relay provider losing
// its own link through an ordinary transport error (not endclient): its
// users must be detached and sent back to the relay ring, and the
// provider flag must drop with the link.
func TestProviderLinkLossReHomesRelayUsers(t *testing.T) {
	r := newTestReactor()
	s := NewSet(r, 100, 0)
	provider, _ := s.Add(1, wire.FlagRelayServer, nil, &fakeOps{})
	provider.Link = LinkUp
	user, _ := s.Add(2, 0, nil, &fakeOps{})
	user.NeedRelay() // attaches to provider

	provider.OnTransportError(errConnectFails)

	if provider.IsRelayProvider {
		t.Fatal("provider flag must drop with the provider's link")
	}
	if len(provider.RelayUsers) != 0 {
		t.Fatalf("provider still holds %d relay users", len(provider.RelayUsers))
	}
	if user.Link != LinkWaitingForRelay {
		t.Fatalf("user link = %v, want waiting_for_relay again", user.Link)
	}
	if user.RelayingVia != 0 {
		t.Fatalf("user still references provider %d", user.RelayingVia)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	// A second eligible provider coming up picks the stranded user back up.
	second, _ := s.Add(3, wire.FlagRelayServer, nil, &fakeOps{})
	s.NotifyLinkUp(second)

	if user.Link != LinkRelaying || user.RelayingVia != second.ID {
		t.Fatalf("user link=%v via=%d, want relaying via %d", user.Link, user.RelayingVia, second.ID)
	}
	if err := s.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}
