package peer

import (
	"fmt"

	"github.com/vpnmesh/meshvpn/internal/reactor"
	"github.com/vpnmesh/meshvpn/internal/wire"
)

// Set is the peer arena: every live Peer is
// owned by exactly one Set, addressed by Id rather than by pointer from
// sub-objects, and torn down through Remove so relay relationships never
// dangle.
type Set struct {
	r        *reactor.Reactor
	selfID   Id
	maxPeers int

	peers   map[Id]*Peer
	waiting map[Id]struct{} // peers_awaiting_relay
}

// NewSet builds an empty peer arena. maxPeers <= 0 means unbounded.
func NewSet(r *reactor.Reactor, selfID Id, maxPeers int) *Set {
	return &Set{
		r:        r,
		selfID:   selfID,
		maxPeers: maxPeers,
		peers:    make(map[Id]*Peer),
		waiting:  make(map[Id]struct{}),
	}
}

// Len reports the current peer count (invariant "num_peers <= max_peers").
func (s *Set) Len() int { return len(s.peers) }

// Add registers a new peer for a server newclient(id, flags, cert) event.
// A request past max_peers is refused and must be ignored by the caller,
// not torn down.
func (s *Set) Add(id Id, flags wire.PeerFlag, cert []byte, ops Ops) (*Peer, error) {
	if id == s.selfID {
		return nil, fmt.Errorf("peer: server announced our own id %d", id)
	}
	if _, exists := s.peers[id]; exists {
		return nil, fmt.Errorf("peer: duplicate peer id %d", id)
	}
	if s.maxPeers > 0 && len(s.peers) >= s.maxPeers {
		return nil, fmt.Errorf("peer: max_peers (%d) reached, ignoring id %d", s.maxPeers, id)
	}
	p := New(s.r, ops, s.selfID, id, flags, cert)
	p.onNeedRelay = s.handleNeedRelay
	p.lookupPeer = s.Get
	s.peers[id] = p
	return p, nil
}

// Get looks up a peer by id.
func (s *Set) Get(id Id) (*Peer, bool) {
	p, ok := s.peers[id]
	return p, ok
}

// ForEach iterates all live peers in an unspecified order.
func (s *Set) ForEach(fn func(*Peer)) {
	for _, p := range s.peers {
		fn(p)
	}
}

// Remove is the server endclient(id) reaction: cleanup followed by full
// removal from the arena. CleanupConnections detaches relay
// relationships in both directions — users relaying through p are
// re-homed, and a provider p was relaying through forgets it — so no
// dangling PeerId survives the removal.
func (s *Set) Remove(id Id) {
	p, ok := s.peers[id]
	if !ok {
		return
	}
	p.CleanupConnections()
	p.cancelRetry()
	if p.Flow != nil {
		p.Flow.Close()
		p.Flow = nil
	}
	delete(s.waiting, id)
	delete(s.peers, id)
}

// handleNeedRelay is installed as every peer's onNeedRelay hook: try to
// attach an eligible relay provider immediately, otherwise queue the
// peer on the waiting list for the next NotifyLinkUp.
func (s *Set) handleNeedRelay(p *Peer) {
	if s.tryAttach(p) {
		delete(s.waiting, p.ID)
		return
	}
	s.waiting[p.ID] = struct{}{}
}

// tryAttach scans for any peer able to provide relay and attaches p to
// the first one found. A peer never relays through itself.
func (s *Set) tryAttach(p *Peer) bool {
	for _, provider := range s.peers {
		if provider.ID == p.ID {
			continue
		}
		if provider.CanProvideRelay() {
			p.AttachRelay(provider)
			return true
		}
	}
	return false
}

// NotifyLinkUp re-evaluates the waiting list after some peer's link
// comes up, since it may now be eligible to provide relay for others.
func (s *Set) NotifyLinkUp(p *Peer) {
	p.OnDataProtoUp()
	if !p.CanProvideRelay() || len(s.waiting) == 0 {
		return
	}
	for id := range s.waiting {
		waiter, ok := s.peers[id]
		if !ok || waiter.Link != LinkWaitingForRelay {
			delete(s.waiting, id)
			continue
		}
		if s.tryAttach(waiter) {
			delete(s.waiting, id)
		}
	}
}

// CheckInvariants re-validates the quantified invariants across the
// whole arena; intended for use from tests.
func (s *Set) CheckInvariants() error {
	if s.maxPeers > 0 && len(s.peers) > s.maxPeers {
		return fmt.Errorf("peer: num_peers %d exceeds max_peers %d", len(s.peers), s.maxPeers)
	}
	for id, p := range s.peers {
		if p.ID != id {
			return fmt.Errorf("peer: arena key %d does not match peer.ID %d", id, p.ID)
		}
		exclusive := 0
		if p.Link == LinkUp {
			exclusive++
		}
		if p.Link == LinkRelaying {
			exclusive++
		}
		if p.Link == LinkWaitingForRelay {
			exclusive++
		}
		if exclusive > 1 {
			return fmt.Errorf("peer %d: more than one link-state bit set", id)
		}
		if p.IsRelayProvider && p.Link != LinkUp {
			return fmt.Errorf("peer %d: is_relay_provider without have_link", id)
		}
		if p.Link == LinkRelaying {
			via, ok := s.peers[p.RelayingVia]
			if !ok {
				return fmt.Errorf("peer %d: relaying_via unknown peer %d", id, p.RelayingVia)
			}
			if !via.IsRelayProvider {
				return fmt.Errorf("peer %d: relaying_via %d which is not a relay provider", id, p.RelayingVia)
			}
			if _, ok := via.RelayUsers[id]; !ok {
				return fmt.Errorf("peer %d: missing from relay provider %d's relay_users", id, p.RelayingVia)
			}
		}
	}
	return nil
}
