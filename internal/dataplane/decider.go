package dataplane

// PeerID identifies a peer for routing purposes; matches peer.Id without
// importing the peer package (dataplane is usable standalone/in tests).
type PeerID = uint16

// Decider is the L2 forwarding table: source-MAC learning bounded by
// max_macs per peer, multicast membership bounded by max_groups per
// peer. It is not goroutine-safe; callers run it on the reactor
// goroutine like everything else in this module.
type Decider struct {
	maxMacs   int
	maxGroups int

	macToPeer map[MAC]PeerID
	peerMacs  map[PeerID][]MAC // insertion order, oldest first, for LRU eviction

	peerGroups   map[PeerID]map[MAC]struct{}
	groupOrder   map[PeerID][]MAC // join order per peer, for max_groups eviction
	groupMembers map[MAC]map[PeerID]struct{}
}

// NewDecider builds a Decider with the given per-peer table bounds.
// maxMacs/maxGroups <= 0 means unbounded.
func NewDecider(maxMacs, maxGroups int) *Decider {
	return &Decider{
		maxMacs:      maxMacs,
		maxGroups:    maxGroups,
		macToPeer:    make(map[MAC]PeerID),
		peerMacs:     make(map[PeerID][]MAC),
		peerGroups:   make(map[PeerID]map[MAC]struct{}),
		groupOrder:   make(map[PeerID][]MAC),
		groupMembers: make(map[MAC]map[PeerID]struct{}),
	}
}

// LearnSource records that src was last seen arriving from peer,
// evicting the least-recently-learned MAC for that peer once max_macs is
// exceeded, so one peer can never grow the table without bound.
func (d *Decider) LearnSource(peer PeerID, src MAC) {
	if owner, ok := d.macToPeer[src]; ok {
		if owner == peer {
			d.touch(peer, src)
			return
		}
		// The MAC moved between peers; drop the old owner's claim so its
		// eventual eviction cannot clobber the new binding.
		d.unlist(owner, src)
	}
	d.macToPeer[src] = peer
	d.peerMacs[peer] = append(d.peerMacs[peer], src)
	if d.maxMacs > 0 && len(d.peerMacs[peer]) > d.maxMacs {
		evict := d.peerMacs[peer][0]
		d.peerMacs[peer] = d.peerMacs[peer][1:]
		delete(d.macToPeer, evict)
	}
}

// unlist removes mac from a peer's LRU list without touching macToPeer.
func (d *Decider) unlist(peer PeerID, mac MAC) {
	list := d.peerMacs[peer]
	for i, m := range list {
		if m == mac {
			d.peerMacs[peer] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// touch moves an already-known mac to the most-recently-used end.
func (d *Decider) touch(peer PeerID, mac MAC) {
	list := d.peerMacs[peer]
	for i, m := range list {
		if m == mac {
			d.peerMacs[peer] = append(append(list[:i], list[i+1:]...), mac)
			return
		}
	}
}

// OwnerOf returns the peer a unicast destination MAC is currently bound
// to, if known.
func (d *Decider) OwnerOf(mac MAC) (PeerID, bool) {
	p, ok := d.macToPeer[mac]
	return p, ok
}

// ForgetPeer drops all learned MACs and group memberships for a peer,
// e.g. on peer removal.
func (d *Decider) ForgetPeer(peer PeerID) {
	for _, mac := range d.peerMacs[peer] {
		delete(d.macToPeer, mac)
	}
	delete(d.peerMacs, peer)
	for _, group := range d.groupOrder[peer] {
		if members := d.groupMembers[group]; members != nil {
			delete(members, peer)
			if len(members) == 0 {
				delete(d.groupMembers, group)
			}
		}
	}
	delete(d.peerGroups, peer)
	delete(d.groupOrder, peer)
}

// Join adds peer to a multicast group's membership, evicting the peer's
// least-recently-joined group once max_groups is exceeded.
func (d *Decider) Join(peer PeerID, group MAC) {
	if d.peerGroups[peer] == nil {
		d.peerGroups[peer] = make(map[MAC]struct{})
	}
	if _, already := d.peerGroups[peer][group]; already {
		return
	}
	d.peerGroups[peer][group] = struct{}{}
	d.groupOrder[peer] = append(d.groupOrder[peer], group)
	if d.groupMembers[group] == nil {
		d.groupMembers[group] = make(map[PeerID]struct{})
	}
	d.groupMembers[group][peer] = struct{}{}

	if d.maxGroups > 0 && len(d.groupOrder[peer]) > d.maxGroups {
		oldest := d.groupOrder[peer][0]
		d.groupOrder[peer] = d.groupOrder[peer][1:]
		d.Leave(peer, oldest)
	}
}

// Leave removes peer from a multicast group's membership.
func (d *Decider) Leave(peer PeerID, group MAC) {
	delete(d.peerGroups[peer], group)
	if members := d.groupMembers[group]; members != nil {
		delete(members, peer)
		if len(members) == 0 {
			delete(d.groupMembers, group)
		}
	}
	order := d.groupOrder[peer]
	for i, g := range order {
		if g == group {
			d.groupOrder[peer] = append(order[:i], order[i+1:]...)
			break
		}
	}
}

// ApplyIGMP updates membership state from a decoded IGMP report seen
// arriving from peer.
func (d *Decider) ApplyIGMP(peer PeerID, r *IGMPReport) {
	if r == nil {
		return
	}
	if r.Join {
		d.Join(peer, r.Group)
	} else {
		d.Leave(peer, r.Group)
	}
}

// DestinationIter yields the peers that should receive a given frame,
// one per Next call. For unicast with an unknown destination MAC,
// Destinations fills it with every peer (flooding per L2 semantics).
type DestinationIter struct {
	peers []PeerID
	idx   int
}

// Next returns the next destination peer, or ok=false once exhausted.
func (it *DestinationIter) Next() (peer PeerID, ok bool) {
	if it == nil || it.idx >= len(it.peers) {
		return 0, false
	}
	p := it.peers[it.idx]
	it.idx++
	return p, true
}

// Destinations builds the destination iterator for f. allPeers is
// consulted for broadcast and for unknown-unicast flooding, matching L2
// switch semantics.
func (d *Decider) Destinations(f *Frame, allPeers []PeerID) *DestinationIter {
	switch f.Kind {
	case KindUnicast:
		if owner, ok := d.macToPeer[f.DstMAC]; ok {
			return &DestinationIter{peers: []PeerID{owner}}
		}
		return &DestinationIter{peers: append([]PeerID(nil), allPeers...)}
	case KindBroadcast:
		return &DestinationIter{peers: append([]PeerID(nil), allPeers...)}
	case KindMulticast:
		members := d.groupMembers[f.DstMAC]
		peers := make([]PeerID, 0, len(members))
		for p := range members {
			peers = append(peers, p)
		}
		return &DestinationIter{peers: peers}
	default:
		return &DestinationIter{}
	}
}
