package peer

import "github.com/vpnmesh/meshvpn/internal/wire"

// NeedRelay marks this peer as waiting for a relay attachment and asks
// whatever owns the relay ring (normally a *Set) to try to satisfy it
// immediately.
func (p *Peer) NeedRelay() {
	p.CleanupConnections()
	p.Link = LinkWaitingForRelay
	if p.onNeedRelay != nil {
		p.onNeedRelay(p)
	}
}

// AttachRelay marks this peer as relaying through via, registering it in
// via's RelayUsers and promoting via to provider in the same step so the
// relationship is always recorded on both sides.
func (p *Peer) AttachRelay(via *Peer) {
	p.Link = LinkRelaying
	p.RelayingVia = via.ID
	via.IsRelayProvider = true
	via.RelayUsers[p.ID] = struct{}{}
}

// DetachRelay undoes AttachRelay, e.g. when the providing peer itself
// goes down or this peer's direct link comes up instead.
func (p *Peer) DetachRelay(via *Peer) {
	if p.Link == LinkRelaying && p.RelayingVia == via.ID {
		p.Link = LinkNone
		p.RelayingVia = 0
	}
	delete(via.RelayUsers, p.ID)
	if len(via.RelayUsers) == 0 {
		via.IsRelayProvider = false
	}
}

// CanProvideRelay reports whether this peer is eligible to act as a
// relay provider for others: it must itself have a direct, non-relayed
// link and advertise the relay_server flag.
func (p *Peer) CanProvideRelay() bool {
	return p.Link == LinkUp && p.Flags&wire.FlagRelayServer != 0
}
