package peer

import "github.com/vpnmesh/meshvpn/internal/wire"

// stepBinding drives the master-side address-binding walk: try
// bind_addrs[BindingAddrIndex]; on success send YOUCONNECT
// with the resulting external addresses and move to LinkBound; on a
// transient bind failure advance to the next address; once every address
// is exhausted, send CANNOTBIND and fall back to needing a relay.
func (p *Peer) stepBinding() {
	for {
		ok, exhausted, extAddrs, key, password, err := p.ops.Bind(p)
		if err != nil {
			log.Warnf("peer %d: bind index %d: %v", p.ID, p.BindingAddrIndex, err)
		}
		if exhausted {
			p.onBindAddrsExhausted()
			return
		}
		if !ok {
			p.BindingAddrIndex++
			continue
		}
		p.Phase = PhaseLinkBound
		if err := p.ops.SendChat(p, wire.YouConnect{Addrs: extAddrs, Key: key, Password: password}); err != nil {
			log.Warnf("peer %d: send YOUCONNECT: %v", p.ID, err)
		}
		p.Phase = PhaseWaitForLinkUp
		p.linkPending = true
		return
	}
}

// onBindAddrsExhausted is CANNOTBIND's trigger: the master could not bind
// any configured address, so it tells the slave and asks the relay ring
// for help.
func (p *Peer) onBindAddrsExhausted() {
	if err := p.ops.SendChat(p, wire.CannotBind{}); err != nil {
		log.Warnf("peer %d: send CANNOTBIND: %v", p.ID, err)
	}
	p.NeedRelay()
}

// OnCannotConnect handles the slave's CANNOTCONNECT: none of the
// advertised addresses were acceptable from that side, so the master
// abandons the pending bind and advances to its next bind-addr. No
// reset, no retry timer.
func (p *Peer) OnCannotConnect(wire.CannotConnect) {
	if !p.IsMaster || p.Phase != PhaseWaitForLinkUp {
		return
	}
	p.CleanupConnections()
	p.BindingAddrIndex++
	p.Phase = PhaseBinding
	p.stepBinding()
}

// OnYouConnect is the slave-side reaction to a master's YOUCONNECT: try
// each offered address via Connect until one succeeds, or report
// CANNOTCONNECT if none work.
func (p *Peer) OnYouConnect(m wire.YouConnect) {
	if p.IsMaster {
		return
	}
	p.Phase = PhaseConnecting
	for _, addr := range m.Addrs {
		if err := p.ops.Connect(p, addr, m.Key, m.Password); err == nil {
			p.Phase = PhaseWaitForLinkUp
			p.linkPending = true
			return
		}
	}
	p.Phase = PhaseIdle
	if err := p.ops.SendChat(p, wire.CannotConnect{}); err != nil {
		log.Warnf("peer %d: send CANNOTCONNECT: %v", p.ID, err)
	}
}

// OnYouRetry is the master-side reaction to a slave's YOURETRY:
// the slave gave up, so the master resets and re-binds.
func (p *Peer) OnYouRetry(wire.YouRetry) {
	if !p.IsMaster {
		return
	}
	p.Reset()
}

// OnCannotBind is the slave-side reaction to a master's CANNOTBIND: the
// master has no addresses left; the slave falls back to waiting for a
// relay to attach this peer instead.
func (p *Peer) OnCannotBind(wire.CannotBind) {
	if p.IsMaster {
		return
	}
	p.NeedRelay()
}
