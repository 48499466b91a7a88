// Package peer implements the per-peer state machine that ties chat,
// link, relaying, retry timer, binding, and OTP seeds together — the
// keystone of the client. Peers live in an arena addressed by PeerId
// rather than holding raw pointers into each other; relay relationships
// are an optional PeerId plus a relay_users set, not an intrusive list,
// so no ownership cycles exist.
package peer

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vpnmesh/meshvpn/internal/reactor"
	"github.com/vpnmesh/meshvpn/internal/server"
	"github.com/vpnmesh/meshvpn/internal/wire"
)

var log = logging.Logger("peer")

// Id is the server-assigned per-peer identifier.
type Id = uint16

// LinkState is a peer's link membership; at most one of have_link,
// relaying_via, waiting_for_relay holds at any time.
type LinkState int

const (
	LinkNone LinkState = iota
	LinkUp
	LinkRelaying
	LinkWaitingForRelay
)

func (s LinkState) String() string {
	switch s {
	case LinkNone:
		return "none"
	case LinkUp:
		return "have_link"
	case LinkRelaying:
		return "relaying_via"
	case LinkWaitingForRelay:
		return "waiting_for_relay"
	default:
		return "unknown"
	}
}

// Phase is the master/slave protocol phase.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseBinding
	PhaseLinkBound
	PhaseWaitForLinkUp
	PhaseUp
	PhaseReset
	// Slave-only phases.
	PhaseIdle
	PhaseConnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseBinding:
		return "binding"
	case PhaseLinkBound:
		return "link_bound"
	case PhaseWaitForLinkUp:
		return "wait_for_link_up"
	case PhaseUp:
		return "up"
	case PhaseReset:
		return "reset"
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	default:
		return "unknown"
	}
}

// Ops is the set of side effects a Peer performs on its environment. It
// is the sealed-module boundary between the protocol state machine and
// the real transport/reactor/server plumbing, making the state machine
// itself independently testable with a fake.
type Ops interface {
	// Bind attempts the next bind-addr starting at p.BindingAddrIndex.
	// ok=false with err=nil means "this addr failed, try the next";
	// addrExhausted=true means no more addrs at all. key and password
	// are optional material the slave needs to
	// complete the connection (the per-link encryption key for udp, the transport's
	// one-shot password for tcp) and are carried verbatim in YOUCONNECT.
	Bind(p *Peer) (ok bool, addrExhausted bool, extAddrs []wire.ScopedAddr, key []byte, password []byte, err error)
	// Connect attempts a slave-side connect to addr, using whatever key
	// or password the master's YOUCONNECT carried alongside it.
	Connect(p *Peer, addr wire.ScopedAddr, key, password []byte) error
	// SendChat enqueues msg on the peer's chat channel.
	SendChat(p *Peer, msg wire.SignalMessage) error
	// ArmRetryTimer arms the master-side retry timer for PEER_RETRY_TIME,
	// returning the handle so the peer can cancel it if it is removed
	// before the timer fires.
	ArmRetryTimer(p *Peer) *reactor.Timer
	// TeardownLink releases whatever link/transport resources are
	// currently attached to p (idempotent).
	TeardownLink(p *Peer)
}

// Peer is one remote client as seen by this node.
type Peer struct {
	ID         Id
	Flags      wire.PeerFlag
	Cert       []byte
	CommonName string
	IsMaster   bool

	Link            LinkState
	RelayingVia     Id
	IsRelayProvider bool
	RelayUsers      map[Id]struct{}

	BindingAddrIndex int
	Phase            Phase

	// linkPending is set while a bind accept or connect is outstanding
	// (WaitForLinkUp), so cleanup knows there are link resources to
	// release even though Link is still none.
	linkPending bool

	retryTimer *reactor.Timer

	Flow *server.Flow

	chatSendQueue [][]byte
	preInitRecv   [][]byte

	resetpeerPending bool

	otp *otpOrchestration

	onNeedRelay func(*Peer)
	lookupPeer  func(Id) (*Peer, bool)

	ops Ops
	r   *reactor.Reactor
}

// lookup resolves another peer by id through the owning arena; a peer
// constructed outside a Set resolves nothing.
func (p *Peer) lookup(id Id) (*Peer, bool) {
	if p.lookupPeer == nil {
		return nil, false
	}
	return p.lookupPeer(id)
}

// New constructs a Peer for a freshly announced server newclient(id,
// flags, cert). selfID is this node's own id; isMaster follows the
// self_id > other_id rule.
func New(r *reactor.Reactor, ops Ops, selfID, id Id, flags wire.PeerFlag, cert []byte) *Peer {
	return &Peer{
		ID:         id,
		Flags:      flags,
		Cert:       cert,
		IsMaster:   selfID > id,
		Phase:      PhaseInit,
		RelayUsers: make(map[Id]struct{}),
		ops:        ops,
		r:          r,
	}
}

// Init runs the peer's init job. The caller posts this as a reactor job
// rather than calling it inline, so init always precedes any message
// delivered to this peer.
func (p *Peer) Init() {
	if p.IsMaster {
		p.Phase = PhaseBinding
		p.BindingAddrIndex = 0
		p.stepBinding()
	} else {
		p.Phase = PhaseIdle
	}
	// Messages that raced in ahead of the init job were held back; they
	// are delivered now, in arrival order.
	held := p.preInitRecv
	p.preInitRecv = nil
	for _, raw := range held {
		p.Deliver(raw)
	}
}

// EnableOTP attaches OTP seed orchestration to this peer's link. dp is
// the transport-level seed API (matching *transport.DatagramPeerIO's
// Arm/Confirm/AddRecvSeed methods).
func (p *Peer) EnableOTP(dp otpTransport, cipher func() (key, iv []byte, err error)) {
	p.otp = &otpOrchestration{peer: p, transport: dp, newKeyIV: cipher}
}

// CleanupConnections tears down any link/relay/waiting-relay state. It
// is idempotent and a precondition to entering any of those states
// freshly. A peer that was providing relay stops providing it first, and
// every peer that was relaying through it is sent back to the relay ring
// to be re-homed — losing the provider's link must never strand its
// users on a dead sink.
func (p *Peer) CleanupConnections() {
	wasProvider := p.IsRelayProvider
	p.IsRelayProvider = false

	switch {
	case p.Link == LinkRelaying:
		if via, ok := p.lookup(p.RelayingVia); ok {
			p.DetachRelay(via)
		}
		p.Link = LinkNone
		p.RelayingVia = 0
	case p.Link != LinkNone || p.linkPending:
		p.linkPending = false
		p.ops.TeardownLink(p)
		p.Link = LinkNone
		p.RelayingVia = 0
	}

	// Re-home users only after this peer's own link state is down, so
	// the relay ring cannot hand them straight back to it.
	if wasProvider {
		for id := range p.RelayUsers {
			delete(p.RelayUsers, id)
			u, ok := p.lookup(id)
			if !ok {
				continue
			}
			u.Link = LinkNone
			u.RelayingVia = 0
			u.NeedRelay()
		}
	}
}

// Reset is peer_reset(): cleanup, then (master) arm the retry timer or
// (slave) emit YOURETRY.
func (p *Peer) Reset() {
	p.CleanupConnections()
	if p.IsMaster {
		p.Phase = PhaseReset
		if p.retryTimer == nil || !p.retryTimer.Active() {
			p.retryTimer = p.ops.ArmRetryTimer(p)
		}
		return
	}
	p.Phase = PhaseIdle
	if err := p.ops.SendChat(p, wire.YouRetry{}); err != nil {
		log.Warnf("peer %d: send YOURETRY: %v", p.ID, err)
	}
}

// RetryFired is the master-side retry timer callback: restart binding
// from the first address.
func (p *Peer) RetryFired() {
	if !p.IsMaster {
		return
	}
	p.retryTimer = nil
	p.Phase = PhaseBinding
	p.BindingAddrIndex = 0
	p.stepBinding()
}

// cancelRetry disarms any pending retry timer; called when the peer
// leaves the arena so the timer can never fire on a removed peer.
func (p *Peer) cancelRetry() {
	if p.retryTimer != nil {
		p.retryTimer.Remove()
		p.retryTimer = nil
	}
}

// ResetPeer is peer_resetpeer(): chat has failed catastrophically. Tear
// down chat/link and replace the server-flow input with a one-shot
// RESETPEER(id) control packet. Guarded so at most one resetpeer
// is in flight per peer.
func (p *Peer) ResetPeer() {
	if p.resetpeerPending {
		return
	}
	p.resetpeerPending = true
	p.CleanupConnections()
	p.chatSendQueue = nil
	if p.Flow != nil {
		p.Flow.SwapSource(&resetPeerSource{id: p.ID})
		p.Flow.Kick()
	}
}

// ChatSendFailed is the "out-of-buffer on chat send" failure path:
// treated identically to a chat protocol failure.
func (p *Peer) ChatSendFailed() {
	p.ResetPeer()
}

// OnTransportError is the link-layer failure path: whatever phase the
// link was in, it resets.
func (p *Peer) OnTransportError(err error) {
	log.Infof("peer %d: transport error: %v", p.ID, err)
	p.Reset()
}

// OnDataProtoUp marks the link live: the transport has carried its first
// traffic, completing the WaitForLinkUp phase.
func (p *Peer) OnDataProtoUp() {
	p.linkPending = false
	p.Link = LinkUp
	p.Phase = PhaseUp
}

// OnDataProtoDown is drop-only; the link stays nominally up until an
// explicit transport error arrives.
func (p *Peer) OnDataProtoDown() {
	log.Debugf("peer %d: data proto reported down, awaiting transport error", p.ID)
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer{id=%d master=%v phase=%s link=%s}", p.ID, p.IsMaster, p.Phase, p.Link)
}
