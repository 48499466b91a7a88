// Package node wires the sealed modules — reactor, wire, server,
// transport, tap, peer, dataplane, offload, certwatch, diag — into one
// running client: thin glue with no protocol logic of its own,
// implementing peer.Ops against real sockets.
package node

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vpnmesh/meshvpn/internal/certwatch"
	"github.com/vpnmesh/meshvpn/internal/config"
	"github.com/vpnmesh/meshvpn/internal/dataplane"
	"github.com/vpnmesh/meshvpn/internal/offload"
	"github.com/vpnmesh/meshvpn/internal/peer"
	"github.com/vpnmesh/meshvpn/internal/reactor"
	"github.com/vpnmesh/meshvpn/internal/server"
	"github.com/vpnmesh/meshvpn/internal/tap"
	"github.com/vpnmesh/meshvpn/internal/transport"
	"github.com/vpnmesh/meshvpn/internal/wire"
)

var log = logging.Logger("node")

// Node owns every live component for one running client and implements
// peer.Ops against them.
type Node struct {
	r     *reactor.Reactor
	cfg   config.Config
	certs *certwatch.Watcher
	tapDv tap.Device
	pool  *offload.Pool

	conn  *server.Conn
	queue *server.Queue
	peers *peer.Set

	decider  *dataplane.Decider
	dpSource *dataplane.Source

	selfID peer.Id
	extIP  net.IP

	mu    sync.Mutex
	sinks map[peer.Id]*dataplane.Sink
	links map[peer.Id]transport.PeerIO

	bindCandidates      []bindCandidate
	tcpListeners        map[string]*transport.PasswordListener
	pendingReservations map[peer.Id]func()
	pendingAccepts      map[peer.Id]*net.UDPConn

	// OnFatal is invoked (on the reactor goroutine) if the server
	// connection drops. cmd/meshvpnd leaves it unset; when nil, the
	// reactor quits with exit code 1.
	OnFatal func(error)
}

// New builds a Node around an already-constructed reactor and tap device.
// Nothing talks to the network yet; call Start to dial the signalling
// server.
func New(r *reactor.Reactor, cfg config.Config, certs *certwatch.Watcher, tapDv tap.Device, pool *offload.Pool) *Node {
	return &Node{
		r:                   r,
		cfg:                 cfg,
		certs:               certs,
		tapDv:               tapDv,
		pool:                pool,
		sinks:               make(map[peer.Id]*dataplane.Sink),
		links:               make(map[peer.Id]transport.PeerIO),
		tcpListeners:        make(map[string]*transport.PasswordListener),
		pendingReservations: make(map[peer.Id]func()),
		pendingAccepts:      make(map[peer.Id]*net.UDPConn),
	}
}

// Start dials the signalling server and begins the tap device's read
// loop. The reactor must still be driven by the caller via r.Run(ctx).
func (n *Node) Start(ctx context.Context) error {
	tlsConfig := n.serverTLSConfig()
	conn, err := server.Dial(ctx, n.r, n.cfg.Server.Addr, tlsConfig, server.Handler{
		OnReady:      n.onReady,
		OnNewClient:  n.onNewClient,
		OnEndClient:  n.onEndClient,
		OnMessage:    n.onMessage,
		OnDisconnect: n.onDisconnect,
	})
	if err != nil {
		return fmt.Errorf("node: connect to signalling server: %w", err)
	}
	n.conn = conn
	n.pumpTap(ctx)
	return nil
}

// Close tears down every owned resource. Idempotent enough for a single
// shutdown call from cmd/meshvpnd.
func (n *Node) Close() {
	if n.conn != nil {
		_ = n.conn.Close()
	}
	n.mu.Lock()
	for _, ln := range n.tcpListeners {
		_ = ln.Close()
	}
	n.mu.Unlock()
}

// Peers returns the live peer arena; nil until the server's ready event
// has arrived. Only safe to read on the reactor goroutine.
func (n *Node) Peers() *peer.Set { return n.peers }

// Queue returns the server fair queue; nil until ready. Only safe to
// read on the reactor goroutine.
func (n *Node) Queue() *server.Queue { return n.queue }

// RunOnReactor executes fn on the reactor goroutine and waits for it,
// for read-only introspection (internal/diag) of reactor-owned state.
func (n *Node) RunOnReactor(fn func()) {
	done := make(chan struct{})
	n.r.Post(func() {
		fn()
		close(done)
	})
	<-done
}

func (n *Node) serverTLSConfig() *tls.Config {
	if !n.cfg.TLS.Enabled {
		return nil
	}
	tc := &tls.Config{}
	if n.certs != nil {
		tc.GetClientCertificate = n.certs.GetClientCertificate
	}
	return tc
}

// pumpTap reads the next frame off the tap device on the offload pool
// (tap.Device.Recv blocks) and re-arms itself from the reactor goroutine
// once each read completes, so the tap device is never touched off of a
// single worker at a time.
func (n *Node) pumpTap(ctx context.Context) {
	offload.Submit(n.pool, func(ctx context.Context) ([]byte, error) {
		return n.tapDv.Recv(ctx)
	}, func(frame []byte, err error) {
		if err != nil {
			log.Warnf("node: tap read: %v", err)
			return
		}
		if n.dpSource != nil {
			if err := n.dpSource.HandleOutbound(frame); err != nil {
				log.Warnf("node: handle outbound tap frame: %v", err)
			}
		}
		n.pumpTap(ctx)
	})
}

// onReady is the one-time server handshake completion: it learns
// this node's assigned PeerId and externally-observed IP, and only then
// can the peer arena, fair queue, and frame decider be constructed, since
// all three are keyed off facts READY provides.
func (n *Node) onReady(m wire.Ready) {
	n.selfID = m.SelfID
	n.extIP = m.ExternalIP
	n.queue = server.NewQueue(n.r, n.conn.WriteFrame)
	n.peers = peer.NewSet(n.r, n.selfID, n.cfg.DataPlane.MaxPeers)
	n.decider = dataplane.NewDecider(n.cfg.DataPlane.MaxMacs, n.cfg.DataPlane.MaxGroups)
	n.dpSource = dataplane.NewSource(n.decider, n.allPeerIDs, n.flowFor)
	n.bindCandidates = buildBindCandidates(n.cfg.Binding, n.cfg.Transport.Mode, n.extIP)
	log.Infof("node: ready, self_id=%d ext_ip=%s", n.selfID, n.extIP)
}

// onNewClient admits a peer announced by the server. Past max_peers,
// Set.Add refuses the peer and the refusal is logged, never answered
// with RESETPEER.
func (n *Node) onNewClient(m wire.NewClient) {
	if n.peers == nil {
		log.Warnf("node: NEWCLIENT(%d) before READY, ignoring", m.ID)
		return
	}
	if n.cfg.TLS.Enabled && !n.cfg.TLS.AllowPeerTalkWithoutSSL && m.Flags&wire.FlagSSLRequired == 0 {
		log.Warnf("node: refusing peer %d: it declines TLS and allow_peer_talk_without_ssl is off", m.ID)
		return
	}
	p, err := n.peers.Add(m.ID, m.Flags, m.Cert, n)
	if err != nil {
		log.Warnf("node: %v", err)
		return
	}
	flow, err := n.queue.NewFlow(m.ID, p)
	if err != nil {
		log.Warnf("node: register fair-queue flow for peer %d: %v", m.ID, err)
		return
	}
	p.Flow = flow
	// Init must run as a pending job, strictly before any signalling
	// message already queued behind it is delivered.
	n.r.PostJob(func() { p.Init() })
}

func (n *Node) onEndClient(m wire.EndClient) {
	if n.peers == nil {
		return
	}
	// Set.Remove runs peer_cleanup_connections, which lands back in
	// TeardownLink for any link resources this node still holds.
	n.peers.Remove(m.ID)
}

func (n *Node) onMessage(m wire.Message) {
	if n.peers == nil {
		return
	}
	p, ok := n.peers.Get(m.PeerID)
	if !ok {
		log.Warnf("node: message for unknown peer %d", m.PeerID)
		return
	}
	p.Deliver(m.Payload)
}

func (n *Node) onDisconnect(err error) {
	log.Warnf("node: signalling server connection lost: %v", err)
	if n.OnFatal != nil {
		n.OnFatal(err)
		return
	}
	n.r.Quit(1)
}

func (n *Node) allPeerIDs() []dataplane.PeerID {
	var out []dataplane.PeerID
	n.peers.ForEach(func(p *peer.Peer) { out = append(out, p.ID) })
	return out
}

// flowFor synthesizes the DataProtoFlow view of any known peer. The flow
// itself is stateless — whether a frame is deliverable (own link, relay
// provider's link, or nowhere) is decided per frame by sinkFor, so a
// peer that just attached to a relay routes without any re-wiring here.
func (n *Node) flowFor(dest dataplane.PeerID) (*dataplane.Flow, bool) {
	if n.peers == nil {
		return nil, false
	}
	if _, ok := n.peers.Get(dest); !ok {
		return nil, false
	}
	return &dataplane.Flow{Dest: dest, SinkFor: n.sinkFor}, true
}

func (n *Node) sinkFor(dest peer.Id) (*dataplane.Sink, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers.Get(dest)
	if !ok {
		return nil, false
	}
	target := dest
	if p.Link == peer.LinkRelaying {
		target = p.RelayingVia
	}
	s, ok := n.sinks[target]
	return s, ok
}

func bindKey(addr *net.TCPAddr) string { return addr.String() }

// passwordListenerFor returns the shared PasswordListener for local,
// creating one on first use. One listener demultiplexes every peer
// bound to that address by password.
func (n *Node) passwordListenerFor(local *net.TCPAddr) (*transport.PasswordListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := bindKey(local)
	if ln, ok := n.tcpListeners[key]; ok {
		return ln, nil
	}
	var tlsConfig *tls.Config
	if n.cfg.TLS.PeerSSL {
		tlsConfig = &tls.Config{}
		if n.certs != nil {
			tlsConfig.GetClientCertificate = n.certs.GetClientCertificate
		}
	}
	ln, err := transport.ListenPassword(local.String(), tlsConfig)
	if err != nil {
		return nil, err
	}
	n.tcpListeners[key] = ln
	return ln, nil
}

func parsePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
