package node

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/vpnmesh/meshvpn/internal/config"
	"github.com/vpnmesh/meshvpn/internal/dataplane"
	"github.com/vpnmesh/meshvpn/internal/offload"
	"github.com/vpnmesh/meshvpn/internal/peer"
	"github.com/vpnmesh/meshvpn/internal/reactor"
	"github.com/vpnmesh/meshvpn/internal/transport"
	"github.com/vpnmesh/meshvpn/internal/wire"
)

const (
	linkKeepaliveInterval = 10 * time.Second
	linkRecvTimeout       = 30 * time.Second
)

// bindCandidate is one concrete local endpoint this node can attempt to
// bind, paired with the external addresses it should advertise if the
// bind succeeds.
type bindCandidate struct {
	udpAddr  *net.UDPAddr
	tcpAddr  *net.TCPAddr
	extAddrs []wire.ScopedAddr
}

// buildBindCandidates flattens the bind_addrs table into one candidate
// per (bind_addr, port-in-num_ports) pair. extIP fills in ext_addrs
// entries declared as "{server_reported}"; network is the transport
// mode, so advertised addresses decode on the slave as the right kind.
func buildBindCandidates(b config.Binding, network string, extIP net.IP) []bindCandidate {
	var out []bindCandidate
	for _, ba := range b.Addrs {
		host, basePort, err := net.SplitHostPort(ba.Addr)
		if err != nil {
			log.Warnf("node: skipping unparseable bind_addr %q: %v", ba.Addr, err)
			continue
		}
		base, err := parsePort(ba.Addr)
		if err != nil {
			log.Warnf("node: skipping bind_addr %q with bad port %q: %v", ba.Addr, basePort, err)
			continue
		}
		n := ba.NumPorts
		if network == "udp" {
			if n <= 0 {
				// A udp bind-addr with no ports contributes nothing;
				// skipped without raising an error.
				continue
			}
		} else if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			port := base + i
			udpAddr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
			tcpAddr := &net.TCPAddr{IP: net.ParseIP(host), Port: port}
			out = append(out, bindCandidate{
				udpAddr:  udpAddr,
				tcpAddr:  tcpAddr,
				extAddrs: buildExtAddrs(ba.ExtAddrs, network, port, extIP),
			})
		}
	}
	return out
}

func buildExtAddrs(decls []config.ExtAddr, network string, localPort int, extIP net.IP) []wire.ScopedAddr {
	var out []wire.ScopedAddr
	for _, e := range decls {
		ip := net.ParseIP(e.Addr)
		if e.Addr == "{server_reported}" {
			ip = extIP
		}
		if ip == nil {
			log.Warnf("node: skipping ext_addr %q: not a literal IP or {server_reported}", e.Addr)
			continue
		}
		port := e.Port
		if port == 0 {
			port = localPort
		}
		scoped, err := wire.NewScopedAddr(e.Scope, network,
			&net.TCPAddr{IP: ip, Port: port}, &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			log.Warnf("node: encode ext_addr %s:%d: %v", ip, port, err)
			continue
		}
		out = append(out, scoped)
	}
	return out
}

// datagramConfig assembles the DatagramPeerIO configuration for one peer
// link. keyMaterial is the per-link symmetric key the master generated
// and carried in YOUCONNECT's key field; ignored when encryption_mode is
// none.
func (n *Node) datagramConfig(keyMaterial []byte) (transport.DatagramConfig, error) {
	cfg := transport.DatagramConfig{
		Cipher: cipherMode(n.cfg.Transport.EncryptionMode),
		Hash:   hashMode(n.cfg.Transport.HashMode),
	}
	if cfg.Cipher != transport.CipherNone {
		keyLen := transport.CipherKeyLen(cfg.Cipher)
		if len(keyMaterial) < keyLen {
			return cfg, fmt.Errorf("node: link key material is %d bytes, need %d", len(keyMaterial), keyLen)
		}
		cfg.Key = keyMaterial[:keyLen]
		cfg.HashKey = cfg.Key
	}
	if n.cfg.Transport.OTP.Enabled {
		cfg.OTP = &transport.OTPConfig{
			Enabled: true,
			Cipher:  cipherMode(n.cfg.Transport.OTP.Cipher),
			N:       n.cfg.Transport.OTP.N,
			Warn:    n.cfg.Transport.OTP.Warn,
		}
	}
	return cfg, nil
}

// newLinkKeyMaterial generates the master's per-link key for the
// configured cipher; nil when encryption_mode is none.
func (n *Node) newLinkKeyMaterial() ([]byte, error) {
	mode := cipherMode(n.cfg.Transport.EncryptionMode)
	if mode == transport.CipherNone {
		return nil, nil
	}
	km := make([]byte, transport.CipherKeyLen(mode))
	if _, err := rand.Read(km); err != nil {
		return nil, fmt.Errorf("node: generate link key: %w", err)
	}
	return km, nil
}

func cipherMode(s string) transport.CipherMode {
	switch s {
	case "blowfish":
		return transport.CipherBlowfish
	case "aes":
		return transport.CipherAES
	default:
		return transport.CipherNone
	}
}

func hashMode(s string) transport.HashMode {
	switch s {
	case "md5":
		return transport.HashMD5
	case "sha1":
		return transport.HashSHA1
	default:
		return transport.HashNone
	}
}

// Bind implements peer.Ops: the master-side walk of the configured
// bind addresses.
func (n *Node) Bind(p *peer.Peer) (ok, exhausted bool, extAddrs []wire.ScopedAddr, key, password []byte, err error) {
	idx := p.BindingAddrIndex
	if idx >= len(n.bindCandidates) {
		return false, true, nil, nil, nil, nil
	}
	cand := n.bindCandidates[idx]

	switch n.cfg.Transport.Mode {
	case "udp":
		km, kerr := n.newLinkKeyMaterial()
		if kerr != nil {
			return false, false, nil, nil, nil, kerr
		}
		dcfg, cerr := n.datagramConfig(km)
		if cerr != nil {
			return false, false, nil, nil, nil, cerr
		}
		lc, berr := transport.BindUDPListener(cand.udpAddr)
		if berr != nil {
			return false, false, nil, nil, nil, berr
		}
		n.mu.Lock()
		n.pendingAccepts[p.ID] = lc
		n.mu.Unlock()
		offload.Submit(n.pool, func(ctx context.Context) (udpAccept, error) {
			d, first, err := transport.AcceptFromListener(ctx, n.r, lc, dcfg, n.datagramHandler(p.ID))
			return udpAccept{link: d, first: first}, err
		}, func(acc udpAccept, aerr error) {
			n.mu.Lock()
			if n.pendingAccepts[p.ID] == lc {
				delete(n.pendingAccepts, p.ID)
			}
			n.mu.Unlock()
			if aerr != nil {
				log.Warnf("node: accept udp link for peer %d: %v", p.ID, aerr)
				return
			}
			if !n.onLinkEstablished(p, acc.link) {
				return
			}
			if acc.first != nil {
				n.onLinkRecv(p.ID, acc.first)
			}
		})
		return true, false, cand.extAddrs, km, nil, nil

	case "tcp":
		pl, lerr := n.passwordListenerFor(cand.tcpAddr)
		if lerr != nil {
			return false, false, nil, nil, nil, lerr
		}
		pw, wait, cancel := pl.ReservePassword()
		n.mu.Lock()
		n.pendingReservations[p.ID] = cancel
		n.mu.Unlock()

		offload.Submit(n.pool, func(ctx context.Context) (transport.Accepted, error) {
			select {
			case acc := <-wait:
				return acc, acc.Err
			case <-ctx.Done():
				return transport.Accepted{}, ctx.Err()
			}
		}, func(acc transport.Accepted, aerr error) {
			n.mu.Lock()
			delete(n.pendingReservations, p.ID)
			n.mu.Unlock()
			if aerr != nil {
				log.Warnf("node: accept tcp link for peer %d: %v", p.ID, aerr)
				return
			}
			transport.SetSndbuf(acc.Conn, n.cfg.Transport.PeerTCPSocketSndbuf)
			s := transport.AcceptStreamPeerIO(n.r, acc.Conn)
			s.Start(n.streamHandler(p.ID))
			n.onLinkEstablished(p, s)
		})
		return true, false, cand.extAddrs, nil, pw, nil

	default:
		return false, true, nil, nil, nil, fmt.Errorf("node: unsupported transport_mode %q", n.cfg.Transport.Mode)
	}
}

// Connect implements peer.Ops: the slave-side connect attempt.
// An address whose scope is not one of this node's trusted scopes is not
// acceptable; the error makes OnYouConnect move on to the next entry.
func (n *Node) Connect(p *peer.Peer, addr wire.ScopedAddr, key, password []byte) error {
	if !n.scopeTrusted(addr.Scope) {
		return fmt.Errorf("node: addr scope %q is not among our trusted scopes", addr.Scope)
	}
	netAddr, err := addr.ToNetAddr()
	if err != nil {
		return fmt.Errorf("node: decode YOUCONNECT addr: %w", err)
	}

	switch n.cfg.Transport.Mode {
	case "udp":
		udpAddr, ok := netAddr.(*net.UDPAddr)
		if !ok {
			return fmt.Errorf("node: expected udp addr, got %T", netAddr)
		}
		dcfg, err := n.datagramConfig(key)
		if err != nil {
			return err
		}
		d, err := transport.DialDatagramPeerIO(n.r, &net.UDPAddr{}, udpAddr, dcfg, n.datagramHandler(p.ID))
		if err != nil {
			return err
		}
		// Punch the path toward the master; its bound socket learns our
		// effective address from this first datagram.
		if err := d.SendKeepalive(); err != nil {
			_ = d.Close()
			return fmt.Errorf("node: udp hole punch to %s: %w", udpAddr, err)
		}
		n.onLinkEstablished(p, d)
		return nil

	case "tcp":
		tcpAddr, ok := netAddr.(*net.TCPAddr)
		if !ok {
			return fmt.Errorf("node: expected tcp addr, got %T", netAddr)
		}
		var tlsConfig = n.peerTLSConfig()
		nc, err := transport.DialWithPassword(tcpAddr.String(), password, tlsConfig)
		if err != nil {
			return err
		}
		transport.SetSndbuf(nc, n.cfg.Transport.PeerTCPSocketSndbuf)
		s := transport.AcceptStreamPeerIO(n.r, nc)
		s.Start(n.streamHandler(p.ID))
		n.onLinkEstablished(p, s)
		return nil

	default:
		return fmt.Errorf("node: unsupported transport_mode %q", n.cfg.Transport.Mode)
	}
}

func (n *Node) scopeTrusted(scope string) bool {
	for _, s := range n.cfg.Binding.TrustedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (n *Node) peerTLSConfig() *tls.Config {
	if !n.cfg.TLS.PeerSSL {
		return nil
	}
	tc := &tls.Config{}
	if n.certs != nil {
		tc.GetClientCertificate = n.certs.GetClientCertificate
	}
	return tc
}

// SendChat implements peer.Ops: enqueue the encoded signal on the peer's
// own chat queue, which its server.Flow's Source (p.Pop) drains via the
// fair queue.
func (n *Node) SendChat(p *peer.Peer, msg wire.SignalMessage) error {
	return p.EnqueueChat(msg)
}

// ArmRetryTimer implements peer.Ops.
func (n *Node) ArmRetryTimer(p *peer.Peer) *reactor.Timer {
	const peerRetryTime = 5 * time.Second
	return n.r.NewTimerFunc(peerRetryTime, p.RetryFired)
}

// TeardownLink implements peer.Ops: release whatever link-layer resources
// are currently attached to p, including an in-flight bind accept or tcp
// password reservation that never completed.
func (n *Node) TeardownLink(p *peer.Peer) {
	n.mu.Lock()
	if cancel, ok := n.pendingReservations[p.ID]; ok {
		cancel()
		delete(n.pendingReservations, p.ID)
	}
	if lc, ok := n.pendingAccepts[p.ID]; ok {
		// Unblocks the offloaded AcceptFromListener read.
		_ = lc.Close()
		delete(n.pendingAccepts, p.ID)
	}
	link, hasLink := n.links[p.ID]
	delete(n.links, p.ID)
	sink, hasSink := n.sinks[p.ID]
	delete(n.sinks, p.ID)
	n.mu.Unlock()

	if hasSink {
		sink.Close()
	}
	if hasLink {
		if err := link.Close(); err != nil {
			log.Warnf("node: close link for peer %d: %v", p.ID, err)
		}
	}
	n.decider.ForgetPeer(p.ID)
}

// udpAccept is the completion payload of an offloaded udp bind accept:
// the promoted link plus the first datagram it arrived with.
type udpAccept struct {
	link  *transport.DatagramPeerIO
	first []byte
}

// onLinkEstablished wires a freshly connected PeerIO into the data plane
// (a Sink for its sends). The peer stays in WaitForLinkUp — the link is
// only declared up once traffic actually arrives on it (onLinkRecv) —
// but a keepalive probe is sent so the other end sees traffic promptly.
// For an OTP link it also starts the first seed exchange, since no data
// can flow until a send seed has been confirmed. Returns false if the
// link was discarded because the peer moved on while the connect or
// accept was in flight.
func (n *Node) onLinkEstablished(p *peer.Peer, link transport.PeerIO) bool {
	cur, ok := n.peers.Get(p.ID)
	if !ok || cur != p ||
		(p.Phase != peer.PhaseWaitForLinkUp && p.Phase != peer.PhaseConnecting) {
		_ = link.Close()
		return false
	}
	n.mu.Lock()
	n.links[p.ID] = link
	sink := dataplane.NewSink(n.r, p.ID, link,
		linkKeepaliveInterval, linkRecvTimeout,
		func() []byte { return nil },
		func() { p.OnTransportError(fmt.Errorf("node: no traffic from peer %d for %s", p.ID, linkRecvTimeout)) },
	)
	n.sinks[p.ID] = sink
	n.mu.Unlock()

	if d, ok := link.(*transport.DatagramPeerIO); ok && n.cfg.Transport.OTP.Enabled {
		otpCipher := cipherMode(n.cfg.Transport.OTP.Cipher)
		keyLen, ivLen := transport.CipherKeyLen(otpCipher), transport.CipherIVLen(otpCipher)
		p.EnableOTP(d, func() (key, iv []byte, err error) {
			return peer.DeriveSeedKeyIV(rand.Reader, keyLen, ivLen)
		})
		n.r.PostJob(p.OnSeedWarning)
	}

	// Ignored on an OTP link until the first seed activates; the sink's
	// keepalive timer covers that window.
	_ = link.Send(nil)
	return true
}

func (n *Node) datagramHandler(id peer.Id) transport.Handler {
	return transport.Handler{
		Recv: func(frame []byte) { n.onLinkRecv(id, frame) },
		Down: func(err error) { n.onLinkDown(id, err) },
		SeedWarning: func() {
			if p, ok := n.peers.Get(id); ok {
				p.OnSeedWarning()
			}
		},
		SeedReady: func(seedID uint16) {
			if p, ok := n.peers.Get(id); ok {
				p.OnSeedReady(seedID)
			}
		},
	}
}

func (n *Node) streamHandler(id peer.Id) transport.Handler {
	return transport.Handler{
		Recv: func(frame []byte) { n.onLinkRecv(id, frame) },
		Down: func(err error) { n.onLinkDown(id, err) },
	}
}

func (n *Node) onLinkRecv(id peer.Id, frame []byte) {
	p, ok := n.peers.Get(id)
	if !ok {
		return
	}
	sink, haveSink := n.sinkFor(id)
	if !haveSink {
		return // traffic for a link this node no longer owns
	}
	sink.NoteRecv()
	if p.Phase == peer.PhaseWaitForLinkUp {
		// First traffic on the link: this is the data-proto-up signal
		// that completes WaitForLinkUp.
		n.peers.NotifyLinkUp(p)
	}
	if len(frame) == 0 {
		return // keepalive or hole punch, nothing to deliver
	}
	if n.dpSource == nil {
		return
	}
	f, err := n.dpSource.HandleInbound(id, frame)
	if err != nil {
		log.Warnf("node: decode inbound frame from peer %d: %v", id, err)
		return
	}
	if err := n.tapDv.Send(f.Raw); err != nil {
		log.Warnf("node: write inbound frame from peer %d to tap: %v", id, err)
	}
}

func (n *Node) onLinkDown(id peer.Id, err error) {
	p, ok := n.peers.Get(id)
	if !ok {
		return
	}
	p.OnTransportError(err)
}
