// internal/transport/udp_listener.go
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/vpnmesh/meshvpn/internal/reactor"
)

// AcceptDatagramPeerIO implements the master-side half of UDP address
// binding: a master binds a local port
// exclusively for one peer and then waits — it never learns the slave's
// effective address except by the first datagram that arrives there,
// since the slave is the one dialling out toward the address the master
// advertised in YOUCONNECT.
//
// This function blocks on the socket read and must never be called from
// the reactor goroutine directly — callers drive it through
// internal/offload.Submit and deliver the result via Reactor.Post, the
// same thread-work completion path every blocking operation uses. Once a
// first datagram arrives, its source address becomes the peer's
// effective remote address for the rest of the link's life; the first
// frame is redelivered through h.Recv so no frame sent to punch the hole
// is ever lost.
func AcceptDatagramPeerIO(ctx context.Context, r *reactor.Reactor, localAddr *net.UDPAddr, cfg DatagramConfig, h Handler) (*DatagramPeerIO, error) {
	lc, err := BindUDPListener(localAddr)
	if err != nil {
		return nil, err
	}
	d, first, err := AcceptFromListener(ctx, r, lc, cfg, h)
	if err != nil {
		return nil, err
	}
	if first != nil && h.Recv != nil {
		frame := first
		r.Post(func() { h.Recv(frame) })
	}
	return d, nil
}

// BindUDPListener claims localAddr exclusively for one peer's binding
// attempt. This is the non-blocking half of the
// master's bind step — a plain bind() syscall — and may be called
// directly on the reactor goroutine; only the wait for the peer's first
// datagram (AcceptFromListener) needs to run off-reactor.
func BindUDPListener(localAddr *net.UDPAddr) (*net.UDPConn, error) {
	lc, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", localAddr, err)
	}
	return lc, nil
}

// AcceptFromListener blocks on lc until the slave's first hole-punch
// datagram arrives, learning its source address, then promotes lc into a
// connected DatagramPeerIO. The decoded first frame is returned (empty
// but non-nil for a bare hole punch) rather than delivered, so the
// caller can finish wiring the link before handing it to h.Recv. It must
// be driven through internal/offload.Submit, never called directly from
// the reactor goroutine.
func AcceptFromListener(ctx context.Context, r *reactor.Reactor, lc *net.UDPConn, cfg DatagramConfig, h Handler) (*DatagramPeerIO, []byte, error) {
	localAddr := lc.LocalAddr().(*net.UDPAddr)
	if deadline, ok := ctx.Deadline(); ok {
		_ = lc.SetReadDeadline(deadline)
	}

	buf := make([]byte, 65536)
	n, remote, err := lc.ReadFromUDP(buf)
	closeErr := lc.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("transport: accept udp on %s: %w", localAddr, err)
	}
	if closeErr != nil {
		log.Warnf("transport: close accept-listener on %s: %v", localAddr, closeErr)
	}

	d, err := DialDatagramPeerIO(r, localAddr, remote, cfg, h)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		// Bare hole punch; counts as traffic but has no payload.
		return d, []byte{}, nil
	}
	frame, decErr := d.decode(buf[:n])
	if decErr != nil {
		log.Warnf("transport: dropping malformed first datagram from %s: %v", remote, decErr)
		return d, nil, nil
	}
	return d, frame, nil
}
