// internal/transport/tcp_listener.go
package transport

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/vpnmesh/meshvpn/internal/util"
)

const passwordLen = 16

// PasswordListener is the master-side TCP bind. A single
// net.Listener is shared across every peer bound to one TCP bind-addr;
// ReservePassword hands back a fresh one-shot token plus a channel that
// fires once a connection presenting that exact token arrives, so the
// listener can demultiplex many pending peers on one socket without
// ever trusting a connection's source address.
type PasswordListener struct {
	ln        net.Listener
	tlsConfig *tls.Config

	mu      sync.Mutex
	pending map[string]chan Accepted
}

// Accepted is the result of a matched password reservation.
type Accepted struct {
	Conn net.Conn
	Err  error
}

// ListenPassword opens addr (optionally TLS-wrapped) and begins accepting
// connections, matching each to a pending reservation by its leading
// one-shot password.
func ListenPassword(addr string, tlsConfig *tls.Config) (*PasswordListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	pl := &PasswordListener{
		ln:        ln,
		tlsConfig: tlsConfig,
		pending:   make(map[string]chan Accepted),
	}
	go pl.acceptLoop()
	return pl, nil
}

// Addr reports the listener's bound address.
func (pl *PasswordListener) Addr() net.Addr { return pl.ln.Addr() }

// ReservePassword generates a fresh one-shot password and returns a
// channel that receives exactly one Accepted once a connection presents
// it. cancel removes the reservation, after which nothing is sent on the
// channel; it is safe to call even after a match has already been
// delivered.
func (pl *PasswordListener) ReservePassword() (password []byte, wait <-chan Accepted, cancel func()) {
	pw := make([]byte, passwordLen)
	if _, err := rand.Read(pw); err != nil {
		// crypto/rand.Read on a sane OS never fails; if it somehow does,
		// an all-zero password still reserves a (insecure but unique
		// enough for this process) slot rather than panicking the node.
		log.Warnf("transport: read random password material: %v", err)
	}
	key := string(pw)
	ch := make(chan Accepted, 1)

	pl.mu.Lock()
	pl.pending[key] = ch
	pl.mu.Unlock()

	cancel = func() {
		pl.mu.Lock()
		delete(pl.pending, key)
		pl.mu.Unlock()
	}
	return pw, ch, cancel
}

func (pl *PasswordListener) acceptLoop() {
	for {
		nc, err := pl.ln.Accept()
		if err != nil {
			return
		}
		go pl.handleConn(nc)
	}
}

func (pl *PasswordListener) handleConn(nc net.Conn) {
	if pl.tlsConfig != nil {
		nc = tls.Server(nc, pl.tlsConfig)
	}
	pw := make([]byte, passwordLen)
	if _, err := io.ReadFull(nc, pw); err != nil {
		log.Warnf("transport: password handshake read: %v", err)
		nc.Close()
		return
	}

	pl.mu.Lock()
	ch, ok := pl.pending[string(pw)]
	if ok {
		delete(pl.pending, string(pw))
	}
	pl.mu.Unlock()

	if !ok {
		log.Warnf("transport: tcp connection from %s presented an unknown or expired password", nc.RemoteAddr())
		nc.Close()
		return
	}
	ch <- Accepted{Conn: nc}
}

// Close stops accepting new connections.
func (pl *PasswordListener) Close() error {
	return pl.ln.Close()
}

// DialWithPassword connects to addr (optionally TLS-wrapped) and writes
// password as the very first bytes on the stream, matching the slave-side
// half of "one-shot password" TCP handshake, before any
// packetproto framing begins.
func DialWithPassword(addr string, password []byte, tlsConfig *tls.Config) (net.Conn, error) {
	var nc net.Conn
	var err error
	if tlsConfig != nil {
		dialer := &net.Dialer{Timeout: util.DefaultHandshakeTimeout}
		nc, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		nc, err = net.DialTimeout("tcp", addr, util.DefaultConnectTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	if _, err := nc.Write(password); err != nil {
		nc.Close()
		return nil, fmt.Errorf("transport: send password to %s: %w", addr, err)
	}
	return nc, nil
}
