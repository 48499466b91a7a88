// internal/transport/tcp.go
package transport

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/vpnmesh/meshvpn/internal/reactor"
	"github.com/vpnmesh/meshvpn/internal/wire"
)

// StreamPeerIO is the TCP peer link (transport_mode=tcp). Frames are
// packetproto-length-prefixed (same framing as the server connection);
// optional peer-to-peer TLS is layered on top when peer_ssl is set.
type StreamPeerIO struct {
	r       *reactor.Reactor
	nc      net.Conn
	h       Handler
	stopped chan struct{}
}

// DialStreamPeerIO connects to addr, optionally over TLS, and begins
// delivering framed payloads to h on r's goroutine.
func DialStreamPeerIO(r *reactor.Reactor, addr string, tlsConfig *tls.Config) (*StreamPeerIO, error) {
	var nc net.Conn
	var err error
	if tlsConfig != nil {
		nc, err = tls.Dial("tcp", addr, tlsConfig)
	} else {
		nc, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial tcp %s: %w", addr, err)
	}
	return newStreamPeerIO(r, nc), nil
}

// AcceptStreamPeerIO wraps an already-accepted connection (e.g. from the
// master side's password listener).
func AcceptStreamPeerIO(r *reactor.Reactor, nc net.Conn) *StreamPeerIO {
	return newStreamPeerIO(r, nc)
}

func newStreamPeerIO(r *reactor.Reactor, nc net.Conn) *StreamPeerIO {
	s := &StreamPeerIO{r: r, nc: nc, stopped: make(chan struct{})}
	return s
}

// Start begins the read loop, delivering frames to h. Separated from
// construction so a caller can finish a handshake (e.g. send a one-shot
// password) before frames start flowing.
func (s *StreamPeerIO) Start(h Handler) {
	s.h = h
	go s.readLoop()
}

func (s *StreamPeerIO) readLoop() {
	br := bufio.NewReader(s.nc)
	for {
		frame, err := wire.ReadPacket(br)
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
			}
			s.r.Post(func() {
				if s.h.Down != nil {
					s.h.Down(err)
				}
			})
			return
		}
		s.r.Post(func() {
			if s.h.Recv != nil {
				s.h.Recv(frame)
			}
		})
	}
}

// Send frames and writes one Ethernet frame to the stream.
func (s *StreamPeerIO) Send(frame []byte) error {
	return wire.WritePacket(s.nc, frame)
}

// SendRaw writes payload directly to the stream without packetproto
// framing.
func (s *StreamPeerIO) SendRaw(payload []byte) error {
	_, err := s.nc.Write(payload)
	return err
}

// SetSndbuf applies the peer_tcp_socket_sndbuf override to nc's
// underlying TCP socket. A no-op for n <= 0 or for connections (e.g.
// TLS-wrapped) where the raw *net.TCPConn is not reachable.
func SetSndbuf(nc net.Conn, n int) {
	if n <= 0 {
		return
	}
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetWriteBuffer(n); err != nil {
		log.Warnf("transport: set sndbuf %d: %v", n, err)
	}
}

// Close stops the read loop and closes the underlying connection.
func (s *StreamPeerIO) Close() error {
	select {
	case <-s.stopped:
		return nil
	default:
		close(s.stopped)
	}
	return s.nc.Close()
}
