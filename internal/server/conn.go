// internal/server/conn.go
// Package server implements the client side of the signalling server
// connection: a single TLS stream carrying packetproto-framed
// sc_header events, plus the per-peer fair-queue of outbound traffic that
// shares that stream.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	logging "github.com/ipfs/go-log/v2"

	"github.com/vpnmesh/meshvpn/internal/reactor"
	"github.com/vpnmesh/meshvpn/internal/util"
	"github.com/vpnmesh/meshvpn/internal/wire"
)

var log = logging.Logger("server")

// Handler receives the server's events, always on the reactor goroutine.
type Handler struct {
	OnReady      func(wire.Ready)
	OnNewClient  func(wire.NewClient)
	OnEndClient  func(wire.EndClient)
	OnMessage    func(wire.Message)
	OnDisconnect func(error)
}

// Conn is a connected, authenticated server stream. All exported methods
// except Dial must only be called from the owning reactor's goroutine; the
// read side runs on a private goroutine that only ever posts onto the
// reactor via Reactor.Post.
type Conn struct {
	r       *reactor.Reactor
	nc      net.Conn
	h       Handler
	closeCh chan struct{}
}

// Dial opens a connection to the signalling server at addr and begins
// reading frames, delivering them to h on the reactor goroutine. A nil
// tlsConfig dials plain TCP (ssl disabled in the configuration).
func Dial(ctx context.Context, r *reactor.Reactor, addr string, tlsConfig *tls.Config, h Handler) (*Conn, error) {
	dialer := &net.Dialer{Timeout: util.DefaultConnectTimeout}
	var nc net.Conn
	var err error
	if tlsConfig != nil {
		nc, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", addr, err)
	}
	c := &Conn{r: r, nc: nc, h: h, closeCh: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

// Close tears down the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	select {
	case <-c.closeCh:
		return nil
	default:
		close(c.closeCh)
	}
	return c.nc.Close()
}

// WriteFrame writes an already-packetproto-unwrapped sc_header frame
// payload (the output of a wire.*.Encode() call) to the server stream.
func (c *Conn) WriteFrame(payload []byte) error {
	return wire.WritePacket(c.nc, payload)
}

// WriteMessage is a convenience wrapper for the common ScMessage case: it
// frames payload as a message to a specific peer and writes it with
// WriteFrame.
func (c *Conn) WriteMessage(peerID uint16, payload []byte) error {
	return c.WriteFrame(wire.Message{PeerID: peerID, Payload: payload}.Encode())
}

// WriteResetPeer sends the one-shot client->server RESETPEER(id) control
// packet (peer_resetpeer).
func (c *Conn) WriteResetPeer(id uint16) error {
	return c.WriteFrame(wire.ResetPeer{ID: id}.Encode())
}

func (c *Conn) readLoop() {
	br := bufio.NewReader(c.nc)
	for {
		raw, err := wire.ReadPacket(br)
		if err != nil {
			c.r.Post(func() {
				if c.h.OnDisconnect != nil {
					c.h.OnDisconnect(err)
				}
			})
			return
		}
		frame, err := wire.DecodeFrame(raw)
		if err != nil {
			log.Warnf("server: dropping malformed frame: %v", err)
			continue
		}
		c.dispatch(frame)
	}
}

// dispatch decodes one sc_header frame and posts the matching handler call
// onto the reactor. A frame that fails to decode is logged and dropped
// — it never tears down the
// connection.
func (c *Conn) dispatch(f wire.Frame) {
	switch f.Kind {
	case wire.ScReady:
		m, err := wire.DecodeReady(f.Payload)
		if err != nil {
			log.Warnf("server: malformed READY: %v", err)
			return
		}
		c.r.Post(func() {
			if c.h.OnReady != nil {
				c.h.OnReady(m)
			}
		})
	case wire.ScNewClient:
		m, err := wire.DecodeNewClient(f.Payload)
		if err != nil {
			log.Warnf("server: malformed NEWCLIENT: %v", err)
			return
		}
		c.r.Post(func() {
			if c.h.OnNewClient != nil {
				c.h.OnNewClient(m)
			}
		})
	case wire.ScEndClient:
		m, err := wire.DecodeEndClient(f.Payload)
		if err != nil {
			log.Warnf("server: malformed ENDCLIENT: %v", err)
			return
		}
		c.r.Post(func() {
			if c.h.OnEndClient != nil {
				c.h.OnEndClient(m)
			}
		})
	case wire.ScMessage:
		m, err := wire.DecodeMessage(f.Payload)
		if err != nil {
			log.Warnf("server: malformed MESSAGE: %v", err)
			return
		}
		c.r.Post(func() {
			if c.h.OnMessage != nil {
				c.h.OnMessage(m)
			}
		})
	default:
		log.Warnf("server: unknown sc_header kind %d", f.Kind)
	}
}
