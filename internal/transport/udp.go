// internal/transport/udp.go
package transport

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/vpnmesh/meshvpn/internal/reactor"
)

// DatagramPeerIO is the UDP peer link (transport_mode=udp). It owns one
// connected UDP socket per peer, applies the configured cipher/hash, and
// — when OTP is enabled — rotates the payload key via the seed
// subprotocol.
type DatagramPeerIO struct {
	r    *reactor.Reactor
	conn *net.UDPConn
	h    Handler

	staticCipher CipherMode
	staticKey    []byte
	hashMode     HashMode
	hashKey      []byte

	otp *otpState

	stopped chan struct{}
}

// DatagramConfig bundles the static (non-OTP) cipher/hash configuration
// for a DatagramPeerIO. Each datagram carries its own random IV, so only
// the key is shared per link.
type DatagramConfig struct {
	Cipher  CipherMode
	Key     []byte
	Hash    HashMode
	HashKey []byte
	OTP     *OTPConfig // nil disables OTP
}

// DialDatagramPeerIO opens a connected UDP socket to remoteAddr and begins
// delivering received frames to h on r's goroutine.
func DialDatagramPeerIO(r *reactor.Reactor, localAddr, remoteAddr *net.UDPAddr, cfg DatagramConfig, h Handler) (*DatagramPeerIO, error) {
	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial udp %s: %w", remoteAddr, err)
	}
	d := &DatagramPeerIO{
		r:            r,
		conn:         conn,
		h:            h,
		staticCipher: cfg.Cipher,
		staticKey:    cfg.Key,
		hashMode:     cfg.Hash,
		hashKey:      cfg.HashKey,
		stopped:      make(chan struct{}),
	}
	if cfg.OTP != nil && cfg.OTP.Enabled {
		d.otp = newOTPState(*cfg.OTP)
	}
	go d.readLoop()
	return d, nil
}

func (d *DatagramPeerIO) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			select {
			case <-d.stopped:
				return
			default:
			}
			d.r.Post(func() {
				if d.h.Down != nil {
					d.h.Down(err)
				}
			})
			return
		}
		if n == 0 {
			// Empty datagram: a keepalive or the slave's hole punch. It
			// carries no payload to decode but still counts as received
			// traffic for the link.
			d.r.Post(func() {
				if d.h.Recv != nil {
					d.h.Recv(nil)
				}
			})
			continue
		}
		raw := append([]byte(nil), buf[:n]...)
		frame, err := d.decode(raw)
		if err != nil {
			log.Warnf("transport: dropping malformed datagram: %v", err)
			continue
		}
		d.r.Post(func() {
			if d.h.Recv != nil {
				d.h.Recv(frame)
			}
		})
	}
}

func (d *DatagramPeerIO) decode(raw []byte) ([]byte, error) {
	var mode CipherMode
	var key []byte
	if d.otp != nil {
		if len(raw) < 2 {
			return nil, fmt.Errorf("transport: otp datagram missing seed id")
		}
		seedID := binary.LittleEndian.Uint16(raw[:2])
		raw = raw[2:]
		seed, ok := d.otp.recvSeed(seedID)
		if !ok {
			return nil, fmt.Errorf("transport: unknown recv seed id %d", seedID)
		}
		mode, key = d.otp.cfg.Cipher, seed.Key
	} else {
		mode, key = d.staticCipher, d.staticKey
	}
	var macSize int
	hasher, err := newHasher(d.hashMode, d.hashKey)
	if err != nil {
		return nil, err
	}
	if hasher != nil {
		macSize = hasher.Size()
	}
	return openDatagram(raw, mode, key, hasher, macSize)
}

// Send encrypts and transmits one Ethernet frame.
func (d *DatagramPeerIO) Send(frame []byte) error {
	var mode CipherMode
	var key []byte
	var seedID uint16
	if d.otp != nil {
		seed, ok := d.otp.activeSendSeed()
		if !ok {
			return fmt.Errorf("transport: otp send seed not yet active")
		}
		mode, key, seedID = d.otp.cfg.Cipher, seed.Key, seed.ID
	} else {
		mode, key = d.staticCipher, d.staticKey
	}
	hasher, err := newHasher(d.hashMode, d.hashKey)
	if err != nil {
		return err
	}
	sealed, err := sealDatagram(frame, mode, key, hasher)
	if err != nil {
		return err
	}
	if d.otp != nil {
		prefixed := make([]byte, 2+len(sealed))
		binary.LittleEndian.PutUint16(prefixed, seedID)
		copy(prefixed[2:], sealed)
		sealed = prefixed
	}
	if _, err := d.conn.Write(sealed); err != nil {
		return err
	}
	if d.otp != nil && d.otp.recordSend() && d.h.SeedWarning != nil {
		d.h.SeedWarning()
	}
	return nil
}

// SendKeepalive transmits an empty datagram. It bypasses the cipher
// entirely, so it also serves as the slave's hole punch before any OTP
// seed is active.
func (d *DatagramPeerIO) SendKeepalive() error {
	_, err := d.conn.Write([]byte{})
	return err
}

// ArmSendSeed generates and arms a fresh pending send seed, returning
// the id to transmit alongside the key/iv as SEED(id,key,iv).
func (d *DatagramPeerIO) ArmSendSeed(key, iv []byte) (id uint16, err error) {
	if d.otp == nil {
		return 0, fmt.Errorf("transport: otp not enabled")
	}
	m := d.otp.armSendSeed(key, iv)
	return m.ID, nil
}

// ConfirmSendSeed activates the pending send seed on receipt of a
// matching CONFIRMSEED. Returns false if id does not match the current
// pending seed (stale confirmation, ignored).
func (d *DatagramPeerIO) ConfirmSendSeed(id uint16) bool {
	if d.otp == nil {
		return false
	}
	return d.otp.confirmSendSeed(id)
}

// AddRecvSeed validates and installs an incoming SEED, then notifies the
// handler once it is ready to decode with.
func (d *DatagramPeerIO) AddRecvSeed(id uint16, key, iv []byte) error {
	if d.otp == nil {
		return fmt.Errorf("transport: otp not enabled")
	}
	if err := d.otp.addRecvSeed(id, key, iv); err != nil {
		return err
	}
	readyID, ok := d.otp.takeReadySeedID()
	if ok && d.h.SeedReady != nil {
		d.h.SeedReady(readyID)
	}
	return nil
}

// Close stops the read loop and closes the underlying socket.
func (d *DatagramPeerIO) Close() error {
	select {
	case <-d.stopped:
		return nil
	default:
		close(d.stopped)
	}
	return d.conn.Close()
}
