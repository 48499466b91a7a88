// Package transport implements the two peer link primitives:
// DatagramPeerIO (UDP) and StreamPeerIO (TCP). Both
// expose the same small handler surface — up, down, recv(frame),
// seed_warning, seed_ready — and are otherwise opaque to the peer state
// machine that owns them.
package transport

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("transport")

// Handler is the upward event surface a PeerIO raises on its owning
// reactor goroutine.
type Handler struct {
	Up          func()
	Down        func(err error)
	Recv        func(frame []byte)
	SeedWarning func()
	SeedReady   func(seedID uint16)
}

// PeerIO is the common shape of DatagramPeerIO and StreamPeerIO: send a
// frame, tear the link down. Everything else (seed arming, OTP) is
// UDP-only and lives on *DatagramPeerIO directly rather than this
// interface.
type PeerIO interface {
	Send(frame []byte) error
	Close() error
}

// CipherMode selects the UDP payload cipher (encryption_mode).
type CipherMode int

const (
	CipherNone CipherMode = iota
	CipherBlowfish
	CipherAES
)

func (m CipherMode) String() string {
	switch m {
	case CipherNone:
		return "none"
	case CipherBlowfish:
		return "blowfish"
	case CipherAES:
		return "aes"
	default:
		return "unknown"
	}
}

// HashMode selects the UDP integrity mode (hash_mode).
type HashMode int

const (
	HashNone HashMode = iota
	HashMD5
	HashSHA1
)

func (m HashMode) String() string {
	switch m {
	case HashNone:
		return "none"
	case HashMD5:
		return "md5"
	case HashSHA1:
		return "sha1"
	default:
		return "unknown"
	}
}

// ErrOutOfBuffer names a saturated socket send buffer. Neither
// DatagramPeerIO nor StreamPeerIO returns it: their Send methods pass
// the socket's own write error through.
var ErrOutOfBuffer = fmt.Errorf("transport: send buffer full")
