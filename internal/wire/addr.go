// internal/wire/addr.go
package wire

import (
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ScopedAddr is one addr{name, sockaddr} entry carried in YOUCONNECT.
// Scope is the realm tag ("internet", "lan", ...); Multiaddr
// carries the actual endpoint in multiaddr's typed, self-describing
// encoding rather than a bare net.Addr, so a malformed or truncated entry
// fails to parse instead of silently decoding into a bogus address.
type ScopedAddr struct {
	Scope     string
	Multiaddr ma.Multiaddr
}

// NewScopedAddr builds a ScopedAddr for a TCP or UDP endpoint tagged with
// scope.
func NewScopedAddr(scope string, network string, addr *net.TCPAddr, udpAddr *net.UDPAddr) (ScopedAddr, error) {
	var m ma.Multiaddr
	var err error
	switch network {
	case "tcp":
		m, err = manet.FromNetAddr(addr)
	case "udp":
		m, err = manet.FromNetAddr(udpAddr)
	default:
		return ScopedAddr{}, fmt.Errorf("wire: unknown address network %q", network)
	}
	if err != nil {
		return ScopedAddr{}, fmt.Errorf("wire: encode scoped addr: %w", err)
	}
	return ScopedAddr{Scope: scope, Multiaddr: m}, nil
}

// ToNetAddr decodes the underlying net.Addr back out of the multiaddr.
func (a ScopedAddr) ToNetAddr() (net.Addr, error) {
	return manet.ToNetAddr(a.Multiaddr)
}

func encodeScopedAddr(buf []byte, a ScopedAddr) ([]byte, error) {
	if len(a.Scope) > 255 {
		return nil, fmt.Errorf("wire: scope name too long")
	}
	buf = append(buf, byte(len(a.Scope)))
	buf = append(buf, a.Scope...)
	mb := a.Multiaddr.Bytes()
	buf = appendU16(buf, uint16(len(mb)))
	buf = append(buf, mb...)
	return buf, nil
}

func decodeScopedAddr(buf []byte) (ScopedAddr, int, error) {
	if len(buf) < 1 {
		return ScopedAddr{}, 0, fmt.Errorf("wire: truncated scoped addr scope length")
	}
	nameLen := int(buf[0])
	off := 1
	if len(buf) < off+nameLen {
		return ScopedAddr{}, 0, fmt.Errorf("wire: truncated scoped addr scope name")
	}
	scope := string(buf[off : off+nameLen])
	off += nameLen
	if len(buf) < off+2 {
		return ScopedAddr{}, 0, fmt.Errorf("wire: truncated scoped addr maddr length")
	}
	maLen := int(u16(buf[off : off+2]))
	off += 2
	if len(buf) < off+maLen {
		return ScopedAddr{}, 0, fmt.Errorf("wire: truncated scoped addr maddr bytes")
	}
	m, err := ma.NewMultiaddrBytes(buf[off : off+maLen])
	if err != nil {
		return ScopedAddr{}, 0, fmt.Errorf("wire: invalid multiaddr: %w", err)
	}
	off += maLen
	return ScopedAddr{Scope: scope, Multiaddr: m}, off, nil
}
