package peer

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/vpnmesh/meshvpn/internal/wire"
)

// otpTransport is the subset of *transport.DatagramPeerIO this package
// drives directly; kept narrow so the orchestration logic below can be
// exercised against a fake.
type otpTransport interface {
	ArmSendSeed(key, iv []byte) (id uint16, err error)
	ConfirmSendSeed(id uint16) bool
	AddRecvSeed(id uint16, key, iv []byte) error
}

// otpOrchestration wires the peer-level protocol reaction to the
// transport's low-level seed_warning/seed_ready events: generate fresh key material, hand it to the transport,
// and exchange SEED/CONFIRMSEED with the peer over chat.
type otpOrchestration struct {
	peer      *Peer
	transport otpTransport
	newKeyIV  func() (key, iv []byte, err error)
}

// DeriveSeedKeyIV derives a fresh (key, iv) pair of the requested lengths
// from random material read off rnd, via HKDF-SHA256 (OTP
// subprotocol: each rotated seed needs independent key/iv material). The
// "otp-seed" info string domain-separates this derivation from any other
// HKDF use in the process.
func DeriveSeedKeyIV(rnd io.Reader, keyLen, ivLen int) (key, iv []byte, err error) {
	secret := make([]byte, keyLen+ivLen)
	if _, err := io.ReadFull(rnd, secret); err != nil {
		return nil, nil, fmt.Errorf("peer: read otp seed entropy: %w", err)
	}
	h := hkdf.New(sha256.New, secret, nil, []byte("otp-seed"))
	out := make([]byte, keyLen+ivLen)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, nil, fmt.Errorf("peer: derive otp seed material: %w", err)
	}
	return out[:keyLen], out[keyLen:], nil
}

// OnSeedWarning reacts to the transport's seed_warning: generate a fresh
// seed, arm it as pending on the send side, and transmit it to the peer
// as SEED(id,key,iv).
func (p *Peer) OnSeedWarning() {
	if p.otp == nil {
		return
	}
	o := p.otp
	key, iv, err := o.newKeyIV()
	if err != nil {
		log.Warnf("peer %d: generate otp seed: %v", p.ID, err)
		return
	}
	id, err := o.transport.ArmSendSeed(key, iv)
	if err != nil {
		log.Warnf("peer %d: arm send seed: %v", p.ID, err)
		return
	}
	if err := p.ops.SendChat(p, wire.Seed{SeedID: id, Key: key, IV: iv}); err != nil {
		log.Warnf("peer %d: send SEED: %v", p.ID, err)
	}
}

// OnSeed handles an incoming SEED from the peer: validate and hand it to
// the transport as a recv seed. The acknowledgement is not sent here —
// the transport raises seed_ready(id) once the seed is provisioned, and
// OnSeedReady answers that event with CONFIRMSEED.
func (p *Peer) OnSeed(m wire.Seed) {
	if p.otp == nil {
		log.Warnf("peer %d: received SEED but otp is not enabled", p.ID)
		return
	}
	if err := p.otp.transport.AddRecvSeed(m.SeedID, m.Key, m.IV); err != nil {
		log.Warnf("peer %d: add recv seed %d: %v", p.ID, m.SeedID, err)
		return
	}
}

// OnSeedReady reacts to the transport's seed_ready(id): the recv seed is
// provisioned, so tell the peer it may activate the matching send seed.
func (p *Peer) OnSeedReady(id uint16) {
	if p.otp == nil {
		return
	}
	if err := p.ops.SendChat(p, wire.ConfirmSeed{SeedID: id}); err != nil {
		log.Warnf("peer %d: send CONFIRMSEED: %v", p.ID, err)
	}
}

// OnConfirmSeed handles the peer's acknowledgement of a SEED we sent:
// activate the matching pending send seed. A mismatched id (stale
// confirmation for a seed already rotated past) is ignored.
func (p *Peer) OnConfirmSeed(m wire.ConfirmSeed) {
	if p.otp == nil {
		return
	}
	if !p.otp.transport.ConfirmSendSeed(m.SeedID) {
		log.Debugf("peer %d: ignoring stale CONFIRMSEED(%d)", p.ID, m.SeedID)
	}
}
