// internal/transport/otp.go
package transport

import (
	"fmt"
	"sync"
)

// seedMaterial is one OTP seed: a symmetric key/iv pair identified by a
// sequence number, the same triple SEED carries on the wire. The iv is
// retained as exchanged, but encryption salts every datagram with its
// own per-packet IV; only the key is load-bearing.
type seedMaterial struct {
	ID  uint16
	Key []byte
	IV  []byte
}

// OTPConfig carries the invoker-visible OTP knobs.
type OTPConfig struct {
	Enabled bool
	Cipher  CipherMode // blowfish or aes
	N       uint32     // slots per seed before seed_warning
	Warn    uint32     // warning threshold (n - warn sends triggers the warning)
}

// otpState implements the send/receive seed rotation state machine from
// "OTP subprotocol". It is independent of the underlying socket so it
// can be driven and tested without a real UDP connection.
// mu guards every field: send-side methods run on the reactor goroutine
// while recvSeed is consulted from the socket read loop.
type otpState struct {
	mu  sync.Mutex
	cfg OTPConfig

	sendNextID    uint16
	sendActive    *seedMaterial
	sendPending   *seedMaterial // sent, awaiting CONFIRMSEED
	sendsSinceArm uint32

	recvSeeds         map[uint16]*seedMaterial
	pendingRecvSeedID *uint16
}

func newOTPState(cfg OTPConfig) *otpState {
	return &otpState{cfg: cfg, recvSeeds: make(map[uint16]*seedMaterial)}
}

// recordSend accounts for one outgoing frame and reports whether the
// seed-warning threshold has been reached. The check is level-triggered:
// every send at or past the threshold reports true while no seed is
// sent-but-unconfirmed, and none does while one is, so at most one seed
// rotation is ever in flight.
func (s *otpState) recordSend() (warn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendsSinceArm++
	if s.sendPending != nil {
		return false
	}
	threshold := uint32(0)
	if s.cfg.N > s.cfg.Warn {
		threshold = s.cfg.N - s.cfg.Warn
	}
	return s.sendsSinceArm >= threshold
}

// armSendSeed generates and arms a fresh pending send seed, returning the
// SEED(id,key,iv) material to transmit to the peer.
func (s *otpState) armSendSeed(key, iv []byte) seedMaterial {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := seedMaterial{ID: s.sendNextID, Key: append([]byte(nil), key...), IV: append([]byte(nil), iv...)}
	s.sendNextID++
	s.sendPending = &m
	return m
}

// confirmSendSeed activates the pending send seed if id matches; a
// mismatched id is ignored (stale confirmation for a seed we already
// rotated past).
func (s *otpState) confirmSendSeed(id uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendPending == nil || s.sendPending.ID != id {
		return false
	}
	s.sendActive = s.sendPending
	s.sendPending = nil
	s.sendsSinceArm = 0
	return true
}

// addRecvSeed validates and stores an incoming SEED. Duplicate SEEDs for
// the same id overwrite rather than being rejected: a retransmitted SEED
// after a lossy link is the common case and dropping it would stall
// rotation.
func (s *otpState) addRecvSeed(id uint16, key, iv []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wantKeyLen := blockSize(s.cfg.Cipher)
	if wantKeyLen == 0 {
		return fmt.Errorf("transport: otp recv seed: unsupported cipher %v", s.cfg.Cipher)
	}
	if len(iv) < wantKeyLen {
		return fmt.Errorf("transport: otp recv seed %d: iv too short for %v", id, s.cfg.Cipher)
	}
	if len(key) == 0 {
		return fmt.Errorf("transport: otp recv seed %d: empty key", id)
	}
	s.recvSeeds[id] = &seedMaterial{ID: id, Key: append([]byte(nil), key...), IV: append([]byte(nil), iv...)}
	s.pendingRecvSeedID = &id
	return nil
}

// takeReadySeedID clears and returns the id of the most recently added
// recv seed, if any is pending a seed_ready notification.
func (s *otpState) takeReadySeedID() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingRecvSeedID == nil {
		return 0, false
	}
	id := *s.pendingRecvSeedID
	s.pendingRecvSeedID = nil
	return id, true
}

// activeSendSeed returns a copy of the currently active send seed.
func (s *otpState) activeSendSeed() (seedMaterial, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendActive == nil {
		return seedMaterial{}, false
	}
	return *s.sendActive, true
}

func (s *otpState) recvSeed(id uint16) (*seedMaterial, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.recvSeeds[id]
	return m, ok
}
