// internal/wire/message.go
package wire

import (
	"encoding/binary"
	"fmt"
)

// MsgType is the msg_header.type field, a u16 in little-endian order.
type MsgType uint16

const (
	MsgYouConnect    MsgType = 1
	MsgCannotConnect MsgType = 2
	MsgCannotBind    MsgType = 3
	MsgYouRetry      MsgType = 4
	MsgSeed          MsgType = 5
	MsgConfirmSeed   MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case MsgYouConnect:
		return "YOUCONNECT"
	case MsgCannotConnect:
		return "CANNOTCONNECT"
	case MsgCannotBind:
		return "CANNOTBIND"
	case MsgYouRetry:
		return "YOURETRY"
	case MsgSeed:
		return "SEED"
	case MsgConfirmSeed:
		return "CONFIRMSEED"
	default:
		return fmt.Sprintf("MsgType(%d)", uint16(t))
	}
}

// SignalMessage is any inter-peer signalling message (table).
// EncodeSignal wraps the concrete payload with the msg_header.
type SignalMessage interface {
	MsgType() MsgType
	encodePayload() []byte
}

// EncodeSignal produces the full msg_header{type}+payload byte string that
// travels inside a ScMessage's inner Payload.
func EncodeSignal(m SignalMessage) []byte {
	body := m.encodePayload()
	buf := make([]byte, 2, 2+len(body))
	binary.LittleEndian.PutUint16(buf, uint16(m.MsgType()))
	return append(buf, body...)
}

// DecodeSignal parses a msg_header+payload byte string into the matching
// concrete type. An unrecognised type or malformed payload is a parse
// error the caller should log and drop — never reset the peer over it.
func DecodeSignal(raw []byte) (SignalMessage, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("wire: signal message too short for msg_header")
	}
	t := MsgType(binary.LittleEndian.Uint16(raw[0:2]))
	payload := raw[2:]
	switch t {
	case MsgYouConnect:
		return decodeYouConnect(payload)
	case MsgCannotConnect:
		if len(payload) != 0 {
			return nil, fmt.Errorf("wire: CANNOTCONNECT must have empty payload")
		}
		return CannotConnect{}, nil
	case MsgCannotBind:
		if len(payload) != 0 {
			return nil, fmt.Errorf("wire: CANNOTBIND must have empty payload")
		}
		return CannotBind{}, nil
	case MsgYouRetry:
		if len(payload) != 0 {
			return nil, fmt.Errorf("wire: YOURETRY must have empty payload")
		}
		return YouRetry{}, nil
	case MsgSeed:
		return decodeSeed(payload)
	case MsgConfirmSeed:
		return decodeConfirmSeed(payload)
	default:
		return nil, fmt.Errorf("wire: unknown msg_header type %d", uint16(t))
	}
}

// YouConnect is sent master -> slave once an address is bound.
type YouConnect struct {
	Addrs    []ScopedAddr
	Key      []byte // optional, UDP+enc
	Password []byte // optional, TCP
}

func (YouConnect) MsgType() MsgType { return MsgYouConnect }

func (m YouConnect) encodePayload() []byte {
	buf := appendU16(nil, uint16(len(m.Addrs)))
	for _, a := range m.Addrs {
		var err error
		buf, err = encodeScopedAddr(buf, a)
		if err != nil {
			// Construction-time invariant: callers only ever build
			// ScopedAddr via NewScopedAddr/decodeScopedAddr, both of
			// which already validated the multiaddr and scope length.
			panic(err)
		}
	}
	if m.Key != nil {
		buf = append(buf, 1)
		buf = appendU16(buf, uint16(len(m.Key)))
		buf = append(buf, m.Key...)
	} else {
		buf = append(buf, 0)
	}
	if m.Password != nil {
		buf = append(buf, 1)
		buf = appendU16(buf, uint16(len(m.Password)))
		buf = append(buf, m.Password...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeYouConnect(payload []byte) (YouConnect, error) {
	if len(payload) < 2 {
		return YouConnect{}, fmt.Errorf("wire: YOUCONNECT missing addr count")
	}
	count := int(u16(payload[0:2]))
	off := 2
	addrs := make([]ScopedAddr, 0, count)
	for i := 0; i < count; i++ {
		if off > len(payload) {
			return YouConnect{}, fmt.Errorf("wire: YOUCONNECT addr %d overruns payload", i)
		}
		a, n, err := decodeScopedAddr(payload[off:])
		if err != nil {
			return YouConnect{}, fmt.Errorf("wire: YOUCONNECT addr %d: %w", i, err)
		}
		addrs = append(addrs, a)
		off += n
	}
	if off >= len(payload) {
		return YouConnect{}, fmt.Errorf("wire: YOUCONNECT missing key presence flag")
	}
	hasKey := payload[off]
	off++
	var key []byte
	if hasKey == 1 {
		if off+2 > len(payload) {
			return YouConnect{}, fmt.Errorf("wire: YOUCONNECT truncated key length")
		}
		kLen := int(u16(payload[off : off+2]))
		off += 2
		if off+kLen > len(payload) {
			return YouConnect{}, fmt.Errorf("wire: YOUCONNECT truncated key bytes")
		}
		key = append([]byte(nil), payload[off:off+kLen]...)
		off += kLen
	} else if hasKey != 0 {
		return YouConnect{}, fmt.Errorf("wire: YOUCONNECT invalid key presence flag %d", hasKey)
	}
	if off >= len(payload) {
		return YouConnect{}, fmt.Errorf("wire: YOUCONNECT missing password presence flag")
	}
	hasPw := payload[off]
	off++
	var pw []byte
	if hasPw == 1 {
		if off+2 > len(payload) {
			return YouConnect{}, fmt.Errorf("wire: YOUCONNECT truncated password length")
		}
		pLen := int(u16(payload[off : off+2]))
		off += 2
		if off+pLen > len(payload) {
			return YouConnect{}, fmt.Errorf("wire: YOUCONNECT truncated password bytes")
		}
		pw = append([]byte(nil), payload[off:off+pLen]...)
		off += pLen
	} else if hasPw != 0 {
		return YouConnect{}, fmt.Errorf("wire: YOUCONNECT invalid password presence flag %d", hasPw)
	}
	if off != len(payload) {
		return YouConnect{}, fmt.Errorf("wire: YOUCONNECT has trailing garbage")
	}
	return YouConnect{Addrs: addrs, Key: key, Password: pw}, nil
}

// CannotConnect is sent slave -> master: no acceptable address.
type CannotConnect struct{}

func (CannotConnect) MsgType() MsgType      { return MsgCannotConnect }
func (CannotConnect) encodePayload() []byte { return nil }

// CannotBind is sent master -> slave: bind_addrs exhausted.
type CannotBind struct{}

func (CannotBind) MsgType() MsgType      { return MsgCannotBind }
func (CannotBind) encodePayload() []byte { return nil }

// YouRetry is sent slave -> master: asks the master to reset.
type YouRetry struct{}

func (YouRetry) MsgType() MsgType      { return MsgYouRetry }
func (YouRetry) encodePayload() []byte { return nil }

// Seed carries a freshly generated OTP seed (OTP subprotocol).
type Seed struct {
	SeedID uint16
	Key    []byte
	IV     []byte
}

func (Seed) MsgType() MsgType { return MsgSeed }

func (m Seed) encodePayload() []byte {
	buf := appendU16(nil, m.SeedID)
	buf = appendU16(buf, uint16(len(m.Key)))
	buf = append(buf, m.Key...)
	buf = appendU16(buf, uint16(len(m.IV)))
	buf = append(buf, m.IV...)
	return buf
}

func decodeSeed(payload []byte) (Seed, error) {
	if len(payload) < 4 {
		return Seed{}, fmt.Errorf("wire: SEED too short")
	}
	seedID := u16(payload[0:2])
	keyLen := int(u16(payload[2:4]))
	off := 4
	if off+keyLen > len(payload) {
		return Seed{}, fmt.Errorf("wire: SEED truncated key")
	}
	key := append([]byte(nil), payload[off:off+keyLen]...)
	off += keyLen
	if off+2 > len(payload) {
		return Seed{}, fmt.Errorf("wire: SEED missing iv length")
	}
	ivLen := int(u16(payload[off : off+2]))
	off += 2
	if off+ivLen > len(payload) {
		return Seed{}, fmt.Errorf("wire: SEED truncated iv")
	}
	iv := append([]byte(nil), payload[off:off+ivLen]...)
	off += ivLen
	if off != len(payload) {
		return Seed{}, fmt.Errorf("wire: SEED has trailing garbage")
	}
	return Seed{SeedID: seedID, Key: key, IV: iv}, nil
}

// ConfirmSeed acknowledges activation of a previously-sent SEED.
type ConfirmSeed struct {
	SeedID uint16
}

func (ConfirmSeed) MsgType() MsgType { return MsgConfirmSeed }

func (m ConfirmSeed) encodePayload() []byte {
	return appendU16(nil, m.SeedID)
}

func decodeConfirmSeed(payload []byte) (ConfirmSeed, error) {
	if len(payload) != 2 {
		return ConfirmSeed{}, fmt.Errorf("wire: CONFIRMSEED must be exactly 2 bytes")
	}
	return ConfirmSeed{SeedID: u16(payload)}, nil
}
