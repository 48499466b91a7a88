// internal/wire/scframe.go
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ScKind is the sc_header.type byte, a single u8.
type ScKind byte

const (
	ScReady     ScKind = 1 // server -> client: ready(self_id, external_ip)
	ScNewClient ScKind = 2 // server -> client: newclient(id, flags, cert)
	ScEndClient ScKind = 3 // server -> client: endclient(id)
	ScMessage   ScKind = 4 // bidirectional: message(peer_id, payload)
	ScResetPeer ScKind = 5 // client -> server: one-shot RESETPEER(id)
)

// PeerFlag bits carried in NEWCLIENT.
type PeerFlag uint8

const (
	FlagSSLRequired PeerFlag = 1 << 0
	FlagRelayClient PeerFlag = 1 << 1
	FlagRelayServer PeerFlag = 1 << 2
)

// Ready is the server's one-time ready(self_id, external_ip) event.
type Ready struct {
	SelfID     uint16
	ExternalIP net.IP
}

func (m Ready) Encode() []byte {
	ip4 := m.ExternalIP.To4()
	isV4 := ip4 != nil
	var ipBytes []byte
	if isV4 {
		ipBytes = ip4
	} else {
		ipBytes = m.ExternalIP.To16()
		if ipBytes == nil {
			ipBytes = make([]byte, 16)
		}
	}
	buf := make([]byte, 0, 4+len(ipBytes))
	buf = appendU16(buf, m.SelfID)
	buf = append(buf, byte(len(ipBytes)))
	buf = append(buf, ipBytes...)
	return withKind(ScReady, buf)
}

func DecodeReady(payload []byte) (Ready, error) {
	if len(payload) < 3 {
		return Ready{}, fmt.Errorf("wire: ready frame too short")
	}
	selfID := binary.LittleEndian.Uint16(payload[0:2])
	n := int(payload[2])
	if len(payload) < 3+n {
		return Ready{}, fmt.Errorf("wire: ready frame ip length overruns payload")
	}
	ip := net.IP(append([]byte(nil), payload[3:3+n]...))
	if len(payload) != 3+n {
		return Ready{}, fmt.Errorf("wire: ready frame has trailing garbage")
	}
	return Ready{SelfID: selfID, ExternalIP: ip}, nil
}

// NewClient is the server's newclient(id, flags, cert) event.
type NewClient struct {
	ID    uint16
	Flags PeerFlag
	Cert  []byte
}

func (m NewClient) Encode() []byte {
	buf := make([]byte, 0, 5+len(m.Cert))
	buf = appendU16(buf, m.ID)
	buf = append(buf, byte(m.Flags))
	buf = appendU16(buf, uint16(len(m.Cert)))
	buf = append(buf, m.Cert...)
	return withKind(ScNewClient, buf)
}

func DecodeNewClient(payload []byte) (NewClient, error) {
	if len(payload) < 5 {
		return NewClient{}, fmt.Errorf("wire: newclient frame too short")
	}
	id := binary.LittleEndian.Uint16(payload[0:2])
	flags := PeerFlag(payload[2])
	certLen := binary.LittleEndian.Uint16(payload[3:5])
	if len(payload) != 5+int(certLen) {
		return NewClient{}, fmt.Errorf("wire: newclient cert length mismatch")
	}
	cert := append([]byte(nil), payload[5:5+int(certLen)]...)
	return NewClient{ID: id, Flags: flags, Cert: cert}, nil
}

// EndClient is the server's endclient(id) event.
type EndClient struct {
	ID uint16
}

func (m EndClient) Encode() []byte {
	return withKind(ScEndClient, appendU16(nil, m.ID))
}

func DecodeEndClient(payload []byte) (EndClient, error) {
	if len(payload) != 2 {
		return EndClient{}, fmt.Errorf("wire: endclient frame must be exactly 2 bytes")
	}
	return EndClient{ID: binary.LittleEndian.Uint16(payload)}, nil
}

// Message carries an opaque inter-peer signalling payload (// msg_header + payload) tunnelled through the server, addressed by peer id.
type Message struct {
	PeerID  uint16
	Payload []byte
}

func (m Message) Encode() []byte {
	buf := make([]byte, 0, 2+len(m.Payload))
	buf = appendU16(buf, m.PeerID)
	buf = append(buf, m.Payload...)
	return withKind(ScMessage, buf)
}

func DecodeMessage(payload []byte) (Message, error) {
	if len(payload) < 2 {
		return Message{}, fmt.Errorf("wire: message frame too short")
	}
	peerID := binary.LittleEndian.Uint16(payload[0:2])
	return Message{PeerID: peerID, Payload: append([]byte(nil), payload[2:]...)}, nil
}

// ResetPeer is the client->server one-shot RESETPEER(id) control packet
// a peer's flow emits after its chat has failed.
type ResetPeer struct {
	ID uint16
}

func (m ResetPeer) Encode() []byte {
	return withKind(ScResetPeer, appendU16(nil, m.ID))
}

func DecodeResetPeer(payload []byte) (ResetPeer, error) {
	if len(payload) != 2 {
		return ResetPeer{}, fmt.Errorf("wire: resetpeer frame must be exactly 2 bytes")
	}
	return ResetPeer{ID: binary.LittleEndian.Uint16(payload)}, nil
}

// Frame is a decoded sc_header + payload pair ready for packetproto
// framing.
type Frame struct {
	Kind    ScKind
	Payload []byte
}

// DecodeFrame splits a packetproto payload into its sc_header kind and the
// remaining bytes.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < 1 {
		return Frame{}, fmt.Errorf("wire: empty server frame")
	}
	return Frame{Kind: ScKind(raw[0]), Payload: raw[1:]}, nil
}

func withKind(k ScKind, body []byte) []byte {
	buf := make([]byte, 0, 1+len(body))
	buf = append(buf, byte(k))
	buf = append(buf, body...)
	return buf
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}
