// internal/wire/packetproto.go
// Package wire implements the signalling wire format carried over the
// server connection: a packetproto length prefix wrapping a
// sc_header-tagged server frame, which for peer-directed traffic in turn
// wraps a msg_header-tagged inter-peer message.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// MaxPacketLen bounds a single packetproto frame, well below what the
// u16 length prefix could express, so a corrupt or hostile prefix can
// never trigger an oversized allocation.
const MaxPacketLen = 32 * 1024

// ReadPacket reads one packetproto_header{u16 len}+payload frame from r.
// It rejects a length prefix over MaxPacketLen without reading further.
func ReadPacket(r *bufio.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	if int(n) > MaxPacketLen {
		return nil, fmt.Errorf("wire: packet length %d exceeds max %d", n, MaxPacketLen)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WritePacket frames payload with a packetproto_header{u16 len} and writes
// it to w. payload must not exceed MaxPacketLen.
func WritePacket(w io.Writer, payload []byte) error {
	if len(payload) > MaxPacketLen {
		return fmt.Errorf("wire: payload length %d exceeds max %d", len(payload), MaxPacketLen)
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
