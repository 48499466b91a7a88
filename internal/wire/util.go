// internal/wire/util.go
package wire

import "encoding/binary"

func u16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
