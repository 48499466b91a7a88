// internal/transport/cipher.go
package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"hash"

	"golang.org/x/crypto/blowfish"
)

// blockSize returns the cipher's block size, used as the CTR nonce length.
func blockSize(mode CipherMode) int {
	switch mode {
	case CipherBlowfish:
		return blowfish.BlockSize
	case CipherAES:
		return aes.BlockSize
	default:
		return 0
	}
}

// CipherKeyLen reports the symmetric key length the mode expects; 0 for
// CipherNone.
func CipherKeyLen(mode CipherMode) int {
	switch mode {
	case CipherBlowfish, CipherAES:
		return 16
	default:
		return 0
	}
}

// CipherIVLen reports the IV length the mode expects (its block size).
func CipherIVLen(mode CipherMode) int {
	return blockSize(mode)
}

// newStream builds a CTR-mode keystream for mode from key and iv. CTR is
// used (rather than CBC) so a frame of arbitrary length never needs
// padding — a requirement here since Ethernet frames are not block-size
// multiples. CipherNone returns a nil stream; callers must treat that as
// "pass through".
func newStream(mode CipherMode, key, iv []byte) (cipher.Stream, error) {
	switch mode {
	case CipherNone:
		return nil, nil
	case CipherBlowfish:
		block, err := blowfish.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("transport: blowfish key: %w", err)
		}
		if len(iv) < blowfish.BlockSize {
			return nil, fmt.Errorf("transport: blowfish iv too short")
		}
		return cipher.NewCTR(block, iv[:blowfish.BlockSize]), nil
	case CipherAES:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("transport: aes key: %w", err)
		}
		if len(iv) < aes.BlockSize {
			return nil, fmt.Errorf("transport: aes iv too short")
		}
		return cipher.NewCTR(block, iv[:aes.BlockSize]), nil
	default:
		return nil, fmt.Errorf("transport: unknown cipher mode %v", mode)
	}
}

// newHasher builds the keyed integrity check for mode. A nil return means
// "no integrity tag" (HashNone).
func newHasher(mode HashMode, key []byte) (hash.Hash, error) {
	switch mode {
	case HashNone:
		return nil, nil
	case HashMD5:
		return hmac.New(md5.New, key), nil
	case HashSHA1:
		return hmac.New(sha1.New, key), nil
	default:
		return nil, fmt.Errorf("transport: unknown hash mode %v", mode)
	}
}

// sealDatagram encrypts frame under key with a fresh random IV prepended
// to the datagram — every packet gets its own CTR keystream, since
// reusing one keystream across two plaintexts under the same key would
// let an observer XOR them together. A keyed MAC over IV+ciphertext is
// appended when mac is non-nil. CipherNone passes the frame through.
func sealDatagram(frame []byte, mode CipherMode, key []byte, mac hash.Hash) ([]byte, error) {
	ivLen := blockSize(mode)
	out := make([]byte, ivLen+len(frame))
	if ivLen > 0 {
		if _, err := rand.Read(out[:ivLen]); err != nil {
			return nil, fmt.Errorf("transport: generate datagram iv: %w", err)
		}
		stream, err := newStream(mode, key, out[:ivLen])
		if err != nil {
			return nil, err
		}
		stream.XORKeyStream(out[ivLen:], frame)
	} else {
		copy(out, frame)
	}
	if mac == nil {
		return out, nil
	}
	mac.Reset()
	mac.Write(out)
	return mac.Sum(out), nil
}

// openDatagram reverses sealDatagram: verifies and strips the trailing
// MAC (if macSize > 0), then strips the leading per-packet IV and
// decrypts.
func openDatagram(raw []byte, mode CipherMode, key []byte, mac hash.Hash, macSize int) ([]byte, error) {
	if macSize > 0 {
		if len(raw) < macSize {
			return nil, fmt.Errorf("transport: datagram shorter than mac size")
		}
		body := raw[:len(raw)-macSize]
		tag := raw[len(raw)-macSize:]
		mac.Reset()
		mac.Write(body)
		want := mac.Sum(nil)
		if !hmac.Equal(tag, want) {
			return nil, fmt.Errorf("transport: mac verification failed")
		}
		raw = body
	}
	ivLen := blockSize(mode)
	if ivLen == 0 {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}
	if len(raw) < ivLen {
		return nil, fmt.Errorf("transport: datagram shorter than its iv")
	}
	stream, err := newStream(mode, key, raw[:ivLen])
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw)-ivLen)
	stream.XORKeyStream(out, raw[ivLen:])
	return out, nil
}
