package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrRsaEncryption covers bootstrap chunk encrypt/decrypt failures and
// pinning-related size mismatches.
var ErrRsaEncryption = errors.New("envelope: rsa chunked encryption failed")

const lengthPrefixSize = 2 // u16 big-endian

// maxPlaintextBlock returns the largest plaintext block RSA-OAEP-SHA256 can
// encrypt under the given public key.
func maxPlaintextBlock(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// ChunkEncrypt splits plaintext into blocks sized to the pinned key's
// maximum OAEP plaintext block, RSA-OAEP-encrypts each block, and
// concatenates them with a 2-byte big-endian length prefix per chunk.
func ChunkEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	blockSize := maxPlaintextBlock(pub)
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: key too small for OAEP-SHA256", ErrRsaEncryption)
	}

	var out []byte
	for offset := 0; offset < len(plaintext); offset += blockSize {
		end := min(offset+blockSize, len(plaintext))
		block, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext[offset:end], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRsaEncryption, err)
		}
		prefix := make([]byte, lengthPrefixSize)
		binary.BigEndian.PutUint16(prefix, uint16(len(block)))
		out = append(out, prefix...)
		out = append(out, block...)
	}
	if len(plaintext) == 0 {
		// an empty buffer is still a single (empty) chunk, so the framing
		// round-trips unambiguously.
		block, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRsaEncryption, err)
		}
		prefix := make([]byte, lengthPrefixSize)
		binary.BigEndian.PutUint16(prefix, uint16(len(block)))
		out = append(prefix, block...)
	}
	return out, nil
}

// ChunkDecrypt reverses ChunkEncrypt.
func ChunkDecrypt(priv *rsa.PrivateKey, payload []byte) ([]byte, error) {
	var out []byte
	for len(payload) > 0 {
		if len(payload) < lengthPrefixSize {
			return nil, fmt.Errorf("%w: truncated chunk length", ErrRsaEncryption)
		}
		chunkLen := int(binary.BigEndian.Uint16(payload[:lengthPrefixSize]))
		payload = payload[lengthPrefixSize:]
		if len(payload) < chunkLen {
			return nil, fmt.Errorf("%w: truncated chunk body", ErrRsaEncryption)
		}
		block, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, payload[:chunkLen], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRsaEncryption, err)
		}
		out = append(out, block...)
		payload = payload[chunkLen:]
	}
	return out, nil
}
