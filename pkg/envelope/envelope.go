// Package envelope builds and parses the wire-level SecureEnvelope that
// carries ratchet-encrypted payloads, and the RSA-chunked envelope used for
// the anonymous bootstrap handshake.
package envelope

import (
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// EnvelopeType distinguishes a request from a response on the wire.
type EnvelopeType int32

const (
	Request EnvelopeType = iota + 1
	Response
)

// EnvelopeMetadata is the plaintext header attached to every SecureEnvelope.
type EnvelopeMetadata struct {
	RequestID    uint32
	Nonce        []byte
	RatchetIndex uint32
	EnvelopeType EnvelopeType
	// DHPub is the sender's current ratchet DH public key. The receiving
	// side compares this against its tracked remote key to decide whether
	// a DH ratchet step is due.
	DHPub     []byte
	Timestamp *timestamppb.Timestamp
}

// SecureEnvelope is the wire-level container for a ratchet-encrypted
// message. EncryptedPayload and AuthenticationTag are sliced views over
// the combined AEAD output: the underlying cipher (internal/enigma)
// prepends the nonce and appends the Poly1305 tag to the ciphertext as one
// blob, and decryption always operates on that full blob, so these two
// fields exist to satisfy the wire shape and for inspection, not as an
// independently decryptable split.
type SecureEnvelope struct {
	Metadata          EnvelopeMetadata
	EncryptedPayload  []byte
	AuthenticationTag []byte
	sealed            []byte // the full nonce||ciphertext||tag blob enigma expects
}

const tagSize = 16 // chacha20poly1305.Overhead

// BuildMetadata assembles an envelope header.
func BuildMetadata(requestID uint32, nonce []byte, ratchetIndex uint32, envelopeType EnvelopeType, dhPub []byte) EnvelopeMetadata {
	return EnvelopeMetadata{
		RequestID:    requestID,
		Nonce:        nonce,
		RatchetIndex: ratchetIndex,
		EnvelopeType: envelopeType,
		DHPub:        dhPub,
		Timestamp:    timestamppb.New(time.Now().UTC()),
	}
}

// BuildEnvelope wraps a sealed AEAD blob (as produced by internal/enigma)
// into a SecureEnvelope, splitting out nonce/tag views for the wire shape.
func BuildEnvelope(metadata EnvelopeMetadata, sealed []byte) *SecureEnvelope {
	env := &SecureEnvelope{Metadata: metadata, sealed: sealed}
	if len(sealed) >= tagSize {
		env.EncryptedPayload = sealed[:len(sealed)-tagSize]
		env.AuthenticationTag = sealed[len(sealed)-tagSize:]
	}
	return env
}

// Sealed returns the full nonce||ciphertext||tag blob to hand to the
// cipher's Decrypt.
func (e *SecureEnvelope) Sealed() []byte {
	if e.sealed != nil {
		return e.sealed
	}
	return append(append([]byte{}, e.EncryptedPayload...), e.AuthenticationTag...)
}
