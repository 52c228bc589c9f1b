// Package pinning verifies that a server-presented bootstrap envelope
// carries a signature matching a pinned reference key, and exposes the
// pinned RSA key the client chunk-encrypts the bootstrap payload under.
package pinning

import (
	"crypto/rsa"
	"errors"

	"github.com/ecliptix-labs/channel/pkg/attest"
)

var ErrPinVerificationFailed = errors.New("pinning: server signature does not match pinned key")

// Verifier is the certificate pinning collaborator the handshake engine
// relies on. Production callers construct it with the application's
// built-in pinned keys; tests can supply a fake.
type Verifier interface {
	VerifyServerSignature(payload, signature []byte) bool
	PinnedRSAPublicKey() *rsa.PublicKey
}

// Default pins a single signing key (Ed25519 or ML-DSA, via pkg/attest) and
// a single RSA encryption target.
type Default struct {
	signingKey attest.PublicKey
	rsaKey     *rsa.PublicKey
}

func NewDefault(signingKey attest.PublicKey, rsaKey *rsa.PublicKey) *Default {
	return &Default{signingKey: signingKey, rsaKey: rsaKey}
}

func (d *Default) VerifyServerSignature(payload, signature []byte) bool {
	return attest.Verify(d.signingKey, payload, signature)
}

func (d *Default) PinnedRSAPublicKey() *rsa.PublicKey {
	return d.rsaKey
}

// PinnedSigningKey returns the pinned Ed25519/ML-DSA key, exposed so a
// caller can render a human-comparable fingerprint of what it pinned.
func (d *Default) PinnedSigningKey() attest.PublicKey {
	return d.signingKey
}
