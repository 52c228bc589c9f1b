// Package keystore holds the long-term identity material a session's
// ratchet is seeded from: an X25519 identity keypair for Diffie-Hellman,
// an Ed25519 identity keypair for signing, a signed prekey, and a pool of
// one-time prekeys.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ecliptix-labs/channel/internal/secret"
	"github.com/ecliptix-labs/channel/pkg/exchange"
)

const (
	infoIdentityX25519 = "ecliptix-identity-x25519"
	infoIdentityEd25519 = "ecliptix-identity-ed25519"
	infoSignedPrekey    = "ecliptix-signed-prekey"

	seedSize = 32
)

var ErrIdentityInit = errors.New("keystore: identity initialization failed")

// Keystore owns one installation's long-term key material.
type Keystore struct {
	identityDH   *exchange.ECDH
	identitySign ed25519.PrivateKey

	signedPrekey    *exchange.ECDH
	signedPrekeySig []byte

	mu              sync.Mutex
	oneTimePrekeys  []*exchange.ECDH
	consumedOffset  int
}

// PublicBundle is the material advertised to a peer during a handshake.
type PublicBundle struct {
	IdentityX25519Pub []byte
	IdentityEd25519Pub []byte
	SignedPrekeyPub   []byte
	SignedPrekeySig   []byte
	OneTimePrekeyPubs [][]byte
}

// Create generates a fresh identity with a random one-time prekey pool.
func Create(oneTimeKeyCount int) (*Keystore, error) {
	identityDH, err := exchange.NewECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: identity dh: %v", ErrIdentityInit, err)
	}
	_, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: identity signing key: %v", ErrIdentityInit, err)
	}
	ks := &Keystore{identityDH: identityDH, identitySign: signPriv}
	if err := ks.generateSignedPrekey(); err != nil {
		return nil, err
	}
	if err := ks.fillOneTimePrekeys(oneTimeKeyCount); err != nil {
		return nil, err
	}
	return ks, nil
}

// CreateFromMasterKey derives identity and signed-prekey scalars
// deterministically from masterKey, so the same master key always produces
// the same identity bundle for a given membership. One-time prekeys are
// always freshly random, regardless of master key.
func CreateFromMasterKey(masterKey, membershipID []byte, oneTimeKeyCount int) (*Keystore, error) {
	mk := secret.New(masterKey)
	defer mk.Zero()

	derive := func(info string, size int) ([]byte, error) {
		out := make([]byte, size)
		_, err := io.ReadFull(hkdf.New(sha256.New, mk.Bytes(), nil, []byte(info)), out)
		return out, err
	}

	dhSeed, err := derive(infoIdentityX25519, seedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving dh seed: %v", ErrIdentityInit, err)
	}
	identityDH, err := exchange.NewECDHFromSeed(dhSeed)
	if err != nil {
		return nil, fmt.Errorf("%w: dh from seed: %v", ErrIdentityInit, err)
	}

	signSeed, err := derive(infoIdentityEd25519, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving signing seed: %v", ErrIdentityInit, err)
	}
	identitySign := ed25519.NewKeyFromSeed(signSeed)

	prekeySeed, err := derive(infoSignedPrekey, seedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving prekey seed: %v", ErrIdentityInit, err)
	}
	signedPrekey, err := exchange.NewECDHFromSeed(prekeySeed)
	if err != nil {
		return nil, fmt.Errorf("%w: signed prekey from seed: %v", ErrIdentityInit, err)
	}

	ks := &Keystore{identityDH: identityDH, identitySign: identitySign, signedPrekey: signedPrekey}
	ks.signedPrekeySig = ed25519.Sign(identitySign, signedPrekey.MarshalPublicKey())
	if err := ks.fillOneTimePrekeys(oneTimeKeyCount); err != nil {
		return nil, err
	}
	return ks, nil
}

func (k *Keystore) generateSignedPrekey() error {
	prekey, err := exchange.NewECDH()
	if err != nil {
		return fmt.Errorf("%w: signed prekey: %v", ErrIdentityInit, err)
	}
	k.signedPrekey = prekey
	k.signedPrekeySig = ed25519.Sign(k.identitySign, prekey.MarshalPublicKey())
	return nil
}

func (k *Keystore) fillOneTimePrekeys(count int) error {
	k.oneTimePrekeys = make([]*exchange.ECDH, 0, count)
	for range count {
		otk, err := exchange.NewECDH()
		if err != nil {
			return fmt.Errorf("%w: one-time prekey: %v", ErrIdentityInit, err)
		}
		k.oneTimePrekeys = append(k.oneTimePrekeys, otk)
	}
	return nil
}

// PublicBundle returns the public material to send to a peer.
func (k *Keystore) PublicBundle() PublicBundle {
	k.mu.Lock()
	defer k.mu.Unlock()

	pubs := make([][]byte, 0, len(k.oneTimePrekeys)-k.consumedOffset)
	for _, otk := range k.oneTimePrekeys[k.consumedOffset:] {
		pubs = append(pubs, otk.MarshalPublicKey())
	}
	return PublicBundle{
		IdentityX25519Pub:  k.identityDH.MarshalPublicKey(),
		IdentityEd25519Pub: ed25519PublicKeyBytes(k.identitySign),
		SignedPrekeyPub:    k.signedPrekey.MarshalPublicKey(),
		SignedPrekeySig:    k.signedPrekeySig,
		OneTimePrekeyPubs:  pubs,
	}
}

// ConsumeOneTimePrekey pops the next unused one-time prekey, marking it
// spent so it is never advertised or used again. Returns nil, false once
// the pool is exhausted.
func (k *Keystore) ConsumeOneTimePrekey() (*exchange.ECDH, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.consumedOffset >= len(k.oneTimePrekeys) {
		return nil, false
	}
	otk := k.oneTimePrekeys[k.consumedOffset]
	k.consumedOffset++
	return otk, true
}

// IdentityDH returns the identity X25519 keypair, used as one leg of the
// triple-DH handshake.
func (k *Keystore) IdentityDH() *exchange.ECDH { return k.identityDH }

// SignedPrekey returns the signed prekey keypair.
func (k *Keystore) SignedPrekey() *exchange.ECDH { return k.signedPrekey }

// Sign signs msg with the identity Ed25519 key.
func (k *Keystore) Sign(msg []byte) []byte {
	return ed25519.Sign(k.identitySign, msg)
}

func ed25519PublicKeyBytes(priv ed25519.PrivateKey) []byte {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		panic("keystore: identity signing key has unexpected public key type")
	}
	return pub
}
