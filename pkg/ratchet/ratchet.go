// Package ratchet implements the per-session Double Ratchet: root chain,
// sending/receiving chains, a bounded skipped-message key cache, and a
// policy-driven DH ratchet trigger.
package ratchet

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/ecliptix-labs/channel/internal/enigma"
	"github.com/ecliptix-labs/channel/pkg/envelope"
	"github.com/ecliptix-labs/channel/pkg/exchange"
	"github.com/ecliptix-labs/channel/pkg/keystore"
)

const (
	keySize = 32

	infoRoot = "DR:root"
	infoMsg  = "DR:msg"
	infoX3DH = "ecliptix-x3dh-root"

	// syncTolerance bounds how far local and server-reported chain lengths
	// may diverge before SyncWithRemote reports a validation failure.
	syncTolerance = 5
)

var (
	ErrChainNotInitialized     = errors.New("ratchet: chain not initialized")
	ErrChainOverrun            = errors.New("ratchet: message beyond skip window")
	ErrSessionValidationFailed = errors.New("ratchet: local and remote chain lengths diverge")
	ErrPeerPublicNotSet        = errors.New("ratchet: no local dh keypair; call BeginExchange first")
)

// PubKeyExchange is the bundle exchanged during a handshake: identity keys,
// signed prekey, a one-time prekey (if any was consumed), and an initial DH
// ratchet public key.
type PubKeyExchange struct {
	IdentityX25519Pub  []byte
	IdentityEd25519Pub []byte
	SignedPrekeyPub    []byte
	SignedPrekeySig    []byte
	OneTimePrekeyPub   []byte
	InitialDHPub       []byte
	ExchangeType       ExchangeType
}

// Ratchet represents one session's local cryptographic state.
type Ratchet struct {
	mu sync.Mutex

	connectID    uint32
	exchangeType ExchangeType
	policy       Policy
	events       ProtocolEvents

	ks *keystore.Keystore

	rootKey []byte
	sendCK  []byte
	recvCK  []byte

	ourDH      *exchange.ECDH
	theirDHPub []byte

	sendIndex uint32
	recvIndex uint32

	lastRatchetTime time.Time

	skipped *skippedCache
}

// New constructs an unkeyed Ratchet bound to a connect id and identity
// keystore; BeginExchange/CompleteExchange seed its cryptographic state.
func New(connectID uint32, exchangeType ExchangeType, ks *keystore.Keystore, events ProtocolEvents) (*Ratchet, error) {
	if events == nil {
		events = NoopEvents{}
	}
	policy := DefaultPolicy(exchangeType)
	cache, err := newSkippedCache(int(policy.MaxMessagesWithoutRatchet) * 4)
	if err != nil {
		return nil, fmt.Errorf("allocating skipped-key cache: %w", err)
	}
	return &Ratchet{
		connectID:    connectID,
		exchangeType: exchangeType,
		policy:       policy,
		events:       events,
		ks:           ks,
		skipped:      cache,
	}, nil
}

// BeginExchange generates a fresh initial DH ratchet keypair and returns
// this side's public key exchange bundle.
func (r *Ratchet) BeginExchange() (*PubKeyExchange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dh, err := exchange.NewECDH()
	if err != nil {
		return nil, fmt.Errorf("generating initial dh keypair: %w", err)
	}
	r.ourDH = dh

	bundle := r.ks.PublicBundle()
	var otk []byte
	if consumed, ok := r.ks.ConsumeOneTimePrekey(); ok {
		otk = consumed.MarshalPublicKey()
	}
	return &PubKeyExchange{
		IdentityX25519Pub:  bundle.IdentityX25519Pub,
		IdentityEd25519Pub: bundle.IdentityEd25519Pub,
		SignedPrekeyPub:    bundle.SignedPrekeyPub,
		SignedPrekeySig:    bundle.SignedPrekeySig,
		OneTimePrekeyPub:   otk,
		InitialDHPub:       dh.MarshalPublicKey(),
		ExchangeType:       r.exchangeType,
	}, nil
}

// CompleteExchange performs the anonymous triple-DH handshake against the
// peer's bundle and seeds the root and chain keys.
func (r *Ratchet) CompleteExchange(peer *PubKeyExchange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ourDH == nil {
		return ErrPeerPublicNotSet
	}

	dh1, err := r.ks.IdentityDH().Exchange(peer.SignedPrekeyPub)
	if err != nil {
		return fmt.Errorf("dh1 (identity x signed prekey): %w", err)
	}
	dh2, err := r.ourDH.Exchange(peer.IdentityX25519Pub)
	if err != nil {
		return fmt.Errorf("dh2 (ephemeral x identity): %w", err)
	}
	dh3, err := r.ourDH.Exchange(peer.SignedPrekeyPub)
	if err != nil {
		return fmt.Errorf("dh3 (ephemeral x signed prekey): %w", err)
	}
	ikm := concat(dh1, dh2, dh3)
	if len(peer.OneTimePrekeyPub) > 0 {
		dh4, err := r.ourDH.Exchange(peer.OneTimePrekeyPub)
		if err != nil {
			return fmt.Errorf("dh4 (ephemeral x one-time prekey): %w", err)
		}
		ikm = concat(ikm, dh4)
	}

	rootSeed, err := enigma.Derive(ikm, nil, []byte(infoX3DH), keySize)
	if err != nil {
		return fmt.Errorf("deriving x3dh root seed: %w", err)
	}
	return r.seedFromRoot(rootSeed, peer.InitialDHPub)
}

// CompleteAuthenticatedExchange seeds the root and chain keys from an
// already-derived root key (the master-key-derived re-handshake path),
// skipping the X3DH derivation.
func (r *Ratchet) CompleteAuthenticatedExchange(peer *PubKeyExchange, initialRootKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ourDH == nil {
		return ErrPeerPublicNotSet
	}
	return r.seedFromRoot(initialRootKey, peer.InitialDHPub)
}

// seedFromRoot performs the shared DH-ratchet seeding step used by both
// handshake paths. Caller must hold r.mu.
func (r *Ratchet) seedFromRoot(initialRoot, theirInitialDHPub []byte) error {
	shared, err := r.ourDH.Exchange(theirInitialDHPub)
	if err != nil {
		return fmt.Errorf("exchanging with initial peer dh: %w", err)
	}
	initiator := bytes.Compare(r.ourDH.MarshalPublicKey(), theirInitialDHPub) < 0
	newRoot, sendCK, recvCK, err := kdfRoot(initialRoot, shared, sessionIDBytes(r.connectID), initiator)
	if err != nil {
		return fmt.Errorf("kdfRoot: %w", err)
	}

	r.rootKey = newRoot
	r.sendCK = sendCK
	r.recvCK = recvCK
	r.sendIndex = 0
	r.recvIndex = 0
	r.theirDHPub = append([]byte{}, theirInitialDHPub...)
	r.lastRatchetTime = time.Now()
	return nil
}

// performSendRatchet proactively advances the sending side: a fresh local
// DH keypair is generated and mixed with the currently tracked remote
// public key (which does not change). This is the policy-driven ratchet
// trigger (cadence/age based) rather than a reaction to new remote key
// material. Caller must hold r.mu.
func (r *Ratchet) performSendRatchet() error {
	newDH, err := exchange.NewECDH()
	if err != nil {
		return fmt.Errorf("creating new dh keypair: %w", err)
	}
	shared, err := newDH.Exchange(r.theirDHPub)
	if err != nil {
		return fmt.Errorf("exchanging with peer dh: %w", err)
	}
	newRoot, chainKey, err := kdfRootSingle(r.rootKey, shared)
	if err != nil {
		return fmt.Errorf("kdfRootSingle: %w", err)
	}

	r.rootKey = newRoot
	r.ourDH = newDH
	r.sendCK = chainKey
	r.sendIndex = 0
	r.lastRatchetTime = time.Now()

	r.events.OnRatchetPerformed(r.connectID, true, 0)
	return nil
}

// performReceiveRatchet reacts to an inbound DH public key that differs
// from the one currently tracked: the shared secret is computed against
// our existing (not-yet-replaced) local keypair, so it lands on the exact
// value the sender produced with its freshly generated key. Caller must
// hold r.mu.
func (r *Ratchet) performReceiveRatchet(newRemotePub []byte) error {
	shared, err := r.ourDH.Exchange(newRemotePub)
	if err != nil {
		return fmt.Errorf("exchanging with peer dh: %w", err)
	}
	newRoot, chainKey, err := kdfRootSingle(r.rootKey, shared)
	if err != nil {
		return fmt.Errorf("kdfRootSingle: %w", err)
	}

	r.rootKey = newRoot
	r.recvCK = chainKey
	r.recvIndex = 0
	r.theirDHPub = append([]byte{}, newRemotePub...)
	r.lastRatchetTime = time.Now()

	r.events.OnRatchetPerformed(r.connectID, false, 0)
	return nil
}

// ProduceOutbound advances the sending chain and returns a sealed envelope.
func (r *Ratchet) ProduceOutbound(requestID uint32, plaintext []byte) (*envelope.SecureEnvelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sendCK == nil {
		return nil, ErrChainNotInitialized
	}

	due := r.sendIndex >= r.policy.DHRatchetEveryNMessages ||
		time.Since(r.lastRatchetTime) > r.policy.MaxChainAge
	if due && r.theirDHPub != nil {
		if err := r.performSendRatchet(); err != nil {
			return nil, fmt.Errorf("send-triggered dh ratchet: %w", err)
		}
	}

	nextCK, msgKey := kdfChainStep(r.sendCK)
	r.sendCK = nextCK
	index := r.sendIndex
	r.sendIndex++

	enc, err := enigma.NewEnigma(msgKey, nil, []byte(infoMsg))
	if err != nil {
		return nil, fmt.Errorf("creating message cipher: %w", err)
	}
	sealed := enc.Encrypt(plaintext)

	var nonce []byte
	if len(sealed) >= 24 {
		nonce = append(nonce, sealed[:24]...)
	}
	meta := envelope.BuildMetadata(requestID, nonce, index, envelope.Request, r.ourDH.MarshalPublicKey())
	env := envelope.BuildEnvelope(meta, sealed)

	r.events.OnMessageProcessed(r.connectID, true, index)
	return env, nil
}

// ProcessInbound decrypts a received envelope, performing a DH ratchet and
// skipped-key bookkeeping as required.
func (r *Ratchet) ProcessInbound(env *envelope.SecureEnvelope) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recvCK == nil {
		return nil, ErrChainNotInitialized
	}

	dhPub := env.Metadata.DHPub
	if len(dhPub) > 0 && !bytes.Equal(dhPub, r.theirDHPub) {
		if err := r.performReceiveRatchet(dhPub); err != nil {
			return nil, fmt.Errorf("receive-triggered dh ratchet: %w", err)
		}
	}

	target := env.Metadata.RatchetIndex
	expected := r.recvIndex

	if target < expected {
		msgKey, ok := r.skipped.take(r.theirDHPub, target)
		if !ok {
			return nil, ErrChainOverrun
		}
		return r.decryptWith(msgKey, env)
	}

	if target > expected {
		gap := target - expected
		if gap > r.policy.MaxMessagesWithoutRatchet {
			return nil, ErrChainOverrun
		}
		for i := expected; i < target; i++ {
			nextCK, msgKey := kdfChainStep(r.recvCK)
			r.skipped.put(r.theirDHPub, i, msgKey)
			r.recvCK = nextCK
		}
		r.recvIndex = target
	}

	nextCK, msgKey := kdfChainStep(r.recvCK)
	r.recvCK = nextCK
	r.recvIndex = target + 1

	plaintext, err := r.decryptWith(msgKey, env)
	if err != nil {
		return nil, err
	}
	r.events.OnMessageProcessed(r.connectID, false, target)
	return plaintext, nil
}

func (r *Ratchet) decryptWith(msgKey []byte, env *envelope.SecureEnvelope) ([]byte, error) {
	enc, err := enigma.NewEnigma(msgKey, nil, []byte(infoMsg))
	if err != nil {
		return nil, fmt.Errorf("creating message cipher: %w", err)
	}
	plaintext, err := enc.Decrypt(env.Sealed())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainOverrun, err)
	}
	return plaintext, nil
}

// SyncWithRemote reconciles local chain counters against server-reported
// lengths after a restore.
func (r *Ratchet) SyncWithRemote(serverSendingLen, serverReceivingLen uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if diverges(r.recvIndex, serverSendingLen) || diverges(r.sendIndex, serverReceivingLen) {
		return ErrSessionValidationFailed
	}
	r.events.OnChainSynchronized(r.connectID, r.recvIndex, serverSendingLen)
	return nil
}

func diverges(local, remote uint32) bool {
	var diff uint32
	if local > remote {
		diff = local - remote
	} else {
		diff = remote - local
	}
	return diff > syncTolerance
}

// SendIndex and RecvIndex expose the current chain counters, used by
// callers computing server-reconciliation and test assertions.
func (r *Ratchet) SendIndex() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendIndex
}

func (r *Ratchet) RecvIndex() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recvIndex
}

func sessionIDBytes(connectID uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, connectID)
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// kdfRoot mixes the previous root and a DH shared secret to produce a new
// root and two chain keys (assigned to send/recv by initiator role).
func kdfRoot(root, dh, info []byte, initiator bool) (newRoot, sender, receiver []byte, err error) {
	seed := make([]byte, len(root)+len(dh))
	copy(seed, root)
	copy(seed[len(root):], dh)

	h := hkdf.New(sha256.New, seed, nil, append([]byte(infoRoot+":"), info...))
	newRoot = make([]byte, keySize)
	if _, err = io.ReadFull(h, newRoot); err != nil {
		return
	}
	ck1 := make([]byte, keySize)
	if _, err = io.ReadFull(h, ck1); err != nil {
		return
	}
	ck2 := make([]byte, keySize)
	if _, err = io.ReadFull(h, ck2); err != nil {
		return
	}
	if initiator {
		return newRoot, ck1, ck2, nil
	}
	return newRoot, ck2, ck1, nil
}

// kdfRootSingle mixes the previous root and a DH shared secret into a new
// root and a single chain key. Used by the steady-state send/receive
// ratchet steps, where each side computes exactly one of the two chain
// keys from a shared secret the other side derives identically.
func kdfRootSingle(root, dh []byte) (newRoot, chainKey []byte, err error) {
	seed := make([]byte, len(root)+len(dh))
	copy(seed, root)
	copy(seed[len(root):], dh)

	h := hkdf.New(sha256.New, seed, nil, []byte(infoRoot))
	newRoot = make([]byte, keySize)
	if _, err = io.ReadFull(h, newRoot); err != nil {
		return
	}
	chainKey = make([]byte, keySize)
	if _, err = io.ReadFull(h, chainKey); err != nil {
		return
	}
	return
}

// kdfChainStep derives the next chain key and a message key from a chain
// key via HMAC-SHA256, per the symmetric-ratchet derivation.
func kdfChainStep(ck []byte) (nextCK, msgKey []byte) {
	m := hmac.New(sha256.New, ck)
	m.Write([]byte{0x01})
	msgKey = m.Sum(nil)

	c := hmac.New(sha256.New, ck)
	c.Write([]byte{0x02})
	nextCK = c.Sum(nil)
	return
}
