package keystore

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/ecliptix-labs/channel/pkg/exchange"
)

var ErrInvalidState = errors.New("keystore: invalid state")

// State is a serializable snapshot of a Keystore, used for persistence.
type State struct {
	IdentityDHPriv   []byte   `json:"identity_dh_priv"`
	IdentityDHPub    []byte   `json:"identity_dh_pub"`
	IdentitySignSeed []byte   `json:"identity_sign_seed"`
	SignedPrekeyPriv []byte   `json:"signed_prekey_priv"`
	SignedPrekeySig  []byte   `json:"signed_prekey_sig"`
	OneTimePrekeys   [][]byte `json:"one_time_prekeys"`
	ConsumedOffset   int      `json:"consumed_offset"`
}

// ToState captures the keystore's current material for persistence.
func (k *Keystore) ToState() (*State, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	otk := make([][]byte, len(k.oneTimePrekeys))
	for i, p := range k.oneTimePrekeys {
		otk[i] = p.MarshalPrivateKey()
	}
	return &State{
		IdentityDHPriv:   k.identityDH.MarshalPrivateKey(),
		IdentityDHPub:    k.identityDH.MarshalPublicKey(),
		IdentitySignSeed: k.identitySign.Seed(),
		SignedPrekeyPriv: k.signedPrekey.MarshalPrivateKey(),
		SignedPrekeySig:  k.signedPrekeySig,
		OneTimePrekeys:   otk,
		ConsumedOffset:   k.consumedOffset,
	}, nil
}

// FromState reconstructs a Keystore from a previously captured State.
func FromState(state *State) (*Keystore, error) {
	if state == nil {
		return nil, ErrInvalidState
	}
	if len(state.IdentityDHPriv) == 0 || len(state.IdentitySignSeed) == 0 || len(state.SignedPrekeyPriv) == 0 {
		return nil, fmt.Errorf("%w: missing key material", ErrInvalidState)
	}

	identityDH, err := exchange.RestoreECDH(state.IdentityDHPriv, state.IdentityDHPub)
	if err != nil {
		return nil, fmt.Errorf("restoring identity dh: %w", err)
	}
	signedPrekey, err := exchange.RestoreECDHFromPrivate(state.SignedPrekeyPriv)
	if err != nil {
		return nil, fmt.Errorf("restoring signed prekey: %w", err)
	}
	otk := make([]*exchange.ECDH, len(state.OneTimePrekeys))
	for i, priv := range state.OneTimePrekeys {
		otk[i], err = exchange.RestoreECDHFromPrivate(priv)
		if err != nil {
			return nil, fmt.Errorf("restoring one-time prekey %d: %w", i, err)
		}
	}

	return &Keystore{
		identityDH:      identityDH,
		identitySign:    ed25519.NewKeyFromSeed(state.IdentitySignSeed),
		signedPrekey:    signedPrekey,
		signedPrekeySig: state.SignedPrekeySig,
		oneTimePrekeys:  otk,
		consumedOffset:  state.ConsumedOffset,
	}, nil
}

// Serialize encodes the State to JSON bytes.
func (s *State) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// DeserializeState decodes a State from JSON bytes.
func DeserializeState(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("deserializing keystore state: %w", err)
	}
	return &state, nil
}
