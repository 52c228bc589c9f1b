package ratchet

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ecliptix-labs/channel/pkg/exchange"
	"github.com/ecliptix-labs/channel/pkg/keystore"
)

var ErrInvalidState = errors.New("ratchet: invalid state")

// skippedEntry is the serializable form of one skippedCache slot.
type skippedEntry struct {
	DHPub  []byte `json:"dh_pub"`
	Index  uint32 `json:"index"`
	MsgKey []byte `json:"msg_key"`
}

// State is a serializable snapshot of a Ratchet's cryptographic state.
// ServerStreaming sessions never persist this; see the connect-id ↔
// exchange-type registry in the session-management component.
type State struct {
	ConnectID    uint32         `json:"connect_id"`
	ExchangeType ExchangeType   `json:"exchange_type"`
	RootKey      []byte         `json:"root_key"`
	SendCK       []byte         `json:"send_ck"`
	RecvCK       []byte         `json:"recv_ck"`
	OurDHPriv    []byte         `json:"our_dh_priv"`
	OurDHPub     []byte         `json:"our_dh_pub"`
	TheirDHPub   []byte         `json:"their_dh_pub"`
	SendIndex    uint32         `json:"send_index"`
	RecvIndex    uint32         `json:"recv_index"`
	LastRatchet  time.Time      `json:"last_ratchet"`
	Skipped      []skippedEntry `json:"skipped,omitempty"`
}

// Save captures the ratchet's current state. Returns ErrInvalidState if the
// ratchet has no local DH keypair yet (BeginExchange has not been called).
func (r *Ratchet) Save() (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ourDH == nil {
		return nil, fmt.Errorf("%w: handshake not yet completed", ErrInvalidState)
	}

	entries := r.skipped.entries()
	skipped := make([]skippedEntry, 0, len(entries))
	for k, v := range entries {
		skipped = append(skipped, skippedEntry{DHPub: []byte(k.dhPub), Index: k.index, MsgKey: copyBytes(v)})
	}

	return &State{
		ConnectID:    r.connectID,
		ExchangeType: r.exchangeType,
		RootKey:      copyBytes(r.rootKey),
		SendCK:       copyBytes(r.sendCK),
		RecvCK:       copyBytes(r.recvCK),
		OurDHPriv:    r.ourDH.MarshalPrivateKey(),
		OurDHPub:     r.ourDH.MarshalPublicKey(),
		TheirDHPub:   copyBytes(r.theirDHPub),
		SendIndex:    r.sendIndex,
		RecvIndex:    r.recvIndex,
		LastRatchet:  r.lastRatchetTime,
		Skipped:      skipped,
	}, nil
}

// Restore reconstructs a Ratchet from a previously saved State.
func Restore(state *State, ks *keystore.Keystore, events ProtocolEvents) (*Ratchet, error) {
	if state == nil {
		return nil, ErrInvalidState
	}
	if len(state.RootKey) == 0 {
		return nil, fmt.Errorf("%w: missing root key", ErrInvalidState)
	}
	if len(state.OurDHPriv) == 0 {
		return nil, fmt.Errorf("%w: missing local dh private key", ErrInvalidState)
	}

	dh, err := exchange.RestoreECDHFromPrivate(state.OurDHPriv)
	if err != nil {
		return nil, fmt.Errorf("restoring dh keypair: %w", err)
	}

	r, err := New(state.ConnectID, state.ExchangeType, ks, events)
	if err != nil {
		return nil, err
	}

	r.rootKey = copyBytes(state.RootKey)
	r.sendCK = copyBytes(state.SendCK)
	r.recvCK = copyBytes(state.RecvCK)
	r.ourDH = dh
	r.theirDHPub = copyBytes(state.TheirDHPub)
	r.sendIndex = state.SendIndex
	r.recvIndex = state.RecvIndex
	r.lastRatchetTime = state.LastRatchet

	entries := make(map[skippedCacheKey][]byte, len(state.Skipped))
	for _, e := range state.Skipped {
		entries[skippedCacheKey{dhPub: string(e.DHPub), index: e.Index}] = copyBytes(e.MsgKey)
	}
	r.skipped.restore(entries)

	return r, nil
}

// MarshalJSON serializes the State to JSON format.
func (s *State) MarshalJSON() ([]byte, error) {
	type Alias State
	return json.Marshal(&struct{ *Alias }{Alias: (*Alias)(s)})
}

// UnmarshalJSON deserializes the State from JSON format.
func (s *State) UnmarshalJSON(data []byte) error {
	type Alias State
	aux := &struct{ *Alias }{Alias: (*Alias)(s)}
	return json.Unmarshal(data, aux)
}

// Serialize encodes the State to JSON bytes.
func (s *State) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// DeserializeState decodes a State from JSON bytes.
func DeserializeState(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("deserializing ratchet state: %w", err)
	}
	return &state, nil
}

// Clone creates a deep copy of the State.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	skipped := make([]skippedEntry, len(s.Skipped))
	for i, e := range s.Skipped {
		skipped[i] = skippedEntry{DHPub: copyBytes(e.DHPub), Index: e.Index, MsgKey: copyBytes(e.MsgKey)}
	}
	return &State{
		ConnectID:    s.ConnectID,
		ExchangeType: s.ExchangeType,
		RootKey:      copyBytes(s.RootKey),
		SendCK:       copyBytes(s.SendCK),
		RecvCK:       copyBytes(s.RecvCK),
		OurDHPriv:    copyBytes(s.OurDHPriv),
		OurDHPub:     copyBytes(s.OurDHPub),
		TheirDHPub:   copyBytes(s.TheirDHPub),
		SendIndex:    s.SendIndex,
		RecvIndex:    s.RecvIndex,
		LastRatchet:  s.LastRatchet,
		Skipped:      skipped,
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	result := make([]byte, len(b))
	copy(result, b)
	return result
}
