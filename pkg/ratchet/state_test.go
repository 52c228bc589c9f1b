package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/channel/pkg/keystore"
)

func TestSaveRestoreRoundTrip(t *testing.T) {
	r := require.New(t)
	alice, bob := handshakePair(t, EphemeralConnect)

	_, err := alice.ProduceOutbound(1, []byte("before save"))
	r.NoError(err)

	state, err := alice.Save()
	r.NoError(err)
	r.NotEmpty(state.RootKey)
	r.NotEmpty(state.OurDHPriv)

	aliceKS, err := keystore.Create(0)
	r.NoError(err)
	restored, err := Restore(state, aliceKS, nil)
	r.NoError(err)

	env, err := restored.ProduceOutbound(2, []byte("after restore"))
	r.NoError(err)

	decrypted, err := bob.ProcessInbound(env)
	r.NoError(err)
	r.Equal([]byte("after restore"), decrypted)
}

func TestStateSerializeDeserialize(t *testing.T) {
	r := require.New(t)
	alice, _ := handshakePair(t, EphemeralConnect)

	state, err := alice.Save()
	r.NoError(err)

	data, err := state.Serialize()
	r.NoError(err)
	r.NotEmpty(data)

	deserialized, err := DeserializeState(data)
	r.NoError(err)
	r.Equal(state.RootKey, deserialized.RootKey)
	r.Equal(state.OurDHPriv, deserialized.OurDHPriv)
	r.Equal(state.TheirDHPub, deserialized.TheirDHPub)
}

func TestStateClone(t *testing.T) {
	r := require.New(t)
	state := &State{
		RootKey:   randomBytes(32),
		SendCK:    randomBytes(32),
		OurDHPriv: randomBytes(32),
		SendIndex: 7,
	}

	cloned := state.Clone()
	r.Equal(state.RootKey, cloned.RootKey)
	r.Equal(state.SendIndex, cloned.SendIndex)

	cloned.RootKey[0] ^= 0xFF
	r.NotEqual(state.RootKey[0], cloned.RootKey[0])
}

func TestStateCloneNil(t *testing.T) {
	r := require.New(t)
	var state *State
	r.Nil(state.Clone())
}

func TestRestoreRejectsInvalidState(t *testing.T) {
	r := require.New(t)
	ks, err := keystore.Create(0)
	r.NoError(err)

	_, err = Restore(nil, ks, nil)
	r.ErrorIs(err, ErrInvalidState)

	_, err = Restore(&State{}, ks, nil)
	r.ErrorIs(err, ErrInvalidState)

	_, err = Restore(&State{RootKey: randomBytes(32)}, ks, nil)
	r.ErrorIs(err, ErrInvalidState)
}

func TestDeserializeStateInvalidJSON(t *testing.T) {
	r := require.New(t)
	_, err := DeserializeState([]byte("not json"))
	r.Error(err)
}

func TestSkippedKeysSurviveRestore(t *testing.T) {
	r := require.New(t)
	alice, bob := handshakePair(t, ServerStreaming)

	env1, err := alice.ProduceOutbound(1, []byte("one"))
	r.NoError(err)
	env2, err := alice.ProduceOutbound(2, []byte("two"))
	r.NoError(err)

	// deliver only the second message; the first message's key lands in
	// bob's skipped cache.
	_, err = bob.ProcessInbound(env2)
	r.NoError(err)

	state, err := bob.Save()
	r.NoError(err)
	r.NotEmpty(state.Skipped)

	bobKS, err := keystore.Create(0)
	r.NoError(err)
	restored, err := Restore(state, bobKS, nil)
	r.NoError(err)

	decrypted, err := restored.ProcessInbound(env1)
	r.NoError(err)
	r.Equal([]byte("one"), decrypted)
}
