package session_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/channel/pkg/keystore"
	"github.com/ecliptix-labs/channel/pkg/ratchet"
	"github.com/ecliptix-labs/channel/pkg/session"
)

func newRatchetState(t *testing.T, exchangeType ratchet.ExchangeType) *ratchet.State {
	t.Helper()
	r := require.New(t)

	aliceKS, err := keystore.Create(1)
	r.NoError(err)
	bobKS, err := keystore.Create(1)
	r.NoError(err)

	alice, err := ratchet.New(1, exchangeType, aliceKS, nil)
	r.NoError(err)
	bob, err := ratchet.New(1, exchangeType, bobKS, nil)
	r.NoError(err)

	aliceBundle, err := alice.BeginExchange()
	r.NoError(err)
	bobBundle, err := bob.BeginExchange()
	r.NoError(err)
	r.NoError(alice.CompleteExchange(bobBundle))
	r.NoError(bob.CompleteExchange(aliceBundle))

	state, err := alice.Save()
	r.NoError(err)
	return state
}

func TestSaveLoadRoundTrip(t *testing.T) {
	r := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	store, err := session.Open([]byte("test-passphrase"), dbPath)
	r.NoError(err)
	defer store.Close()

	state := newRatchetState(t, ratchet.EphemeralConnect)

	r.NoError(store.Save("membership-1", 42, state))

	loaded, ts, err := store.Load("membership-1", 42)
	r.NoError(err)
	r.Equal(state.RootKey, loaded.RootKey)
	r.Equal(state.OurDHPriv, loaded.OurDHPriv)
	r.False(ts.IsZero())
}

func TestServerStreamingNeverPersisted(t *testing.T) {
	r := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	store, err := session.Open([]byte("test-passphrase"), dbPath)
	r.NoError(err)
	defer store.Close()

	state := newRatchetState(t, ratchet.ServerStreaming)
	err = store.Save("membership-1", 7, state)
	r.ErrorIs(err, session.ErrServerStreaming)

	_, _, err = store.Load("membership-1", 7)
	r.ErrorIs(err, session.ErrNotFound)
}

func TestLoadMissingSession(t *testing.T) {
	r := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	store, err := session.Open([]byte("test-passphrase"), dbPath)
	r.NoError(err)
	defer store.Close()

	_, _, err = store.Load("membership-1", 99)
	r.ErrorIs(err, session.ErrNotFound)
}

func TestDeleteSession(t *testing.T) {
	r := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "sessions.db")

	store, err := session.Open([]byte("test-passphrase"), dbPath)
	r.NoError(err)
	defer store.Close()

	state := newRatchetState(t, ratchet.EphemeralConnect)
	r.NoError(store.Save("membership-1", 5, state))
	r.NoError(store.Delete("membership-1", 5))

	_, _, err = store.Load("membership-1", 5)
	r.ErrorIs(err, session.ErrNotFound)
}

func TestReopenWithSamePassphraseDecrypts(t *testing.T) {
	r := require.New(t)
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	passphrase := []byte("reopen-me")

	store, err := session.Open(passphrase, dbPath)
	r.NoError(err)
	state := newRatchetState(t, ratchet.EphemeralConnect)
	r.NoError(store.Save("membership-1", 1, state))
	r.NoError(store.Close())

	reopened, err := session.Open(passphrase, dbPath)
	r.NoError(err)
	defer reopened.Close()

	loaded, _, err := reopened.Load("membership-1", 1)
	r.NoError(err)
	r.Equal(state.RootKey, loaded.RootKey)
}
