package ratchet

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/channel/pkg/envelope"
	"github.com/ecliptix-labs/channel/pkg/keystore"
)

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func handshakePair(t *testing.T, exchangeType ExchangeType) (*Ratchet, *Ratchet) {
	t.Helper()
	r := require.New(t)

	aliceKS, err := keystore.Create(1)
	r.NoError(err)
	bobKS, err := keystore.Create(1)
	r.NoError(err)

	alice, err := New(1, exchangeType, aliceKS, nil)
	r.NoError(err)
	bob, err := New(1, exchangeType, bobKS, nil)
	r.NoError(err)

	aliceBundle, err := alice.BeginExchange()
	r.NoError(err)
	bobBundle, err := bob.BeginExchange()
	r.NoError(err)

	r.NoError(alice.CompleteExchange(bobBundle))
	r.NoError(bob.CompleteExchange(aliceBundle))

	return alice, bob
}

func TestRoundTripEncryption(t *testing.T) {
	r := require.New(t)
	alice, bob := handshakePair(t, EphemeralConnect)

	plaintext := []byte("hello from alice")
	env, err := alice.ProduceOutbound(1, plaintext)
	r.NoError(err)

	decrypted, err := bob.ProcessInbound(env)
	r.NoError(err)
	r.Equal(plaintext, decrypted)
}

func TestReorderWithinSkipWindow(t *testing.T) {
	r := require.New(t)
	alice, bob := handshakePair(t, ServerStreaming)

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	envs := make([]*envelope.SecureEnvelope, len(msgs))
	for i, m := range msgs {
		env, err := alice.ProduceOutbound(uint32(i), m)
		r.NoError(err)
		envs[i] = env
	}

	// deliver out of order: third, then first, then second
	pt3, err := bob.ProcessInbound(envs[2])
	r.NoError(err)
	r.Equal(msgs[2], pt3)

	pt1, err := bob.ProcessInbound(envs[0])
	r.NoError(err)
	r.Equal(msgs[0], pt1)

	pt2, err := bob.ProcessInbound(envs[1])
	r.NoError(err)
	r.Equal(msgs[1], pt2)
}

func TestChainOverrunBeyondWindow(t *testing.T) {
	r := require.New(t)
	_, bob := handshakePair(t, ServerStreaming)

	// A gap within a single DH epoch larger than the policy's skip window
	// cannot arise from genuine sends (the ratchet cadence always fires
	// first), so this exercises the safety cap directly against a crafted
	// envelope that claims to be far ahead in the current epoch.
	policy := DefaultPolicy(ServerStreaming)
	meta := envelope.BuildMetadata(1, nil, policy.MaxMessagesWithoutRatchet+1, envelope.Request, bob.theirDHPub)
	env := envelope.BuildEnvelope(meta, []byte("not a real ciphertext"))

	_, err := bob.ProcessInbound(env)
	r.ErrorIs(err, ErrChainOverrun)
}

func TestSendIndexResetsOnRatchet(t *testing.T) {
	r := require.New(t)
	alice, bob := handshakePair(t, EphemeralConnect)

	// EphemeralConnect ratchets before every send after the first, which
	// resets the send index to zero, so it reads one after each
	// ProduceOutbound call rather than growing unbounded.
	_, err := alice.ProduceOutbound(1, []byte("a"))
	r.NoError(err)
	r.Equal(uint32(1), alice.SendIndex())

	env2, err := alice.ProduceOutbound(2, []byte("b"))
	r.NoError(err)
	r.Equal(uint32(1), alice.SendIndex())

	pt, err := bob.ProcessInbound(env2)
	r.NoError(err)
	r.Equal([]byte("b"), pt)
}

func TestServerStreamingAllowsWiderSkipWindow(t *testing.T) {
	r := require.New(t)
	alice, bob := handshakePair(t, ServerStreaming)

	var last *envelope.SecureEnvelope
	for i := 0; i < 10; i++ {
		env, err := alice.ProduceOutbound(uint32(i), []byte("payload"))
		r.NoError(err)
		last = env
	}

	// processing only the last message first is well within the 100-message
	// ServerStreaming skip window.
	pt, err := bob.ProcessInbound(last)
	r.NoError(err)
	r.Equal([]byte("payload"), pt)
}

func TestKDFChainStepDeterministic(t *testing.T) {
	r := require.New(t)
	ck := randomBytes(32)
	next1, msg1 := kdfChainStep(ck)
	next2, msg2 := kdfChainStep(ck)
	r.Equal(next1, next2)
	r.Equal(msg1, msg2)
	r.NotEqual(next1, msg1)
}

func TestKDFRootSwapsChainsByRole(t *testing.T) {
	r := require.New(t)
	root := randomBytes(32)
	info := randomBytes(20)
	dh := randomBytes(32)

	rk1, ckA1, ckB1, err := kdfRoot(root, dh, info, true)
	r.NoError(err)
	rk2, ckA2, ckB2, err := kdfRoot(root, dh, info, false)
	r.NoError(err)

	r.Equal(rk1, rk2)
	r.Equal(ckA1, ckB2)
	r.Equal(ckB1, ckA2)
}

func TestProduceOutboundWithoutHandshakeFails(t *testing.T) {
	r := require.New(t)
	ks, err := keystore.Create(0)
	r.NoError(err)
	rt, err := New(1, EphemeralConnect, ks, nil)
	r.NoError(err)

	_, err = rt.ProduceOutbound(1, []byte("test"))
	r.ErrorIs(err, ErrChainNotInitialized)
}

func TestProcessInboundWithoutHandshakeFails(t *testing.T) {
	r := require.New(t)
	ks, err := keystore.Create(0)
	r.NoError(err)
	rt, err := New(1, EphemeralConnect, ks, nil)
	r.NoError(err)

	_, err = rt.ProcessInbound(&envelope.SecureEnvelope{})
	r.ErrorIs(err, ErrChainNotInitialized)
}

func TestSyncWithRemoteWithinTolerance(t *testing.T) {
	r := require.New(t)
	alice, _ := handshakePair(t, EphemeralConnect)

	for i := 0; i < 3; i++ {
		_, err := alice.ProduceOutbound(uint32(i), []byte("x"))
		r.NoError(err)
	}
	r.NoError(alice.SyncWithRemote(0, alice.SendIndex()))
}

func TestSyncWithRemoteBeyondTolerance(t *testing.T) {
	r := require.New(t)
	alice, _ := handshakePair(t, EphemeralConnect)
	r.ErrorIs(alice.SyncWithRemote(0, syncTolerance+100), ErrSessionValidationFailed)
}
