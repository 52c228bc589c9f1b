package provider_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/channel/pkg/attest"
	"github.com/ecliptix-labs/channel/pkg/envelope"
	"github.com/ecliptix-labs/channel/pkg/keystore"
	"github.com/ecliptix-labs/channel/pkg/pinning"
	"github.com/ecliptix-labs/channel/pkg/provider"
	"github.com/ecliptix-labs/channel/pkg/ratchet"
	"github.com/ecliptix-labs/channel/pkg/retry"
	"github.com/ecliptix-labs/channel/pkg/session"
	"github.com/ecliptix-labs/channel/pkg/transport"
)

// fakePeer stands in for the remote network provider: it completes the
// anonymous bootstrap handshake and then answers unary data calls against
// the resulting shared ratchet session.
type fakePeer struct {
	rsaPriv *rsa.PrivateKey
	signer  attest.Attest
	ks      *keystore.Keystore
	rat     *ratchet.Ratchet

	failUnaryTimes int32
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := attest.NewEd25519()
	require.NoError(t, err)
	ks, err := keystore.Create(1)
	require.NoError(t, err)
	return &fakePeer{rsaPriv: rsaPriv, signer: signer, ks: ks}
}

func (fp *fakePeer) verifier() pinning.Verifier {
	return pinning.NewDefault(fp.signer.PublicKey(), &fp.rsaPriv.PublicKey)
}

func (fp *fakePeer) handleBootstrap(_ context.Context, frame []byte) ([]byte, error) {
	req, err := envelope.UnmarshalBootstrapRequest(frame)
	if err != nil {
		return nil, err
	}
	plaintext, err := envelope.ChunkDecrypt(fp.rsaPriv, req.EncryptedPayload)
	if err != nil {
		return nil, err
	}
	var clientBundle ratchet.PubKeyExchange
	if err := json.Unmarshal(plaintext, &clientBundle); err != nil {
		return nil, err
	}

	rat, err := ratchet.New(1, ratchet.EphemeralConnect, fp.ks, ratchet.NoopEvents{})
	if err != nil {
		return nil, err
	}
	serverBundle, err := rat.BeginExchange()
	if err != nil {
		return nil, err
	}
	if err := rat.CompleteExchange(&clientBundle); err != nil {
		return nil, err
	}
	fp.rat = rat

	serverPayload, err := json.Marshal(serverBundle)
	if err != nil {
		return nil, err
	}
	clientPub, err := x509.ParsePKCS1PublicKey(req.ClientRSAPubDER)
	if err != nil {
		return nil, err
	}
	encrypted, err := envelope.ChunkEncrypt(clientPub, serverPayload)
	if err != nil {
		return nil, err
	}
	sig, err := fp.signer.Sign(encrypted, nil)
	if err != nil {
		return nil, err
	}
	resp := &envelope.BootstrapResponse{
		Metadata:         envelope.BuildMetadata(0, nil, 0, envelope.Response, nil),
		EncryptedPayload: encrypted,
		Signature:        sig,
	}
	return envelope.MarshalBootstrapResponse(resp)
}

// handleUnary decrypts the client's request envelope against the shared
// ratchet, echoes the plaintext back encrypted under the server's sending
// chain. It fails transiently failUnaryTimes times before succeeding, to
// exercise the outage-then-success path.
func (fp *fakePeer) handleUnary(_ context.Context, frame []byte) ([]byte, error) {
	if atomic.LoadInt32(&fp.failUnaryTimes) > 0 {
		atomic.AddInt32(&fp.failUnaryTimes, -1)
		return nil, errors.New("simulated transient transport failure")
	}

	var reqCtx provider.RpcRequestContext
	if err := json.Unmarshal(frame, &reqCtx); err != nil {
		return nil, err
	}
	plaintext, err := fp.rat.ProcessInbound(reqCtx.Envelope)
	if err != nil {
		return nil, err
	}
	env, err := fp.rat.ProduceOutbound(reqCtx.Envelope.Metadata.RequestID, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&struct{ Envelope *envelope.SecureEnvelope }{env})
}

func newTestProvider(t *testing.T, peer *fakePeer, fake *transport.FakeRPC) (*provider.Provider, string) {
	t.Helper()
	ks, err := keystore.Create(1)
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := session.Open([]byte("test-passphrase"), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := provider.New(fake, store, ks, peer.verifier(), nil)
	t.Cleanup(p.Dispose)
	return p, dbPath
}

func TestFreshBootstrap(t *testing.T) {
	r := require.New(t)
	peer := newFakePeer(t)
	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-channel", peer.handleBootstrap)
	fake.HandleUnary("peer/rpc", peer.handleUnary)

	p, _ := newTestProvider(t, peer, fake)

	settings := provider.ApplicationInstanceSettings{ServerAddr: "peer", MembershipID: "m1"}
	r.NoError(p.InitiateProtocolSystem(settings, 42))

	state, err := p.EstablishChannel(context.Background(), 42)
	r.NoError(err)
	r.NotNil(state)
	r.Equal(uint32(42), state.ConnectID)
	r.True(p.HasConnection(42))
}

func TestOutageThenSuccess(t *testing.T) {
	r := require.New(t)
	peer := newFakePeer(t)
	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-channel", peer.handleBootstrap)
	fake.HandleUnary("peer/rpc", peer.handleUnary)

	p, _ := newTestProvider(t, peer, fake)
	settings := provider.ApplicationInstanceSettings{ServerAddr: "peer", MembershipID: "m1"}
	r.NoError(p.InitiateProtocolSystem(settings, 42))
	_, err := p.EstablishChannel(context.Background(), 42)
	r.NoError(err)

	atomic.StoreInt32(&peer.failUnaryTimes, 3)

	var received []byte
	onComplete := func(b []byte) { received = b }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := p.ExecuteUnary(ctx, 42, retry.ServiceIdempotentRead, []byte("ping"), onComplete, false, false)
	r.NoError(err)
	r.Equal([]byte("ping"), received)
	r.Equal([]byte("ping"), result.Plaintext)
	r.False(p.IsRecovering())
}

func TestRestoreChannelSuccess(t *testing.T) {
	r := require.New(t)
	peer := newFakePeer(t)
	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-channel", peer.handleBootstrap)
	fake.HandleUnary("peer/rpc", peer.handleUnary)
	fake.HandleUnary("peer/restore-channel", func(context.Context, []byte) ([]byte, error) {
		resp := make([]byte, 9)
		resp[0] = 1 // SessionRestored
		return resp, nil
	})

	p, _ := newTestProvider(t, peer, fake)
	settings := provider.ApplicationInstanceSettings{ServerAddr: "peer", MembershipID: "m1"}
	r.NoError(p.InitiateProtocolSystem(settings, 42))
	state, err := p.EstablishChannel(context.Background(), 42)
	r.NoError(err)
	p.ClearConnection(42)
	r.False(p.HasConnection(42))

	ok, err := p.RestoreChannel(context.Background(), state, settings, provider.RetryModeNone, false)
	r.NoError(err)
	r.True(ok)
	r.True(p.HasConnection(42))
}

func TestRestoreChannelSessionNotFoundFallsBackToEstablish(t *testing.T) {
	r := require.New(t)
	peer := newFakePeer(t)
	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-channel", peer.handleBootstrap)
	fake.HandleUnary("peer/rpc", peer.handleUnary)
	fake.HandleUnary("peer/restore-channel", func(context.Context, []byte) ([]byte, error) {
		return make([]byte, 9), nil // status byte 0 == SessionNotFound
	})

	p, _ := newTestProvider(t, peer, fake)
	settings := provider.ApplicationInstanceSettings{ServerAddr: "peer", MembershipID: "m1"}
	r.NoError(p.InitiateProtocolSystem(settings, 42))
	state, err := p.EstablishChannel(context.Background(), 42)
	r.NoError(err)
	p.ClearConnection(42)
	r.False(p.HasConnection(42))

	ok, err := p.RestoreChannel(context.Background(), state, settings, provider.RetryModeNone, false)
	r.NoError(err)
	r.False(ok)
	r.True(p.HasConnection(42))
}

func TestExecuteUnaryDuplicateRejected(t *testing.T) {
	r := require.New(t)
	peer := newFakePeer(t)
	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-channel", peer.handleBootstrap)
	fake.HandleUnary("peer/rpc", func(ctx context.Context, frame []byte) ([]byte, error) {
		time.Sleep(20 * time.Millisecond)
		return peer.handleUnary(ctx, frame)
	})

	p, _ := newTestProvider(t, peer, fake)
	settings := provider.ApplicationInstanceSettings{ServerAddr: "peer", MembershipID: "m1"}
	r.NoError(p.InitiateProtocolSystem(settings, 7))
	_, err := p.EstablishChannel(context.Background(), 7)
	r.NoError(err)

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := p.ExecuteUnary(context.Background(), 7, retry.ServiceIdempotentRead, []byte("dup"), nil, false, false)
			errs <- err
		}()
	}
	first, second := <-errs, <-errs
	dupCount := 0
	for _, e := range []error{first, second} {
		if errors.Is(e, provider.ErrDuplicateRequest) {
			dupCount++
		}
	}
	r.Equal(1, dupCount)
}
