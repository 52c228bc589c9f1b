package handshake_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/channel/pkg/attest"
	"github.com/ecliptix-labs/channel/pkg/envelope"
	"github.com/ecliptix-labs/channel/pkg/failure"
	"github.com/ecliptix-labs/channel/pkg/handshake"
	"github.com/ecliptix-labs/channel/pkg/keystore"
	"github.com/ecliptix-labs/channel/pkg/pinning"
	"github.com/ecliptix-labs/channel/pkg/ratchet"
	"github.com/ecliptix-labs/channel/pkg/transport"
)

// fakeServer stands in for the network provider's server side of the
// bootstrap handshake: it holds the pinned RSA decryption key and the
// signing identity the client's pinning.Verifier checks against.
type fakeServer struct {
	rsaPriv    *rsa.PrivateKey
	signer     attest.Attest
	serverKS   *keystore.Keystore
	respondBad bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := attest.NewEd25519()
	require.NoError(t, err)
	ks, err := keystore.Create(1)
	require.NoError(t, err)
	return &fakeServer{rsaPriv: rsaPriv, signer: signer, serverKS: ks}
}

func (s *fakeServer) verifier() pinning.Verifier {
	return pinning.NewDefault(s.signer.PublicKey(), &s.rsaPriv.PublicKey)
}

func (s *fakeServer) handleBootstrap(_ context.Context, frame []byte) ([]byte, error) {
	req, err := envelope.UnmarshalBootstrapRequest(frame)
	if err != nil {
		return nil, err
	}
	plaintext, err := envelope.ChunkDecrypt(s.rsaPriv, req.EncryptedPayload)
	if err != nil {
		return nil, err
	}
	var clientBundle ratchet.PubKeyExchange
	if err := json.Unmarshal(plaintext, &clientBundle); err != nil {
		return nil, err
	}

	serverRatchet, err := ratchet.New(1, ratchet.EphemeralConnect, s.serverKS, ratchet.NoopEvents{})
	if err != nil {
		return nil, err
	}
	serverBundle, err := serverRatchet.BeginExchange()
	if err != nil {
		return nil, err
	}
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
	if s.respondBad {
		encrypted[0] ^= 0xFF
	}
	sig, err := s.signer.Sign(encrypted, nil)
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

func TestEstablishAnonymous_Success(t *testing.T) {
	r := require.New(t)
	srv := newFakeServer(t)

	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-channel", srv.handleBootstrap)

	clientKS, err := keystore.Create(1)
	r.NoError(err)

	rat, err := handshake.EstablishAnonymous(
		context.Background(), fake, "peer", 1,
		ratchet.EphemeralConnect, clientKS, srv.verifier(), ratchet.NoopEvents{},
	)
	r.NoError(err)
	r.NotNil(rat)
}

func TestEstablishAnonymous_CorruptedPayloadFailsDecrypt(t *testing.T) {
	r := require.New(t)
	srv := newFakeServer(t)
	srv.respondBad = true

	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-channel", srv.handleBootstrap)

	clientKS, err := keystore.Create(1)
	r.NoError(err)

	_, err = handshake.EstablishAnonymous(
		context.Background(), fake, "peer", 1,
		ratchet.EphemeralConnect, clientKS, srv.verifier(), ratchet.NoopEvents{},
	)
	r.Error(err)
	var nf *failure.NetworkFailure
	r.ErrorAs(err, &nf)
	r.Equal(failure.RsaEncryption, nf.Kind)
}

func TestEstablishAnonymous_WrongPinnedKeyFailsPinVerification(t *testing.T) {
	r := require.New(t)
	srv := newFakeServer(t)

	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-channel", srv.handleBootstrap)

	clientKS, err := keystore.Create(1)
	r.NoError(err)

	otherSigner, err := attest.NewEd25519()
	r.NoError(err)
	wrongVerifier := pinning.NewDefault(otherSigner.PublicKey(), &srv.rsaPriv.PublicKey)

	_, err = handshake.EstablishAnonymous(
		context.Background(), fake, "peer", 1,
		ratchet.EphemeralConnect, clientKS, wrongVerifier, ratchet.NoopEvents{},
	)
	r.Error(err)
	var nf *failure.NetworkFailure
	r.ErrorAs(err, &nf)
	r.Equal(failure.RsaEncryption, nf.Kind)
}

func TestEstablishAuthenticated_Success(t *testing.T) {
	r := require.New(t)

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	r.NoError(err)
	membershipID := "member-1"

	initialRoot, err := handshake.DeriveInitialRootKey(masterKey)
	r.NoError(err)
	r.Len(initialRoot, 32)

	clientKS, err := keystore.CreateFromMasterKey(masterKey, []byte(membershipID), 1)
	r.NoError(err)
	serverKS, err := keystore.CreateFromMasterKey(masterKey, []byte(membershipID), 1)
	r.NoError(err)

	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-authenticated-channel", func(_ context.Context, frame []byte) ([]byte, error) {
		var req handshake.AuthenticatedEstablishRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			return nil, err
		}
		serverRatchet, err := ratchet.New(1, ratchet.EphemeralConnect, serverKS, ratchet.NoopEvents{})
		if err != nil {
			return nil, err
		}
		serverBundle, err := serverRatchet.BeginExchange()
		if err != nil {
			return nil, err
		}
		if err := serverRatchet.CompleteAuthenticatedExchange(req.ClientPubKeyExchange, initialRoot); err != nil {
			return nil, err
		}
		return json.Marshal(serverBundle)
	})

	rat, err := handshake.EstablishAuthenticated(
		context.Background(), fake, "peer", 1, membershipID, clientKS, initialRoot, ratchet.NoopEvents{},
	)
	r.NoError(err)
	r.NotNil(rat)
}

func TestEstablishAuthenticated_MalformedPeerBundleFailsProtocolMismatch(t *testing.T) {
	r := require.New(t)

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	r.NoError(err)
	membershipID := "member-2"

	initialRoot, err := handshake.DeriveInitialRootKey(masterKey)
	r.NoError(err)

	clientKS, err := keystore.CreateFromMasterKey(masterKey, []byte(membershipID), 1)
	r.NoError(err)

	fake := transport.NewFakeRPC()
	fake.HandleUnary("peer/establish-authenticated-channel", func(_ context.Context, _ []byte) ([]byte, error) {
		// An empty InitialDHPub is not a valid curve point, so completing
		// the exchange against it must fail rather than silently seed a
		// bogus session.
		return json.Marshal(&ratchet.PubKeyExchange{})
	})

	_, err = handshake.EstablishAuthenticated(
		context.Background(), fake, "peer", 1, membershipID, clientKS, initialRoot, ratchet.NoopEvents{},
	)
	r.Error(err)
	var nf *failure.NetworkFailure
	r.ErrorAs(err, &nf)
	r.Equal(failure.ProtocolStateMismatch, nf.Kind)
}

func TestDeriveInitialRootKey_Deterministic(t *testing.T) {
	r := require.New(t)
	masterKey := []byte("a fixed master key for this test")

	k1, err := handshake.DeriveInitialRootKey(masterKey)
	r.NoError(err)
	k2, err := handshake.DeriveInitialRootKey(masterKey)
	r.NoError(err)
	r.Equal(k1, k2)
	r.Len(k1, 32)
}
