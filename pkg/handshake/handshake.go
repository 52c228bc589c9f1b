// Package handshake implements the C4 handshake engine: anonymous
// bootstrap for EphemeralConnect sessions (RSA-chunked, pin-verified) and
// authenticated re-handshake for a session recreated from a membership's
// master key.
package handshake

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/ecliptix-labs/channel/pkg/envelope"
	"github.com/ecliptix-labs/channel/pkg/failure"
	"github.com/ecliptix-labs/channel/pkg/keystore"
	"github.com/ecliptix-labs/channel/pkg/pinning"
	"github.com/ecliptix-labs/channel/pkg/ratchet"
	"github.com/ecliptix-labs/channel/pkg/transport"
)

const (
	initialRootKeyInfo = "ecliptix-protocol-root-key"
	bootstrapRSABits   = 2048

	establishChannelRoute = "/establish-channel"
	establishAuthRoute    = "/establish-authenticated-channel"
)

var ErrPinVerificationFailed = pinning.ErrPinVerificationFailed

// AuthenticatedEstablishRequest wraps a membership identifier around the
// client's handshake bundle for the authenticated re-handshake path.
type AuthenticatedEstablishRequest struct {
	MembershipUniqueID string
	ClientPubKeyExchange *ratchet.PubKeyExchange
}

// EstablishAnonymous runs the anonymous bootstrap handshake for an
// EphemeralConnect (or ServerStreaming) session: it RSA-chunk-encrypts
// the local PubKeyExchange under the pinned server key, dials addr over
// rpc, and validates the response's signature before decrypting and
// completing the ratchet's X3DH exchange.
func EstablishAnonymous(
	ctx context.Context,
	rpc transport.RPC,
	addr string,
	connectID uint32,
	exchangeType ratchet.ExchangeType,
	ks *keystore.Keystore,
	pin pinning.Verifier,
	events ratchet.ProtocolEvents,
) (*ratchet.Ratchet, error) {
	r, err := ratchet.New(connectID, exchangeType, ks, events)
	if err != nil {
		return nil, fmt.Errorf("constructing ratchet: %w", err)
	}

	ourBundle, err := r.BeginExchange()
	if err != nil {
		return nil, fmt.Errorf("beginning exchange: %w", err)
	}
	payload, err := json.Marshal(ourBundle)
	if err != nil {
		return nil, fmt.Errorf("marshaling bundle: %w", err)
	}

	clientRSAPriv, err := rsa.GenerateKey(rand.Reader, bootstrapRSABits)
	if err != nil {
		return nil, failure.Wrap(failure.RsaEncryption, "generating ephemeral rsa key", err)
	}

	encrypted, err := envelope.ChunkEncrypt(pin.PinnedRSAPublicKey(), payload)
	if err != nil {
		return nil, failure.Wrap(failure.RsaEncryption, "encrypting bundle", err)
	}

	req := &envelope.BootstrapRequest{
		Metadata:        envelope.BuildMetadata(0, nil, 0, envelope.Request, nil),
		ClientRSAPubDER: x509.MarshalPKCS1PublicKey(&clientRSAPriv.PublicKey),
		EncryptedPayload: encrypted,
	}
	reqBytes, err := envelope.MarshalBootstrapRequest(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling bootstrap request: %w", err)
	}

	respBytes, err := rpc.Unary(ctx, addr+establishChannelRoute, reqBytes)
	if err != nil {
		return nil, failure.Wrap(failure.DataCenterNotResponding, "establish channel", err)
	}
	resp, err := envelope.UnmarshalBootstrapResponse(respBytes)
	if err != nil {
		return nil, failure.Wrap(failure.ProtocolStateMismatch, "parsing bootstrap response", err)
	}

	if !pin.VerifyServerSignature(resp.EncryptedPayload, resp.Signature) {
		return nil, failure.Wrap(failure.RsaEncryption, "verifying server signature", ErrPinVerificationFailed)
	}

	plaintext, err := envelope.ChunkDecrypt(clientRSAPriv, resp.EncryptedPayload)
	if err != nil {
		return nil, failure.Wrap(failure.RsaEncryption, "decrypting bootstrap response", err)
	}

	var peerBundle ratchet.PubKeyExchange
	if err := json.Unmarshal(plaintext, &peerBundle); err != nil {
		return nil, failure.Wrap(failure.ProtocolStateMismatch, "parsing peer bundle", err)
	}

	if err := r.CompleteExchange(&peerBundle); err != nil {
		return nil, failure.Wrap(failure.ProtocolStateMismatch, "completing exchange", err)
	}
	return r, nil
}

// DeriveInitialRootKey computes the authenticated-rehandshake seed root
// key from a membership's master key.
func DeriveInitialRootKey(masterKey []byte) ([]byte, error) {
	root := make([]byte, 32)
	h := hkdf.New(sha256.New, masterKey, nil, []byte(initialRootKeyInfo))
	if _, err := io.ReadFull(h, root); err != nil {
		return nil, fmt.Errorf("deriving initial root key: %w", err)
	}
	return root, nil
}

// EstablishAuthenticated runs the authenticated re-handshake path: it
// assumes ks was already built with keystore.CreateFromMasterKey and
// initialRootKey already derived via DeriveInitialRootKey, then performs
// the unary EstablishAuthenticatedChannel call and completes the
// ratchet's authenticated exchange, which reuses initialRootKey as the
// X3DH seed instead of deriving one locally.
func EstablishAuthenticated(
	ctx context.Context,
	rpc transport.RPC,
	addr string,
	connectID uint32,
	membershipID string,
	ks *keystore.Keystore,
	initialRootKey []byte,
	events ratchet.ProtocolEvents,
) (*ratchet.Ratchet, error) {
	r, err := ratchet.New(connectID, ratchet.EphemeralConnect, ks, events)
	if err != nil {
		return nil, fmt.Errorf("constructing ratchet: %w", err)
	}

	ourBundle, err := r.BeginExchange()
	if err != nil {
		return nil, fmt.Errorf("beginning exchange: %w", err)
	}

	req := &AuthenticatedEstablishRequest{
		MembershipUniqueID:   membershipID,
		ClientPubKeyExchange: ourBundle,
	}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling authenticated request: %w", err)
	}

	respBytes, err := rpc.Unary(ctx, addr+establishAuthRoute, reqBytes)
	if err != nil {
		return nil, failure.Wrap(failure.DataCenterNotResponding, "establish authenticated channel", err)
	}

	var peerBundle ratchet.PubKeyExchange
	if err := json.Unmarshal(respBytes, &peerBundle); err != nil {
		return nil, failure.Wrap(failure.ProtocolStateMismatch, "parsing authenticated response", err)
	}

	if err := r.CompleteAuthenticatedExchange(&peerBundle, initialRootKey); err != nil {
		if errors.Is(err, ratchet.ErrPeerPublicNotSet) {
			return nil, failure.Wrap(failure.CriticalAuthenticationFailure, "completing authenticated exchange", err)
		}
		return nil, failure.Wrap(failure.ProtocolStateMismatch, "completing authenticated exchange", err)
	}
	return r, nil
}
