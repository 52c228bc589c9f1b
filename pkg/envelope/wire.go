package envelope

import "encoding/json"

// BootstrapRequest is the anonymous-bootstrap wire request: the client's
// PubKeyExchange, RSA-chunk-encrypted under the server's pinned public
// key, alongside the client's own ephemeral RSA public key (DER-encoded)
// so the server can chunk-encrypt its response back to a key only this
// client holds the private half of.
type BootstrapRequest struct {
	Metadata         EnvelopeMetadata
	ClientRSAPubDER  []byte
	EncryptedPayload []byte
}

// BootstrapResponse is the anonymous-bootstrap wire response: the
// server's PubKeyExchange, RSA-chunk-encrypted under the client's
// ephemeral public key from the request, signed over the encrypted
// bytes with the server's pinned identity key so the client can
// authenticate the response without needing to decrypt it first.
type BootstrapResponse struct {
	Metadata         EnvelopeMetadata
	EncryptedPayload []byte
	Signature        []byte
}

// The Marshal*/Unmarshal* helpers below encode each wire type as JSON
// with encoding/json's default struct encoding (field names as declared).

func MarshalSecureEnvelope(e *SecureEnvelope) ([]byte, error) {
	return json.Marshal(&struct {
		Metadata          EnvelopeMetadata
		EncryptedPayload  []byte
		AuthenticationTag []byte
	}{e.Metadata, e.EncryptedPayload, e.AuthenticationTag})
}

func UnmarshalSecureEnvelope(data []byte) (*SecureEnvelope, error) {
	var wire struct {
		Metadata          EnvelopeMetadata
		EncryptedPayload  []byte
		AuthenticationTag []byte
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, wire.EncryptedPayload...), wire.AuthenticationTag...)
	env := BuildEnvelope(wire.Metadata, sealed)
	return env, nil
}

func MarshalBootstrapRequest(r *BootstrapRequest) ([]byte, error) { return json.Marshal(r) }

func UnmarshalBootstrapRequest(data []byte) (*BootstrapRequest, error) {
	var r BootstrapRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func MarshalBootstrapResponse(r *BootstrapResponse) ([]byte, error) { return json.Marshal(r) }

func UnmarshalBootstrapResponse(data []byte) (*BootstrapResponse, error) {
	var r BootstrapResponse
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
