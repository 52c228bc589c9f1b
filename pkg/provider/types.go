package provider

import (
	"errors"
	"time"

	"github.com/ecliptix-labs/channel/pkg/ratchet"
	"github.com/ecliptix-labs/channel/pkg/retry"
)

// DefaultCultureCode is the fallback locale for UserError messages when a
// caller does not specify one.
const DefaultCultureCode = "en-US"

const (
	defaultOutageRecoveryTimeout = 30 * time.Second
	defaultNetworkChangeThrottle = 500 * time.Millisecond
	defaultFailurePollingInterval = time.Second
)

// ApplicationInstanceSettings configures one provider instance: which
// server to dial, how the identity keystore is sized, and which
// membership scope persisted sessions are written under.
type ApplicationInstanceSettings struct {
	ServerAddr            string
	MembershipID          string
	OneTimeKeyCount       int
	OutageRecoveryTimeout time.Duration
	CultureCode           string
}

func (s ApplicationInstanceSettings) withDefaults() ApplicationInstanceSettings {
	if s.OutageRecoveryTimeout <= 0 {
		s.OutageRecoveryTimeout = defaultOutageRecoveryTimeout
	}
	if s.CultureCode == "" {
		s.CultureCode = DefaultCultureCode
	}
	if s.OneTimeKeyCount <= 0 {
		s.OneTimeKeyCount = 8
	}
	return s
}

// SessionState is the provider's public view of a persisted session: the
// connect id it belongs to and the ratchet snapshot underneath it.
type SessionState struct {
	ConnectID    uint32
	RatchetState *ratchet.State
}

// RetryMode selects whether RestoreChannel registers a pending resume when
// the restore RPC fails. In every mode the RPC itself runs under the retry
// strategy's unbounded restore policy until it succeeds or ctx is
// cancelled, and a retryable failure enters outage.
type RetryMode int

const (
	// RetryModeNone registers no pending resume.
	RetryModeNone RetryMode = iota
	// RetryModeManual registers a pending resume when enablePending is set.
	RetryModeManual
	// RetryModeAutomatic behaves exactly as RetryModeManual.
	RetryModeAutomatic
)

func (m RetryMode) String() string {
	switch m {
	case RetryModeNone:
		return "none"
	case RetryModeManual:
		return "manual"
	case RetryModeAutomatic:
		return "automatic"
	default:
		return "unknown"
	}
}

// Result is the outcome of a unary or stream request: the decrypted
// plaintext (for a stream, the last item received) and, for unary
// requests, the correlation id stamped from the logical call's
// idempotency key. Stream results carry no correlation id.
type Result struct {
	Plaintext     []byte
	CorrelationID string
}

var (
	ErrDuplicateRequest  = errors.New("provider: duplicate in-flight request")
	ErrOutageTimeout     = errors.New("provider: timed out waiting for outage to clear")
	ErrUnknownConnection = errors.New("provider: no session for connect id")
	ErrShuttingDown      = errors.New("provider: provider is shutting down")
)

// serviceRoute maps a ServiceType to its RPC route suffix, for unary and
// stream calls alike.
var serviceRoute = map[retry.ServiceType]string{
	retry.ServiceEstablish:          "/establish-channel",
	retry.ServiceRestore:            "/restore-channel",
	retry.ServiceAuthComplete:       "/establish-authenticated-channel",
	retry.ServiceIdempotentRead:     "/rpc",
	retry.ServiceVerificationStream: "/stream",
}
