package ratchet

import "time"

// ExchangeType selects the ratchet cadence policy for a session.
type ExchangeType int

const (
	// EphemeralConnect is the default, persisted exchange type.
	EphemeralConnect ExchangeType = iota
	// ServerStreaming trades persistence for a much more aggressive DH
	// ratchet cadence; never written to storage.
	ServerStreaming
)

func (e ExchangeType) String() string {
	switch e {
	case EphemeralConnect:
		return "ephemeral_connect"
	case ServerStreaming:
		return "server_streaming"
	default:
		return "unknown"
	}
}

// Policy configures when a DH ratchet step is due and how large the
// skipped-message window is allowed to grow.
type Policy struct {
	DHRatchetEveryNMessages   uint32
	MaxChainAge               time.Duration
	MaxMessagesWithoutRatchet uint32
	MemoryOnly                bool
}

// DefaultPolicy returns the policy for an exchange type, per the spec's
// component design table.
func DefaultPolicy(exchangeType ExchangeType) Policy {
	switch exchangeType {
	case ServerStreaming:
		return Policy{
			DHRatchetEveryNMessages:   20,
			MaxChainAge:               5 * time.Minute,
			MaxMessagesWithoutRatchet: 100,
			MemoryOnly:                true,
		}
	default:
		return Policy{
			DHRatchetEveryNMessages:   1,
			MaxChainAge:               30 * time.Minute,
			MaxMessagesWithoutRatchet: 8,
			MemoryOnly:                false,
		}
	}
}
