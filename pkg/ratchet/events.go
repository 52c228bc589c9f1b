package ratchet

// ProtocolEvents is the capability trait a Ratchet reports transitions to.
// The provider (C8) implements this to drive persistence and chain
// synchronization notifications; it is never a global callback registry.
type ProtocolEvents interface {
	OnRatchetPerformed(connectID uint32, isSending bool, newIndex uint32)
	OnChainSynchronized(connectID uint32, localLen, remoteLen uint32)
	OnMessageProcessed(connectID uint32, isSending bool, index uint32)
}

// NoopEvents discards every notification; useful for tests and for
// ServerStreaming callers that opt out of event wiring.
type NoopEvents struct{}

func (NoopEvents) OnRatchetPerformed(uint32, bool, uint32)   {}
func (NoopEvents) OnChainSynchronized(uint32, uint32, uint32) {}
func (NoopEvents) OnMessageProcessed(uint32, bool, uint32)    {}
