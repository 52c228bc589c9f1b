package provider

import "github.com/ecliptix-labs/channel/pkg/ratchet"

// OnRatchetPerformed satisfies ratchet.ProtocolEvents: a DH ratchet step
// just advanced connectID's sending or receiving chain, so the session is
// due for a fresh persisted snapshot.
func (p *Provider) OnRatchetPerformed(connectID uint32, isSending bool, newIndex uint32) {
	p.schedulePersist(connectID)
}

// OnChainSynchronized satisfies ratchet.ProtocolEvents: RestoreChannel's
// SyncWithRemote just reconciled chain lengths against the server.
func (p *Provider) OnChainSynchronized(connectID uint32, localLen, remoteLen uint32) {
	p.schedulePersist(connectID)
}

// OnMessageProcessed satisfies ratchet.ProtocolEvents. Message-level
// processing alone does not warrant a persisted write (only ratchet steps
// and chain syncs do, per the persistence policy), so this is a no-op
// beyond what OnRatchetPerformed already schedules.
func (p *Provider) OnMessageProcessed(connectID uint32, isSending bool, index uint32) {}

// schedulePersist looks up connectID's current ratchet and, if it exists
// and the exchange type is durable (not ServerStreaming), enqueues a
// fire-and-forget persistence write. Never blocks the caller's hot path.
func (p *Provider) schedulePersist(connectID uint32) {
	p.mu.Lock()
	rat, ok := p.sessions[connectID]
	shuttingDown := p.shutdownCtx.Err() != nil
	p.mu.Unlock()
	if !ok || shuttingDown {
		return
	}

	state, err := rat.Save()
	if err != nil {
		p.log.Warn("capturing ratchet state for persistence failed", "connect_id", connectID, "error", err)
		return
	}
	if state.ExchangeType == ratchet.ServerStreaming {
		return
	}

	select {
	case p.persist <- persistJob{connectID: connectID, state: state}:
	default:
		p.log.Warn("persistence queue full, dropping write", "connect_id", connectID)
	}
}

// persistLoop is the single consumer of persistence jobs: it runs for the
// lifetime of the Provider, writing each job to the session store. This
// matches the teacher's own never-block-a-hot-path-on-db.Update discipline
// with a dedicated background writer instead of a synchronous call.
func (p *Provider) persistLoop() {
	for job := range p.persist {
		p.mu.Lock()
		membershipID := p.settings.MembershipID
		store := p.store
		p.mu.Unlock()
		if store == nil {
			continue
		}
		if err := store.Save(membershipID, job.connectID, job.state); err != nil {
			p.log.Warn("persisting session failed", "connect_id", job.connectID, "error", err)
		}
	}
}

// persistNow performs a synchronous persistence write and returns the
// resulting SessionState, used right after a handshake completes so the
// caller gets back a state it can immediately act on (e.g. hand to another
// process) rather than racing the background writer on the very first
// write for a connect id.
func (p *Provider) persistNow(connectID uint32, rat *ratchet.Ratchet) (*SessionState, error) {
	state, err := rat.Save()
	if err != nil {
		return nil, err
	}
	if state.ExchangeType != ratchet.ServerStreaming {
		p.mu.Lock()
		membershipID := p.settings.MembershipID
		store := p.store
		p.mu.Unlock()
		if store != nil {
			if err := store.Save(membershipID, connectID, state); err != nil {
				return nil, err
			}
		}
	}
	return &SessionState{ConnectID: connectID, RatchetState: state}, nil
}
