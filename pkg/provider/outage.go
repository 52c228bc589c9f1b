package provider

import (
	"context"
	"sync"

	"github.com/ecliptix-labs/channel/pkg/connectivity"
	"github.com/ecliptix-labs/channel/pkg/failure"
)

// gate is a one-shot completion signal that can be rearmed: waiters block
// on the current channel until Complete closes it, after which Reset swaps
// in a fresh channel for the next outage cycle.
type gate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{})}
	close(g.ch) // starts completed: no outage in progress yet
	return g
}

// Reset arms a fresh, open one-shot, called when an outage begins.
func (g *gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ch = make(chan struct{})
}

// Complete closes the current one-shot, releasing every waiter, called
// when an outage clears.
func (g *gate) Complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// Wait returns the current one-shot channel, which is closed when the
// one-shot completes. It does not block and does not use ctx; callers
// select on the channel alongside their own ctx and timeout.
func (g *gate) Wait(ctx context.Context) <-chan struct{} {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	return ch
}

// beginRecovery transitions Clear -> Active: CAS 0->1, resets the one-shot,
// publishes Recovering, and ensures a recovery cancel source exists.
// Returns false if an outage was already active.
func (p *Provider) beginRecovery(connectID uint32, nf *failure.NetworkFailure) bool {
	if !p.outage.CompareAndSwap(false, true) {
		return false
	}
	p.outageGate.Reset()

	p.mu.Lock()
	if p.recoveryCancel == nil {
		_, cancel := context.WithCancel(p.shutdownCtx)
		p.recoveryCancel = cancel
	}
	p.mu.Unlock()

	p.connectivity.Apply(connectivity.RecoveringIntent{Failure: nf})
	return true
}

// exitOutage transitions Active -> Clear: CAS 1->0, cancels the recovery
// source, completes the one-shot, publishes Connected, and replays every
// pending resume via C7.
func (p *Provider) exitOutage(ctx context.Context, connectID uint32) {
	if !p.outage.CompareAndSwap(true, false) {
		return
	}

	p.mu.Lock()
	if p.recoveryCancel != nil {
		p.recoveryCancel()
		p.recoveryCancel = nil
	}
	p.mu.Unlock()

	p.outageGate.Complete()
	p.retryStrategy.MarkConnectionHealthy(connectID)
	p.connectivity.Apply(connectivity.ConnectedIntent{ConnectID: connectID})

	go func() {
		if err := p.pending.RetryAll(ctx); err != nil {
			p.log.Warn("pending retry-all failed while exiting outage", "error", err)
		}
	}()
}

// queuePending registers a resume closure under key for a retryable
// establish/restore failure, keeping the connection Active until the
// resume itself succeeds.
func (p *Provider) queuePending(key string, resume func(context.Context) error) {
	p.pending.Register(key, resume)
}
