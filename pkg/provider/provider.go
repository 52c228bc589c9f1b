// Package provider implements the network provider (C8): the top-level
// orchestrator that owns every session's ratchet, drives the handshake and
// restore flows, and fronts the request pipeline the rest of the
// application calls through. It composes every other package in this
// module the way the teacher's own kamune.Kamune type composes its
// storage, session manager, and attester collaborators.
package provider

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ecliptix-labs/channel/pkg/connectivity"
	"github.com/ecliptix-labs/channel/pkg/failure"
	"github.com/ecliptix-labs/channel/pkg/handshake"
	"github.com/ecliptix-labs/channel/pkg/keystore"
	"github.com/ecliptix-labs/channel/pkg/pending"
	"github.com/ecliptix-labs/channel/pkg/pinning"
	"github.com/ecliptix-labs/channel/pkg/ratchet"
	"github.com/ecliptix-labs/channel/pkg/retry"
	"github.com/ecliptix-labs/channel/pkg/session"
	"github.com/ecliptix-labs/channel/pkg/transport"
)

// restoreStatus is the wire status byte of a RestoreChannelResponse.
type restoreStatus byte

const (
	restoreStatusNotFound restoreStatus = 0
	restoreStatusRestored restoreStatus = 1
)

// Provider is the C8 network provider. Build one with New; call Dispose
// exactly once when finished with it.
type Provider struct {
	mu       sync.Mutex
	settings ApplicationInstanceSettings

	rpc   transport.RPC
	store *session.Store
	ks    *keystore.Keystore
	pin   pinning.Verifier

	sessions     map[uint32]*ratchet.Ratchet
	exchangeType map[uint32]ratchet.ExchangeType // the exchangeRegistry
	streamCancel map[uint32]context.CancelFunc
	requestCancel map[string]context.CancelFunc
	connGates    map[uint32]chan struct{}

	outage     atomic.Bool
	outageGate *gate

	pendingRequests sync.Map // request_key -> struct{}, CAS dedup

	connectivity  *connectivity.FSM
	retryStrategy *retry.Strategy
	pending       *pending.Manager
	log           *slog.Logger

	recoveryCancel context.CancelFunc
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	persist chan persistJob
}

type persistJob struct {
	connectID uint32
	state     *ratchet.State
}

// New constructs an idle Provider. rpc is the transport collaborator;
// store persists non-ServerStreaming sessions; ks is the local identity
// keystore; pin verifies the anonymous-bootstrap server signature.
func New(rpc transport.RPC, store *session.Store, ks *keystore.Keystore, pin pinning.Verifier, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		rpc:           rpc,
		store:         store,
		ks:            ks,
		pin:           pin,
		sessions:      make(map[uint32]*ratchet.Ratchet),
		exchangeType:  make(map[uint32]ratchet.ExchangeType),
		streamCancel:  make(map[uint32]context.CancelFunc),
		requestCancel: make(map[string]context.CancelFunc),
		connGates:     make(map[uint32]chan struct{}),
		outageGate:    newGate(),
		connectivity:  connectivity.New(),
		retryStrategy: retry.New(),
		pending:       pending.New(log),
		log:           log,
		shutdownCtx:   ctx,
		shutdownCancel: cancel,
		persist:       make(chan persistJob, 64),
	}
	go p.persistLoop()
	return p
}

// Connectivity exposes the connectivity FSM so callers can subscribe to
// status snapshots.
func (p *Provider) Connectivity() *connectivity.FSM { return p.connectivity }

// HasConnection reports whether connectID currently has an installed
// ratchet session.
func (p *Provider) HasConnection(connectID uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[connectID]
	return ok
}

// IsRecovering reports whether the outage flag is currently active.
func (p *Provider) IsRecovering() bool { return p.outage.Load() }

// InitiateProtocolSystem installs an unconnected session slot for
// connectID under settings, recording the exchange-type registry entry
// used later to resolve connectID back to an ExchangeType.
func (p *Provider) InitiateProtocolSystem(settings ApplicationInstanceSettings, connectID uint32) error {
	settings = settings.withDefaults()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = settings
	p.exchangeType[connectID] = ratchet.EphemeralConnect
	p.connGates[connectID] = make(chan struct{}, 1)
	p.connGates[connectID] <- struct{}{}
	return nil
}

// EnsureProtocolForType idempotently mints (or returns) the connect id
// registered for exchangeType; streaming callers use this rather than
// minting a fresh connect id per call.
func (p *Provider) EnsureProtocolForType(exchangeType ratchet.ExchangeType) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, et := range p.exchangeType {
		if et == exchangeType {
			return id, nil
		}
	}
	id := uint32(len(p.exchangeType) + 1)
	p.exchangeType[id] = exchangeType
	p.connGates[id] = make(chan struct{}, 1)
	p.connGates[id] <- struct{}{}
	return id, nil
}

// EstablishChannel runs the anonymous bootstrap handshake for connectID
// and, on success, installs the resulting ratchet and persists it.
func (p *Provider) EstablishChannel(ctx context.Context, connectID uint32) (*SessionState, error) {
	p.mu.Lock()
	settings := p.settings
	exchangeType := p.exchangeType[connectID]
	p.mu.Unlock()

	op := func(ctx context.Context) (*ratchet.Ratchet, error) {
		return handshake.EstablishAnonymous(
			ctx, p.rpc, settings.ServerAddr, connectID, exchangeType, p.ks, p.pin, p,
		)
	}
	rat, err := retry.ExecuteRPC(p.retryStrategy, ctx, op, "establish_channel", connectID, retry.ServiceEstablish, nil)
	if err != nil {
		p.handleEstablishFailure(connectID, exchangeType, err, op)
		return nil, err
	}

	p.mu.Lock()
	p.sessions[connectID] = rat
	p.mu.Unlock()

	p.connectivity.Apply(connectivity.ConnectedIntent{ConnectID: connectID})
	state, perr := p.persistNow(connectID, rat)
	if perr != nil {
		return nil, perr
	}
	return state, nil
}

// RecreateWithMasterKey rebuilds the identity keystore deterministically
// from masterKey and runs the authenticated re-handshake path for
// connectID, replacing any existing session for that id.
func (p *Provider) RecreateWithMasterKey(ctx context.Context, masterKey, membershipID []byte, connectID uint32) error {
	root, err := handshake.DeriveInitialRootKey(masterKey)
	if err != nil {
		return fmt.Errorf("deriving initial root key: %w", err)
	}
	ks, err := keystore.CreateFromMasterKey(masterKey, membershipID, p.settingsOneTimeKeyCount())
	if err != nil {
		return fmt.Errorf("rebuilding keystore from master key: %w", err)
	}

	p.mu.Lock()
	p.ks = ks
	settings := p.settings
	p.mu.Unlock()

	op := func(ctx context.Context) (*ratchet.Ratchet, error) {
		return handshake.EstablishAuthenticated(
			ctx, p.rpc, settings.ServerAddr, connectID, string(membershipID), ks, root, p,
		)
	}
	rat, err := retry.ExecuteRPC(p.retryStrategy, ctx, op, "establish_authenticated_channel", connectID, retry.ServiceAuthComplete, nil)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.sessions[connectID] = rat
	p.exchangeType[connectID] = ratchet.EphemeralConnect
	p.mu.Unlock()

	p.connectivity.Apply(connectivity.ConnectedIntent{ConnectID: connectID})
	_, err = p.persistNow(connectID, rat)
	return err
}

func (p *Provider) settingsOneTimeKeyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.withDefaults().OneTimeKeyCount
}

// TryRestore attempts to reload a persisted session for connectID and
// reinstall it without re-running the handshake.
func (p *Provider) TryRestore(ctx context.Context, connectID uint32) (bool, error) {
	p.mu.Lock()
	membershipID := p.settings.MembershipID
	events := ratchet.ProtocolEvents(p)
	ks := p.ks
	p.mu.Unlock()

	state, _, err := p.store.Load(membershipID, connectID)
	if err != nil {
		return false, nil
	}
	rat, err := ratchet.Restore(state, ks, events)
	if err != nil {
		return false, fmt.Errorf("restoring ratchet: %w", err)
	}

	p.mu.Lock()
	p.sessions[connectID] = rat
	p.exchangeType[connectID] = state.ExchangeType
	p.mu.Unlock()
	return true, nil
}

// RestoreChannel reconstructs connectID's ratchet from the persisted state
// and synchronizes chain lengths against the server. If the server
// reports SessionNotFound, it transparently falls back to
// EstablishChannel and reports restoration as unsuccessful, matching the
// stale/unknown-session scenario.
func (p *Provider) RestoreChannel(
	ctx context.Context, state *SessionState, settings ApplicationInstanceSettings, retryMode RetryMode, enablePending bool,
) (bool, error) {
	settings = settings.withDefaults()
	p.mu.Lock()
	p.settings = settings
	ks := p.ks
	p.mu.Unlock()

	if state == nil || state.RatchetState == nil {
		return false, failure.New(failure.InvalidRequestType, "restore_channel: nil session state")
	}

	rat, err := ratchet.Restore(state.RatchetState, ks, p)
	if err != nil {
		return false, failure.Wrap(failure.ProtocolStateMismatch, "restoring ratchet", err)
	}

	op := func(ctx context.Context) (restoreResponse, error) {
		return p.callRestoreRPC(ctx, state.ConnectID)
	}

	resp, err := retry.ExecuteRPC(p.retryStrategy, ctx, op, "restore_channel", state.ConnectID, retry.ServiceRestore, nil)
	if err != nil {
		if retryMode != RetryModeNone && enablePending {
			p.queuePending(fmt.Sprintf("secrecy-channel-restore:%d", state.ConnectID), func(ctx context.Context) error {
				_, rerr := p.RestoreChannel(ctx, state, settings, retryMode, false)
				return rerr
			})
		}
		p.handleEstablishFailure(state.ConnectID, state.RatchetState.ExchangeType, err, nil)
		return false, err
	}

	if resp.status == restoreStatusNotFound {
		_, estErr := p.EstablishChannel(ctx, state.ConnectID)
		return false, estErr
	}

	if err := rat.SyncWithRemote(resp.sendLen, resp.recvLen); err != nil {
		return false, failure.Wrap(failure.ProtocolStateMismatch, "syncing restored ratchet", err)
	}

	p.mu.Lock()
	p.sessions[state.ConnectID] = rat
	p.exchangeType[state.ConnectID] = state.RatchetState.ExchangeType
	p.mu.Unlock()

	p.connectivity.Apply(connectivity.ConnectedIntent{ConnectID: state.ConnectID})
	return true, nil
}

// restoreResponse is the parsed RestoreChannelResponse (SPEC_FULL.md §6):
// a status byte followed by the server's sending/receiving chain lengths.
type restoreResponse struct {
	status  restoreStatus
	sendLen uint32
	recvLen uint32
}

// callRestoreRPC sends an empty RestoreChannelRequest and parses the
// byte-exact RestoreChannelResponse: 1 status byte, then big-endian
// sending and receiving chain lengths.
func (p *Provider) callRestoreRPC(ctx context.Context, connectID uint32) (restoreResponse, error) {
	addr := p.settings.ServerAddr + serviceRoute[retry.ServiceRestore]
	resp, err := p.rpc.Unary(ctx, addr, nil)
	if err != nil {
		return restoreResponse{}, failure.Wrap(failure.DataCenterNotResponding, "restore_channel rpc", err)
	}
	if len(resp) < 9 {
		return restoreResponse{}, failure.New(failure.ProtocolStateMismatch, "restore_channel: short response")
	}
	return restoreResponse{
		status:  restoreStatus(resp[0]),
		sendLen: binary.BigEndian.Uint32(resp[1:5]),
		recvLen: binary.BigEndian.Uint32(resp[5:9]),
	}, nil
}

// handleEstablishFailure implements the Active transition of the outage
// FSM for establish/restore failures: retryable kinds enter recovery and
// (if resume is non-nil) register a pending resume closure.
func (p *Provider) handleEstablishFailure(connectID uint32, exchangeType ratchet.ExchangeType, err error, op func(context.Context) (*ratchet.Ratchet, error)) {
	var nf *failure.NetworkFailure
	if !asNetworkFailure(err, &nf) {
		return
	}
	if !nf.Retryable() {
		return
	}
	p.beginRecovery(connectID, nf)
	if op != nil {
		p.queuePending(fmt.Sprintf("secrecy-channel:%d:%s", connectID, exchangeType), func(ctx context.Context) error {
			_, rerr := op(ctx)
			return rerr
		})
	}
}

func asNetworkFailure(err error, target **failure.NetworkFailure) bool {
	for err != nil {
		if nf, ok := err.(*failure.NetworkFailure); ok {
			*target = nf
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ForceFreshConnection clears the primary (EphemeralConnect) connect id's
// session and re-establishes it from scratch. Sessions of other connect
// ids are left in place.
func (p *Provider) ForceFreshConnection(ctx context.Context) (Result, error) {
	p.mu.Lock()
	var primary uint32
	for id, et := range p.exchangeType {
		if et == ratchet.EphemeralConnect {
			primary = id
			break
		}
	}
	p.mu.Unlock()

	p.ClearConnection(primary)
	settings := p.settings
	if err := p.InitiateProtocolSystem(settings, primary); err != nil {
		return Result{}, err
	}
	state, err := p.EstablishChannel(ctx, primary)
	if err != nil {
		return Result{}, err
	}
	return Result{Plaintext: nil, CorrelationID: fmt.Sprintf("connect:%d", state.ConnectID)}, nil
}

// CleanupStream cancels and forgets a receive-stream's cancellation token
// for connectID without tearing down the underlying session.
func (p *Provider) CleanupStream(connectID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.streamCancel[connectID]; ok {
		cancel()
		delete(p.streamCancel, connectID)
	}
}

// ClearConnection tears down connectID's in-memory session and persisted
// state entirely.
func (p *Provider) ClearConnection(connectID uint32) {
	p.CleanupStream(connectID)

	p.mu.Lock()
	delete(p.sessions, connectID)
	membershipID := p.settings.MembershipID
	p.mu.Unlock()

	if p.store != nil {
		_ = p.store.Delete(membershipID, connectID)
	}
}

// Dispose cancels every outstanding stream/request/recovery context and
// completes the outage one-shot with a shutdown signal. Safe to call once;
// a second call is a no-op. The persistence worker goroutine checks
// shutdownCtx on every schedulePersist call and simply stops being fed;
// it is not force-closed here to avoid a send-on-closed-channel race
// against a schedulePersist call already in flight.
func (p *Provider) Dispose() {
	p.shutdownCancel()

	p.mu.Lock()
	for _, cancel := range p.streamCancel {
		cancel()
	}
	for _, cancel := range p.requestCancel {
		cancel()
	}
	if p.recoveryCancel != nil {
		p.recoveryCancel()
	}
	p.mu.Unlock()

	p.outageGate.Complete()
	p.connectivity.Apply(connectivity.ShutdownIntent{})
}
