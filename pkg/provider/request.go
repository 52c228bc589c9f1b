package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ecliptix-labs/channel/pkg/connectivity"
	"github.com/ecliptix-labs/channel/pkg/envelope"
	"github.com/ecliptix-labs/channel/pkg/failure"
	"github.com/ecliptix-labs/channel/pkg/ratchet"
	"github.com/ecliptix-labs/channel/pkg/retry"
)

const reservedIDRange = 1 << 16 // low range reserved for protocol-internal ids
const minReservedID = reservedIDRange + 1

// RpcRequestContext is the per-attempt wire wrapper around an encrypted
// unary request: a stable idempotency key minted once per logical call,
// plus the attempt number so server-side logs can distinguish retries of
// the same logical operation.
type RpcRequestContext struct {
	IdempotencyKey string
	Attempt        int
	Envelope       *envelope.SecureEnvelope
}

// unaryResponse is the wire wrapper around a unary RPC's encrypted reply.
type unaryResponse struct {
	Envelope *envelope.SecureEnvelope
}

// requestKey builds the dedup key described in the request pipeline:
// hash(connect_id || service_type || prefix(plaintext)), with a fixed
// suffix appended for auth-complete services. The first 64 plaintext
// bytes are part of the key for every service type.
func requestKey(connectID uint32, svc retry.ServiceType, plaintext []byte) string {
	h := sha256.New()
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], connectID)
	h.Write(idBuf[:])
	fmt.Fprintf(h, "%d", svc)

	prefix := plaintext
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	h.Write(prefix)
	if svc == retry.ServiceAuthComplete {
		h.Write([]byte("auth-complete"))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// logicalOperationID derives a stable-yet-unique id from a domain-separated
// semantic string, reduced into the non-reserved id space.
func logicalOperationID(semantic string) uint32 {
	sum := sha256.Sum256([]byte(semantic))
	raw := binary.BigEndian.Uint32(sum[:4])
	reduced := raw % (math.MaxUint32 - reservedIDRange)
	if reduced < minReservedID {
		reduced += minReservedID
	}
	return reduced
}

func isCompleteOp(svc retry.ServiceType) bool {
	return svc == retry.ServiceAuthComplete || svc == retry.ServiceEstablish || svc == retry.ServiceRestore
}

// ExecuteUnary runs the C8 unary request pipeline: dedup, outage wait,
// session lookup, encryption, retried transport call, decryption, and
// outage-clearing on success.
func (p *Provider) ExecuteUnary(
	ctx context.Context, connectID uint32, svc retry.ServiceType, plaintext []byte,
	onComplete func([]byte), allowDuplicates, waitForRecovery bool,
) (Result, error) {
	key := requestKey(connectID, svc, plaintext)
	if !allowDuplicates {
		if _, loaded := p.pendingRequests.LoadOrStore(key, struct{}{}); loaded {
			return Result{}, failure.Wrap(failure.InvalidRequestType, "duplicate in-flight request", ErrDuplicateRequest)
		}
		defer p.pendingRequests.Delete(key)
	}

	if waitForRecovery {
		if err := p.awaitRecovery(ctx); err != nil {
			return Result{}, err
		}
	}

	p.mu.Lock()
	rat, ok := p.sessions[connectID]
	p.mu.Unlock()
	if !ok {
		nf := failure.New(failure.DataCenterNotResponding, "no session for connect id")
		p.connectivity.Apply(connectivity.ServerShutdownIntent{Failure: nf})
		return Result{}, nf
	}

	opID := logicalOperationID(fmt.Sprintf("data:%d:%d:%s", svc, connectID, hex.EncodeToString(plaintext[:min(len(plaintext), 16)])))
	env, err := rat.ProduceOutbound(opID, plaintext)
	if err != nil {
		return Result{}, failure.Wrap(failure.ProtocolStateMismatch, "encrypting request", err)
	}

	idempotencyKey := uuid.New().String()
	attempt := 0
	addr := p.settings.ServerAddr + routeFor(svc)

	op := func(ctx context.Context) (*unaryResponse, error) {
		attempt++
		reqCtx := &RpcRequestContext{IdempotencyKey: idempotencyKey, Attempt: attempt, Envelope: env}
		frame, merr := json.Marshal(reqCtx)
		if merr != nil {
			return nil, merr
		}
		respFrame, rerr := p.rpc.Unary(ctx, addr, frame)
		if rerr != nil {
			if ctx.Err() != nil || errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded) {
				return nil, failure.Wrap(failure.OperationCancelled, "unary rpc cancelled", rerr)
			}
			return nil, failure.Wrap(failure.DataCenterNotResponding, "unary rpc", rerr)
		}
		var resp unaryResponse
		if uerr := json.Unmarshal(respFrame, &resp); uerr != nil {
			return nil, failure.Wrap(failure.ProtocolStateMismatch, "parsing unary response", uerr)
		}
		return &resp, nil
	}

	resp, err := retry.ExecuteRPC(p.retryStrategy, ctx, op, routeFor(svc), connectID, svc, nil)
	if err != nil {
		var nf *failure.NetworkFailure
		if asNetworkFailure(err, &nf) {
			nf = nf.WithUserError(idempotencyKey, nf.Kind.String(), p.cultureMessageKey())
			if isCompleteOp(svc) && isReinitKind(nf.Kind) {
				nf = nf.WithReinit()
			}
			p.handleEstablishFailure(connectID, ratchetExchangeOf(p, connectID), nf, nil)
			return Result{}, nf
		}
		return Result{}, err
	}

	out, err := rat.ProcessInbound(resp.Envelope)
	if err != nil {
		return Result{}, failure.Wrap(failure.ProtocolStateMismatch, "decrypting response", err)
	}
	if onComplete != nil {
		onComplete(out)
	}

	if p.outage.Load() {
		p.exitOutage(ctx, connectID)
	}
	return Result{Plaintext: out, CorrelationID: idempotencyKey}, nil
}

// ExecuteReceiveStream mirrors ExecuteUnary's framing but opens an
// inbound stream: the first decrypted item marks the stream (and, if the
// provider was recovering, the connection) successful.
func (p *Provider) ExecuteReceiveStream(
	ctx context.Context, connectID uint32, svc retry.ServiceType, plaintext []byte,
	onItem func([]byte), allowDuplicates bool,
) (Result, error) {
	key := requestKey(connectID, svc, plaintext)
	if !allowDuplicates {
		if _, loaded := p.pendingRequests.LoadOrStore(key, struct{}{}); loaded {
			return Result{}, failure.Wrap(failure.InvalidRequestType, "duplicate in-flight request", ErrDuplicateRequest)
		}
		defer p.pendingRequests.Delete(key)
	}

	p.mu.Lock()
	rat, ok := p.sessions[connectID]
	p.mu.Unlock()
	if !ok {
		nf := failure.New(failure.DataCenterNotResponding, "no session for connect id")
		p.connectivity.Apply(connectivity.ServerShutdownIntent{Failure: nf})
		return Result{}, nf
	}

	streamCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.streamCancel[connectID] = cancel
	p.mu.Unlock()
	defer cancel()

	opID := logicalOperationID(fmt.Sprintf("stream:%d:%d:%d:%s", svc, connectID, time.Now().UnixNano(), hex.EncodeToString(plaintext[:min(len(plaintext), 16)])))
	env, err := rat.ProduceOutbound(opID, plaintext)
	if err != nil {
		return Result{}, failure.Wrap(failure.ProtocolStateMismatch, "encrypting stream request", err)
	}
	frame, err := json.Marshal(&RpcRequestContext{IdempotencyKey: uuid.New().String(), Attempt: 1, Envelope: env})
	if err != nil {
		return Result{}, err
	}

	addr := p.settings.ServerAddr + routeFor(svc)
	items, errs, err := p.rpc.ReceiveStream(streamCtx, addr, frame)
	if err != nil {
		nf := failure.Wrap(failure.DataCenterNotResponding, "receive stream rpc", err)
		p.handleEstablishFailure(connectID, ratchetExchangeOf(p, connectID), nf, nil)
		return Result{}, nf
	}

	var last []byte
	first := true
	for {
		select {
		case <-streamCtx.Done():
			return Result{}, failure.Wrap(failure.OperationCancelled, "receive stream cancelled", context.Cause(streamCtx))
		case frameBytes, ok := <-items:
			if !ok {
				return Result{Plaintext: last}, nil
			}
			var resp unaryResponse
			if err := json.Unmarshal(frameBytes, &resp); err != nil {
				return Result{}, failure.Wrap(failure.ProtocolStateMismatch, "parsing stream item", err)
			}
			out, err := rat.ProcessInbound(resp.Envelope)
			if err != nil {
				return Result{}, failure.Wrap(failure.ProtocolStateMismatch, "decrypting stream item", err)
			}
			last = out
			if first {
				first = false
				if p.outage.Load() {
					p.exitOutage(streamCtx, connectID)
				}
			}
			if onItem != nil {
				onItem(out)
			}
		case err := <-errs:
			if err != nil {
				return Result{}, failure.Wrap(failure.DataCenterNotResponding, "stream error", err)
			}
		}
	}
}

func (p *Provider) awaitRecovery(ctx context.Context) error {
	if !p.outage.Load() {
		return nil
	}
	p.mu.Lock()
	timeout := p.settings.withDefaults().OutageRecoveryTimeout
	p.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-p.outageGate.Wait(waitCtx):
		return nil
	case <-p.shutdownCtx.Done():
		return failure.Wrap(failure.OperationCancelled, "provider is shutting down", ErrShuttingDown)
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return failure.Wrap(failure.OperationCancelled, "recovery wait cancelled", ctx.Err())
		}
		return failure.Wrap(failure.DataCenterNotResponding, "timed out waiting for outage to clear", ErrOutageTimeout)
	}
}

func routeFor(svc retry.ServiceType) string {
	if route, ok := serviceRoute[svc]; ok {
		return route
	}
	return "/rpc"
}

func isReinitKind(kind failure.Kind) bool {
	return kind == failure.DataCenterNotResponding || kind == failure.DataCenterShutdown || kind == failure.ProtocolStateMismatch
}

func (p *Provider) cultureMessageKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings.withDefaults().CultureCode
}

func ratchetExchangeOf(p *Provider, connectID uint32) ratchet.ExchangeType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeType[connectID]
}
