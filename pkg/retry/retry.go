// Package retry implements the provider's retry strategy (C6): bounded
// exponential backoff per service type, with an "exhausted" latch that
// short-circuits further attempts until explicitly cleared or the
// connection proves healthy again.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ecliptix-labs/channel/pkg/failure"
)

// ServiceType names a category of RPC for retry-policy lookup.
type ServiceType int

const (
	ServiceEstablish ServiceType = iota
	ServiceRestore
	ServiceAuthComplete
	ServiceVerificationStream
	ServiceIdempotentRead
)

func (s ServiceType) String() string {
	switch s {
	case ServiceEstablish:
		return "establish"
	case ServiceRestore:
		return "restore"
	case ServiceAuthComplete:
		return "auth_complete"
	case ServiceVerificationStream:
		return "verification_stream"
	case ServiceIdempotentRead:
		return "idempotent_read"
	default:
		return "unknown"
	}
}

// Policy describes how a ServiceType should be retried.
type Policy struct {
	Unbounded         bool
	MaxRetries        int
	ReinitOnComplete  bool
	NoRetry           bool
}

var defaultPolicies = map[ServiceType]Policy{
	ServiceEstablish:          {Unbounded: true},
	ServiceRestore:            {Unbounded: true},
	ServiceAuthComplete:       {MaxRetries: 3, ReinitOnComplete: true},
	ServiceVerificationStream: {NoRetry: true},
	ServiceIdempotentRead:     {MaxRetries: 5},
}

var ErrRetriesExhausted = errors.New("retry: operation signature exhausted, call ClearExhausted or MarkConnectionHealthy first")

const (
	initialInterval = 500 * time.Millisecond
	maxInterval     = 8 * time.Second
)

type signature struct {
	connectID uint32
	svc       ServiceType
}

// Strategy is the C6 collaborator. Zero value is not usable; build one
// with New.
type Strategy struct {
	mu        sync.Mutex
	exhausted map[signature]struct{}
	policies  map[ServiceType]Policy
}

// New constructs a Strategy with the default per-service-type policy
// table.
func New() *Strategy {
	policies := make(map[ServiceType]Policy, len(defaultPolicies))
	for k, v := range defaultPolicies {
		policies[k] = v
	}
	return &Strategy{
		exhausted: make(map[signature]struct{}),
		policies:  policies,
	}
}

func (s *Strategy) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialInterval
	eb.MaxInterval = maxInterval
	eb.RandomizationFactor = backoff.DefaultRandomizationFactor
	eb.Multiplier = backoff.DefaultMultiplier
	eb.MaxElapsedTime = 0
	return backoff.WithContext(eb, ctx)
}

// ExecuteRPC runs op under the retry policy for svc, honoring an optional
// override of the max-retry count (nil uses the service's default). It is
// a package-level generic function, not a method, since Go methods cannot
// carry their own type parameters.
func ExecuteRPC[Result any](
	s *Strategy,
	ctx context.Context,
	op func(context.Context) (Result, error),
	opName string,
	connectID uint32,
	svc ServiceType,
	maxRetries *int,
) (Result, error) {
	var zero Result
	sig := signature{connectID: connectID, svc: svc}

	s.mu.Lock()
	_, exhausted := s.exhausted[sig]
	policy := s.policies[svc]
	s.mu.Unlock()
	if exhausted {
		return zero, failure.Wrap(failure.RetriesExhausted, opName, ErrRetriesExhausted)
	}

	if policy.NoRetry {
		result, err := op(ctx)
		if err != nil {
			return zero, fmt.Errorf("%s: %w", opName, err)
		}
		return result, nil
	}

	limit := policy.MaxRetries
	if maxRetries != nil {
		limit = *maxRetries
	}

	var result Result
	attempt := 0
	bo := s.newBackoff(ctx)

	operation := func() error {
		attempt++
		var err error
		result, err = op(ctx)
		if err == nil {
			return nil
		}
		if limit > 0 && attempt >= limit && (!policy.Unbounded || maxRetries != nil) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, bo)
	if err != nil {
		if !policy.Unbounded {
			s.mu.Lock()
			s.exhausted[sig] = struct{}{}
			s.mu.Unlock()
			nf := failure.Wrap(failure.RetriesExhausted, opName, err)
			if policy.ReinitOnComplete {
				nf = nf.WithReinit()
			}
			return zero, nf
		}
		if ctx.Err() != nil {
			return zero, failure.Wrap(failure.OperationCancelled, opName, err)
		}
		return zero, failure.Wrap(failure.DataCenterNotResponding, opName, err)
	}
	return result, nil
}

// ExecuteManualRetryRPC runs op exactly like ExecuteRPC but always clears
// any prior exhaustion for (connectID, svc) first, modeling a
// user-initiated "try again" action.
func ExecuteManualRetryRPC[Result any](
	s *Strategy,
	ctx context.Context,
	op func(context.Context) (Result, error),
	opName string,
	connectID uint32,
	svc ServiceType,
) (Result, error) {
	s.mu.Lock()
	delete(s.exhausted, signature{connectID: connectID, svc: svc})
	s.mu.Unlock()
	return ExecuteRPC(s, ctx, op, opName, connectID, svc, nil)
}

// MarkConnectionHealthy clears exhaustion for every service type against
// connectID, called once a connection proves itself alive again.
func (s *Strategy) MarkConnectionHealthy(connectID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sig := range s.exhausted {
		if sig.connectID == connectID {
			delete(s.exhausted, sig)
		}
	}
}

// ClearExhausted wipes every exhausted signature unconditionally.
func (s *Strategy) ClearExhausted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = make(map[signature]struct{})
}
