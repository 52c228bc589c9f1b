// Package connectivity tracks the network provider's connection lattice
// and fans out status snapshots to subscribers. It takes no part in
// actually dialing or retrying; it is driven entirely by Intents fed to
// it from the provider, the retry strategy, and a ProbeBridge watching
// host network reachability.
package connectivity

import (
	"sync"
	"time"

	"github.com/ecliptix-labs/channel/pkg/failure"
)

// Status is a point in the connectivity lattice.
type Status int

const (
	Unavailable Status = iota
	Connecting
	Connected
	Disconnected
	Recovering
	RetriesExhausted
	ShuttingDown
)

func (s Status) String() string {
	switch s {
	case Unavailable:
		return "unavailable"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Recovering:
		return "recovering"
	case RetriesExhausted:
		return "retries_exhausted"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Intent is the closed set of events the FSM reacts to.
type Intent interface{ isIntent() }

type InternetRecovered struct{}
type InternetLost struct{}
type ConnectingIntent struct{ ConnectID uint32 }
type ConnectedIntent struct{ ConnectID uint32 }
type DisconnectedIntent struct {
	Failure   *failure.NetworkFailure
	ConnectID uint32
}
type RecoveringIntent struct{ Failure *failure.NetworkFailure }
type ServerShutdownIntent struct{ Failure *failure.NetworkFailure }
type ManualRetryRequested struct{}
type ShutdownIntent struct{}

func (InternetRecovered) isIntent()    {}
func (InternetLost) isIntent()         {}
func (ConnectingIntent) isIntent()     {}
func (ConnectedIntent) isIntent()      {}
func (DisconnectedIntent) isIntent()   {}
func (RecoveringIntent) isIntent()     {}
func (ServerShutdownIntent) isIntent() {}
func (ManualRetryRequested) isIntent() {}
func (ShutdownIntent) isIntent()       {}

// Snapshot is a monotonically timestamped view of the FSM's current
// status, broadcast to every subscriber.
type Snapshot struct {
	Status       Status
	Reason       string
	Source       string
	RetryAttempt int
	ConnectID    uint32
	Failure      *failure.NetworkFailure
	At           time.Time
}

// ProbeBridge watches host network reachability and feeds the FSM
// InternetRecovered/InternetLost intents.
type ProbeBridge interface {
	Start(feed func(Intent))
	Stop()
}

const subscriberBuffer = 8

// FSM is the connectivity state machine. Zero value is not usable; build
// one with New.
type FSM struct {
	mu          sync.Mutex
	status      Status
	last        Snapshot
	retryAttempt int
	subs        map[chan Snapshot]struct{}
	nowFn       func() time.Time
}

// New constructs an FSM starting in Unavailable.
func New() *FSM {
	f := &FSM{
		status: Unavailable,
		subs:   make(map[chan Snapshot]struct{}),
		nowFn:  time.Now,
	}
	f.last = Snapshot{Status: Unavailable, At: f.nowFn()}
	return f
}

// Subscribe returns a buffered channel replayed with the current
// snapshot, then fed every subsequent transition. Callers must drain it;
// a full channel drops the oldest pending snapshot rather than blocking
// the FSM.
func (f *FSM) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, subscriberBuffer)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	ch <- f.last
	f.mu.Unlock()

	unsubscribe := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, unsubscribe
}

// Current returns the last broadcast snapshot.
func (f *FSM) Current() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Apply feeds an Intent to the FSM, transitioning status and broadcasting
// a Snapshot to subscribers if the resulting status differs from the
// last broadcast one.
func (f *FSM) Apply(intent Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := f.transition(intent)
	if snap.Status == f.last.Status {
		return
	}
	f.last = snap
	f.broadcastLocked(snap)
}

func (f *FSM) transition(intent Intent) Snapshot {
	base := Snapshot{At: f.nowFn(), RetryAttempt: f.retryAttempt, ConnectID: f.last.ConnectID}

	switch v := intent.(type) {
	case InternetLost:
		f.status = Unavailable
		base.Status = Unavailable
		base.Source = "probe"
		return base
	case InternetRecovered:
		f.status = Connecting
		base.Status = Connecting
		base.Source = "probe"
		return base
	case ConnectingIntent:
		f.status = Connecting
		base.Status = Connecting
		base.ConnectID = v.ConnectID
		base.Source = "provider"
		return base
	case ConnectedIntent:
		f.status = Connected
		f.retryAttempt = 0
		base.Status = Connected
		base.ConnectID = v.ConnectID
		base.RetryAttempt = 0
		base.Source = "provider"
		return base
	case DisconnectedIntent:
		f.status = Disconnected
		base.Status = Disconnected
		base.ConnectID = v.ConnectID
		base.Failure = v.Failure
		base.Source = "provider"
		return base
	case RecoveringIntent:
		f.status = Recovering
		f.retryAttempt++
		base.Status = Recovering
		base.Failure = v.Failure
		base.RetryAttempt = f.retryAttempt
		base.Source = "retry"
		return base
	case ServerShutdownIntent:
		f.status = Disconnected
		base.Status = Disconnected
		base.Failure = v.Failure
		base.Source = "server"
		return base
	case ManualRetryRequested:
		f.status = Connecting
		f.retryAttempt = 0
		base.Status = Connecting
		base.RetryAttempt = 0
		base.Source = "manual"
		return base
	case ShutdownIntent:
		f.status = ShuttingDown
		base.Status = ShuttingDown
		base.Source = "provider"
		return base
	default:
		base.Status = f.status
		return base
	}
}

// MarkRetriesExhausted transitions directly to RetriesExhausted, bypassing
// the Intent switch since the retry strategy drives this independent of
// the lattice's usual triggers.
func (f *FSM) MarkRetriesExhausted(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == RetriesExhausted {
		return
	}
	f.status = RetriesExhausted
	f.last = Snapshot{
		Status: RetriesExhausted,
		Reason: reason,
		Source: "retry",
		At:     f.nowFn(),
	}
	f.broadcastLocked(f.last)
}

func (f *FSM) broadcastLocked(snap Snapshot) {
	for ch := range f.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
