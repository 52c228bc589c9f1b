package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrNoHandler is returned by FakeRPC when no handler is registered for
// an address.
var ErrNoHandler = errors.New("transport: no fake handler registered for address")

// UnaryHandler answers a single-frame request with a single-frame
// response.
type UnaryHandler func(ctx context.Context, frame []byte) ([]byte, error)

// StreamHandler answers a single-frame request by pushing items onto the
// returned channel until it closes it.
type StreamHandler func(ctx context.Context, frame []byte) (<-chan []byte, <-chan error)

// FakeRPC is an in-memory RPC implementation for tests: no sockets, no
// goroutine leaks across a real listener, deterministic.
type FakeRPC struct {
	mu       sync.Mutex
	unary    map[string]UnaryHandler
	streams  map[string]StreamHandler
}

// NewFakeRPC constructs an empty FakeRPC.
func NewFakeRPC() *FakeRPC {
	return &FakeRPC{
		unary:   make(map[string]UnaryHandler),
		streams: make(map[string]StreamHandler),
	}
}

// HandleUnary registers h to answer unary calls to addr.
func (f *FakeRPC) HandleUnary(addr string, h UnaryHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unary[addr] = h
}

// HandleStream registers h to answer stream calls to addr.
func (f *FakeRPC) HandleStream(addr string, h StreamHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[addr] = h
}

func (f *FakeRPC) Unary(ctx context.Context, addr string, frame []byte) ([]byte, error) {
	f.mu.Lock()
	h, ok := f.unary[addr]
	f.mu.Unlock()
	if !ok {
		return nil, ErrNoHandler
	}
	return h(ctx, frame)
}

func (f *FakeRPC) ReceiveStream(ctx context.Context, addr string, frame []byte) (<-chan []byte, <-chan error, error) {
	f.mu.Lock()
	h, ok := f.streams[addr]
	f.mu.Unlock()
	if !ok {
		return nil, nil, ErrNoHandler
	}
	items, errs := h(ctx, frame)
	return items, errs, nil
}
