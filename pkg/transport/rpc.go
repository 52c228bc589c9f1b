package transport

import (
	"context"
	"fmt"
)

// RPC is the abstract collaborator the provider invokes: it knows
// nothing about encryption or protocol semantics, only how to carry an
// opaque outbound frame to the data center and bring back either a
// single response frame or a stream of them. Swappable for tests via an
// in-memory fake.
type RPC interface {
	Unary(ctx context.Context, addr string, frame []byte) ([]byte, error)
	ReceiveStream(ctx context.Context, addr string, frame []byte) (<-chan []byte, <-chan error, error)
}

// ConnRPC implements RPC over a framed Conn dialed fresh for every call
// and closed when the call ends — the teacher's one-conn-per-session
// model generalized to one-conn-per-RPC since C8 multiplexes
// many logical calls over its own session/connect_id bookkeeping rather
// than a single persistent socket.
type ConnRPC struct {
	network Network
}

// NewConnRPC constructs a ConnRPC dialing over the given network.
func NewConnRPC(network Network) *ConnRPC {
	return &ConnRPC{network: network}
}

// Unary dials addr, writes frame, reads exactly one response frame, and
// closes the connection.
func (r *ConnRPC) Unary(ctx context.Context, addr string, frame []byte) ([]byte, error) {
	conn, err := Dial(ctx, r.network, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing for unary call: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteFrame(frame); err != nil {
		return nil, fmt.Errorf("writing request frame: %w", err)
	}
	resp, err := conn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading response frame: %w", err)
	}
	return resp, nil
}

// ReceiveStream dials addr, writes frame, and relays every subsequent
// frame on the returned channel until the connection closes or ctx is
// cancelled. The error channel carries at most one terminal error.
func (r *ConnRPC) ReceiveStream(ctx context.Context, addr string, frame []byte) (<-chan []byte, <-chan error, error) {
	conn, err := Dial(ctx, r.network, addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing for stream call: %w", err)
	}
	if err := conn.WriteFrame(frame); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("writing stream request frame: %w", err)
	}

	items := make(chan []byte, 8)
	errs := make(chan error, 1)

	go func() {
		defer conn.Close()
		defer close(items)
		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}
			item, err := conn.ReadFrame()
			if err != nil {
				errs <- err
				return
			}
			select {
			case items <- item:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return items, errs, nil
}
