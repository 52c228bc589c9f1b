// Package transport provides the length-prefixed framed connection the
// network provider dials and serves over, plus an in-memory fake for
// tests. It carries opaque already-encrypted frames; it knows nothing
// about envelopes, ratchets, or handshakes.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
)

const maxFrameSize = 16 << 20 // 16 MiB

var (
	ErrClosed         = errors.New("transport: connection already closed")
	ErrFrameTooLarge  = errors.New("transport: frame exceeds maximum size")
)

// Network selects the underlying dial/listen implementation.
type Network int

const (
	TCP Network = iota
	KCP
)

// Conn is a length-prefixed framed duplex byte stream.
type Conn struct {
	raw           net.Conn
	reader        *bufio.Reader
	closed        bool
	readDeadline  time.Duration
	writeDeadline time.Duration
}

// NewConn wraps an established net.Conn (TCP or KCP) with frame
// read/write semantics and default deadlines matching the teacher's
// long-lived-session timeouts.
func NewConn(raw net.Conn) *Conn {
	return &Conn{
		raw:           raw,
		reader:        bufio.NewReader(raw),
		readDeadline:  10 * time.Minute,
		writeDeadline: time.Minute,
	}
}

// ReadFrame reads the next length-prefixed frame.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if err := c.raw.SetReadDeadline(time.Now().Add(c.readDeadline)); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.reader, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, frameLen)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame writes a length-prefixed frame.
func (c *Conn) WriteFrame(data []byte) error {
	if c.closed {
		return ErrClosed
	}
	if len(data) > maxFrameSize {
		return ErrFrameTooLarge
	}
	if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeDeadline)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := c.raw.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := c.raw.Write(data); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	return c.raw.Close()
}

// Dial opens a framed connection to addr over the requested network.
func Dial(ctx context.Context, network Network, addr string) (*Conn, error) {
	var raw net.Conn
	var err error
	switch network {
	case TCP:
		var d net.Dialer
		raw, err = d.DialContext(ctx, "tcp", addr)
	case KCP:
		raw, err = kcp.DialWithOptions(addr, nil, 0, 0)
	default:
		return nil, fmt.Errorf("transport: unknown network %d", network)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewConn(raw), nil
}

// Listener accepts framed connections.
type Listener struct {
	raw net.Listener
}

// Listen opens a listener for the requested network.
func Listen(network Network, addr string) (*Listener, error) {
	var raw net.Listener
	var err error
	switch network {
	case TCP:
		raw, err = net.Listen("tcp", addr)
	case KCP:
		raw, err = kcp.ListenWithOptions(addr, nil, 0, 0)
	default:
		return nil, fmt.Errorf("transport: unknown network %d", network)
	}
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{raw: raw}, nil
}

// Accept blocks until a new framed connection arrives.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.raw.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting: %w", err)
	}
	return NewConn(raw), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.raw.Close() }
