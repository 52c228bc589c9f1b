// Package secret holds short-lived key material that must be explicitly
// wiped once consumed, rather than left for the garbage collector.
package secret

// Buffer wraps a private byte slice and zeroes it on Zero. Callers that
// read private scalars (identity keys, master keys, root keys) should hold
// them in a Buffer and call Zero as soon as the value is no longer needed.
type Buffer struct {
	b      []byte
	zeroed bool
}

// New copies b into a new Buffer. The caller's slice is left untouched.
func New(b []byte) *Buffer {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Buffer{b: cp}
}

// Bytes returns the live buffer. It panics if called after Zero, since any
// caller still holding a reference at that point indicates a lifetime bug.
func (s *Buffer) Bytes() []byte {
	if s.zeroed {
		panic("secret: use of buffer after Zero")
	}
	return s.b
}

// Zero overwrites the buffer and marks it consumed.
func (s *Buffer) Zero() {
	if s.zeroed {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.zeroed = true
}
