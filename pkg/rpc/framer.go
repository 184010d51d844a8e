package rpc

import (
	"bytes"
)

// Framer accumulates chunks read from a stream transport and yields one
// complete JSON object at a time. See the package documentation for the
// limits of brace counting.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	buf    []byte
	opens  int
	closes int
}

// Write appends chunk to the buffer.
func (f *Framer) Write(chunk []byte) {
	f.buf = append(f.buf, chunk...)
	f.opens += bytes.Count(chunk, []byte{'{'})
	f.closes += bytes.Count(chunk, []byte{'}'})
}

// Complete reports whether the buffer holds a full object: non-empty after
// trimming whitespace, delimited by braces, with balanced brace counts.
func (f *Framer) Complete() bool {
	trimmed := bytes.TrimSpace(f.buf)
	if len(trimmed) == 0 {
		return false
	}
	if trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return false
	}
	return f.opens == f.closes
}

// Next returns the buffered object and resets the framer once Complete
// reports true.
func (f *Framer) Next() ([]byte, bool) {
	if !f.Complete() {
		return nil, false
	}
	msg := bytes.TrimSpace(f.buf)
	out := make([]byte, len(msg))
	copy(out, msg)
	f.Reset()
	return out, true
}

// Reset discards anything buffered.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.opens = 0
	f.closes = 0
}

// Buffered returns a copy of the bytes held so far.
func (f *Framer) Buffered() []byte {
	return append([]byte(nil), f.buf...)
}

// Len returns the number of buffered bytes.
func (f *Framer) Len() int {
	return len(f.buf)
}

// Overflowing reports whether the buffer holds bytes that can never
// complete: anything not starting with an opening brace, or more closing
// than opening braces.
func (f *Framer) Overflowing() bool {
	trimmed := bytes.TrimLeft(f.buf, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] != '{' {
		return true
	}
	return f.closes > f.opens
}
