package rpc

import (
	"fmt"
)

var (
	// ErrEmptyMethod is returned when encoding a request without a method.
	ErrEmptyMethod = fmt.Errorf("empty method")
	// ErrMalformedReply indicates bytes that are not a JSON-RPC reply object.
	ErrMalformedReply = fmt.Errorf("malformed reply")
	// ErrMissingID indicates a reply without an id member.
	ErrMissingID = fmt.Errorf("reply has no id")
	// ErrInvalidID indicates an id that is not a non-negative integer.
	ErrInvalidID = fmt.Errorf("reply id is not numeric")
	// ErrIDMismatch indicates a reply that does not belong to the request in flight.
	ErrIDMismatch = fmt.Errorf("reply id does not match request in flight")
	// ErrUnexpectedReply indicates a reply that arrived while nothing was in flight.
	ErrUnexpectedReply = fmt.Errorf("reply with no request in flight")
)

// NodeError is the error object of a JSON-RPC reply.
type NodeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// ErrorCode returns the JSON-RPC error code.
func (e *NodeError) ErrorCode() int {
	return e.Code
}

// ProtocolError reports a byte stream that violates the protocol. The
// connection it came from must not be used further.
type ProtocolError struct {
	Raw []byte
	Err error
}

func (e *ProtocolError) Error() string {
	const maxRaw = 256
	raw := e.Raw
	suffix := ""
	if len(raw) > maxRaw {
		raw = raw[:maxRaw]
		suffix = "..."
	}
	return fmt.Sprintf("protocol violation: %v (raw: %s%s)", e.Err, raw, suffix)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
