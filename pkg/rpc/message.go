package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC protocol version sent with every request.
const Version = "2.0"

// Request is one outbound JSON-RPC call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  []any  `json:"params"`
}

// NewRequest builds a request for method. A nil params list is sent as an
// empty array, which some nodes require.
func NewRequest(id uint64, method string, params ...any) Request {
	if params == nil {
		params = []any{}
	}
	return Request{
		JSONRPC: Version,
		Method:  method,
		ID:      id,
		Params:  params,
	}
}

// Encode returns the compact JSON encoding of r.
func (r Request) Encode() ([]byte, error) {
	if r.Method == "" {
		return nil, ErrEmptyMethod
	}
	if r.JSONRPC == "" {
		r.JSONRPC = Version
	}
	if r.Params == nil {
		r.Params = []any{}
	}
	return json.Marshal(r)
}

// Reply is a decoded JSON-RPC response.
type Reply struct {
	// ID is the numeric id echoed by the node.
	ID uint64
	// Result holds the raw "result" member. It is the literal null when the
	// node returned null, and empty when the member was absent.
	Result json.RawMessage
	// HasResult reports whether the "result" member was present at all.
	HasResult bool
	// Error is set when the node returned an error object.
	Error *NodeError
	// Raw is the complete reply as received.
	Raw []byte
}

// IsNull reports whether the result is absent or the JSON literal null.
func (r Reply) IsNull() bool {
	return !r.HasResult || bytes.Equal(bytes.TrimSpace(r.Result), []byte("null"))
}

// DecodeReply parses one complete reply. Any failure is reported as a
// *ProtocolError carrying the raw bytes.
func DecodeReply(raw []byte) (Reply, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return Reply{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("%w: %v", ErrMalformedReply, err)}
	}

	idRaw, ok := members["id"]
	if !ok {
		return Reply{}, &ProtocolError{Raw: raw, Err: ErrMissingID}
	}
	id, err := parseID(idRaw)
	if err != nil {
		return Reply{}, &ProtocolError{Raw: raw, Err: err}
	}

	reply := Reply{ID: id, Raw: raw}
	if res, ok := members["result"]; ok {
		reply.Result = res
		reply.HasResult = true
	}
	if errRaw, ok := members["error"]; ok && !bytes.Equal(bytes.TrimSpace(errRaw), []byte("null")) {
		var nodeErr NodeError
		if err := json.Unmarshal(errRaw, &nodeErr); err != nil {
			return Reply{}, &ProtocolError{Raw: raw, Err: fmt.Errorf("%w: error member: %v", ErrMalformedReply, err)}
		}
		reply.Error = &nodeErr
	}
	return reply, nil
}

// parseID accepts a JSON number, or a string holding a decimal number, as
// some proxies stringify ids.
func parseID(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 1 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %s", ErrInvalidID, raw)
		}
		raw = []byte(s)
	}
	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidID, raw)
	}
	return id, nil
}
