// Package rpc provides the wire-level pieces of the Ethereum JSON-RPC 2.0
// dialect spoken between nodelink and a node.
//
// # Messages
//
// Outbound calls are encoded as a single JSON object:
//
//	{"jsonrpc":"2.0","method":"eth_blockNumber","id":42,"params":[]}
//
// The id is a positive integer chosen by the caller; params is always an
// array, empty when the method takes no arguments. Replies are decoded into
// Reply, which keeps the result as raw JSON so callers can decode it into
// the concrete type a method returns:
//
//	reply, err := rpc.DecodeReply(raw)
//	if err != nil {
//	    // malformed reply, see ProtocolError
//	}
//	if reply.Error != nil {
//	    // the node answered with an error object, see NodeError
//	}
//
// # Framing
//
// Local IPC sockets deliver a stream of bytes with no length prefix.
// Framer recovers message boundaries by counting braces:
//
//	var f rpc.Framer
//	f.Write(chunk)
//	if msg, ok := f.Next(); ok {
//	    // msg holds one complete reply
//	}
//
// Braces inside JSON string values are counted too. This works because at
// most one request is outstanding on a connection at a time, so the buffer
// only ever holds fragments of a single reply, and replies from Ethereum
// nodes are balanced even when strings are taken into account. A reply
// containing an unbalanced brace inside a string would stall the framer
// until the next chunk; callers treat a stalled or unparsable buffer as a
// protocol violation. Overflowing reports a buffer with more closing than
// opening braces, so even a well formed error reply such as
//
//	{"id":7,"error":{"code":-32000,"message":"execution reverted: }"}}
//
// ends the connection instead of failing only its call.
//
// # Errors
//
// Errors fall into two groups. NodeError is an error object returned by the
// node for one call; it never affects the connection. ProtocolError means
// the byte stream itself can no longer be trusted (a reply that does not
// parse, lacks a numeric id, or belongs to another call).
package rpc
