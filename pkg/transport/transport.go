// Package transport carries raw JSON-RPC bytes between nodelink and a node.
//
// A Transport never blocks its caller: Connect starts a dial in the
// background, Write hands bytes to the connection, and everything that
// happens afterwards (connected, data available, failure, closure) is
// reported on the Events channel. Read drains whatever bytes have arrived
// since the previous call, which lets the consumer do its own framing.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/erc7824/nodelink/pkg/log"
)

// EventType identifies what a transport is reporting.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventDisconnected
	EventReadyRead
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReadyRead:
		return "ready-read"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a notification emitted by a transport.
type Event struct {
	Type EventType
	Err  error
}

// Transport is a byte channel to one node endpoint.
type Transport interface {
	// Name identifies the endpoint in logs and metrics.
	Name() string
	// Connect starts connecting. The outcome arrives as EventConnected or
	// EventError. Calling Connect again supersedes any earlier attempt.
	Connect(ctx context.Context)
	// Writable reports whether Write can currently accept a message.
	Writable() bool
	// Write sends one complete message.
	Write(p []byte) (int, error)
	// Read drains and returns all bytes received so far.
	Read() []byte
	// Events delivers connection notifications. The channel is never closed.
	Events() <-chan Event
	// Close shuts the connection down gracefully. EventDisconnected
	// follows once the connection is gone.
	Close() error
	// Abort drops the connection immediately without emitting events.
	Abort()
}

var (
	ErrNotWritable = fmt.Errorf("transport not writable")
	ErrBusy        = fmt.Errorf("transport busy")
	ErrShortWrite  = fmt.Errorf("short write")
)

// Options tune the built-in transports. Zero values fall back to defaults.
type Options struct {
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// WriteTimeout bounds a single write on stream and websocket transports,
	// and a whole round trip on the HTTP transport.
	WriteTimeout time.Duration
	// PingInterval enables websocket keepalive pings when positive.
	PingInterval time.Duration
	// JWTSecret, when set, authenticates websocket and HTTP endpoints with
	// an HS256 bearer token.
	JWTSecret []byte
	Logger    log.Logger
}

const (
	defaultDialTimeout  = 2 * time.Second
	defaultWriteTimeout = 10 * time.Second
	eventBufferSize     = 64
	readBufferSize      = 64 * 1024
)

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	o.Logger = log.OrNoop(o.Logger)
	return o
}

// New picks a transport from the endpoint form:
//
//	ws://host:port, wss://host/path   websocket
//	http://host:port, https://host    HTTP POST per call
//	tcp://host:port                   raw TCP stream
//	anything else                     unix domain socket path
func New(endpoint string, opts Options) (Transport, error) {
	switch {
	case endpoint == "":
		return nil, fmt.Errorf("empty endpoint")
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return NewWebSocket(endpoint, opts), nil
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		return NewHTTP(endpoint, opts), nil
	case strings.HasPrefix(endpoint, "tcp://"):
		return NewTCP(strings.TrimPrefix(endpoint, "tcp://"), opts), nil
	default:
		return NewIPC(endpoint, opts), nil
	}
}
