package engine

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/erc7824/nodelink/pkg/log"
	"github.com/erc7824/nodelink/pkg/transport"
)

// Features toggles optional behaviour.
type Features struct {
	// BlockFilter discovers blocks through eth_newBlockFilter. When off the
	// poller only tracks eth_blockNumber.
	BlockFilter bool
	// RemoteLogs lets eth_getLogs use the remote endpoint in thin mode.
	RemoteLogs bool
}

// Config is consumed by New. Zero durations and counts take defaults.
type Config struct {
	PollInterval    time.Duration
	ConnectAttempts int
	ConnectTimeout  time.Duration
	// RequestTimeout hard-bails a request the node never answers. Negative
	// disables it.
	RequestTimeout time.Duration
	// MaxPollBacklog skips a tick while more requests than this are queued.
	MaxPollBacklog int
	// MinClientVersion is a semantic version such as v1.13.0. Older nodes
	// produce a VersionWarning.
	MinClientVersion string
	Features         Features
}

const (
	DefaultPollInterval    = 5 * time.Second
	DefaultConnectAttempts = 20
	DefaultConnectTimeout  = 2 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultMaxPollBacklog  = 32
)

func DefaultConfig() Config {
	return Config{
		PollInterval:    DefaultPollInterval,
		ConnectAttempts: DefaultConnectAttempts,
		ConnectTimeout:  DefaultConnectTimeout,
		RequestTimeout:  DefaultRequestTimeout,
		MaxPollBacklog:  DefaultMaxPollBacklog,
		Features:        Features{BlockFilter: true},
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxPollBacklog <= 0 {
		c.MaxPollBacklog = DefaultMaxPollBacklog
	}
	return c
}

// NodeProcess is a managed local node, started when the local endpoint
// cannot be reached and stopped when the engine closes.
type NodeProcess interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Option func(*Engine)

func WithLogger(lg log.Logger) Option {
	return func(e *Engine) { e.lg = log.OrNoop(lg) }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRemote enables thin mode: remote-eligible operations are written to
// remote while it is up and limiter allows. limiter may be nil.
func WithRemote(remote transport.Transport, limiter *rate.Limiter) Option {
	return func(e *Engine) {
		e.remote = remote
		e.limiter = limiter
	}
}

// WithNode supervises a local node.
func WithNode(p NodeProcess, stopTimeout time.Duration) Option {
	return func(e *Engine) {
		e.node = p
		e.nodeStopTimeout = stopTimeout
	}
}
