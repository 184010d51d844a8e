// Package engine drives a JSON-RPC conversation with an Ethereum node.
//
// An Engine owns one connection (optionally two in thin mode) and runs as a
// single actor: Run processes caller commands, transport events, decoded
// replies and timers one at a time, so queue, filters and lifecycle state
// have exactly one writer. At most one request is on the wire at any time;
// others wait in arrival order.
//
// Typical use:
//
//	e := engine.New(engine.DefaultConfig(), transport.NewIPC(path, opts))
//	unsubscribe := e.Subscribe(func(n engine.Notification) { ... })
//	go e.Run(ctx)
//	e.Start(ctx)
//	balance, err := e.Balance(ctx, addr, nil)
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/erc7824/nodelink/pkg/log"
	"github.com/erc7824/nodelink/pkg/rpc"
	"github.com/erc7824/nodelink/pkg/transport"
)

const commandBufferSize = 256

type command func(e *Engine)

// Engine is the node communication actor. Create it with New and drive it
// with Run.
type Engine struct {
	id      string
	cfg     Config
	lg      log.Logger
	metrics *Metrics

	local           transport.Transport
	remote          transport.Transport
	limiter         *rate.Limiter
	router          transport.Router
	node            NodeProcess
	nodeStopTimeout time.Duration
	handlers        map[Kind]replyHandler

	cmds       chan command
	decodeJobs chan decodeJob
	bus        *bus
	running    atomic.Bool
	done       chan struct{}

	// Owned by the Run goroutine.
	ctx                  context.Context
	state                State
	ready                bool
	stopped              bool
	nextID               uint64
	epoch                uint64
	queue                PendingQueue
	active               *Request
	activeVia            transport.Transport
	framers              map[transport.Transport]*rpc.Framer
	visibleBusy          bool
	blockFilterID        string
	blockFilterPending   bool
	filters              map[string]string
	pendingFilters       map[string]struct{}
	sync                 SyncStatus
	peers                uint64
	blockNumber          uint64
	clientVersion        string
	networkID            string
	attempts             int
	spawned              bool
	remoteDialing        bool
	closeUninstallIssued bool
	lastErr              error

	pollTicker   *time.Ticker
	pollC        <-chan time.Time
	connectTimer *time.Timer
	connectC     <-chan time.Time
	requestTimer *time.Timer
	requestC     <-chan time.Time
}

// New builds an engine for the local endpoint. Nothing happens until Run
// and Start are called.
func New(cfg Config, local transport.Transport, opts ...Option) *Engine {
	e := &Engine{
		id:             uuid.NewString(),
		cfg:            cfg.withDefaults(),
		lg:             log.NewNoopLogger(),
		local:          local,
		cmds:           make(chan command, commandBufferSize),
		decodeJobs:     make(chan decodeJob, 1),
		bus:            newBus(),
		done:           make(chan struct{}),
		framers:        make(map[transport.Transport]*rpc.Framer),
		filters:        make(map[string]string),
		pendingFilters: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.lg = e.lg.WithName("engine").WithKV("engine", e.id)
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	if e.remote != nil {
		e.router = transport.NewThinRouter(local, e.remote, e.limiter)
	} else {
		e.router = transport.NewLocalRouter(local)
	}
	e.handlers = e.replyHandlers()
	return e
}

// ID identifies the engine in logs.
func (e *Engine) ID() string { return e.id }

// Subscribe registers h for notifications and returns a function removing it.
func (e *Engine) Subscribe(h Handler) func() {
	return e.bus.subscribe(h)
}

// Run processes events until ctx ends or Close completes. It may only be
// called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ctx = log.SetContextLogger(ctx, e.lg)

	go e.decodeWorker(ctx)
	defer e.shutdown()

	e.lg.Info("engine running", "endpoint", e.local.Name(), "thin", e.remote != nil)

	var remoteEvents <-chan transport.Event
	if e.remote != nil {
		remoteEvents = e.remote.Events()
	}

	for !e.stopped {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.cmds:
			cmd(e)
		case ev := <-e.local.Events():
			e.onTransportEvent(e.local, ev)
		case ev := <-remoteEvents:
			e.onTransportEvent(e.remote, ev)
		case <-e.pollC:
			e.tick()
		case <-e.connectC:
			e.connectC = nil
			e.onConnectTimeout()
		case <-e.requestC:
			e.requestC = nil
			e.onRequestTimeout()
		}
	}
	return nil
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// post hands cmd to the Run goroutine.
func (e *Engine) post(ctx context.Context, cmd command) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.cmds <- cmd:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins connecting. It is a no-op unless the engine is Disconnected,
// and is how callers reconnect after a ConnectionError.
func (e *Engine) Start(ctx context.Context) error {
	return e.post(ctx, func(e *Engine) { e.start() })
}

// Close uninstalls filters, disconnects, stops a managed node and waits
// for Run to return. A request in flight is allowed to finish first.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.post(ctx, func(e *Engine) { e.close() }); err != nil {
		if err == ErrStopped {
			return nil
		}
		return err
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh runs a poll cycle now instead of waiting for the next tick.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.post(ctx, func(e *Engine) { e.tick() })
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	out := make(chan Status, 1)
	if err := e.post(ctx, func(e *Engine) { out <- e.status() }); err != nil {
		return Status{}, err
	}
	select {
	case st := <-out:
		return st, nil
	case <-e.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (e *Engine) status() Status {
	filters := make(map[string]string, len(e.filters))
	for k, v := range e.filters {
		filters[k] = v
	}
	return Status{
		ID:            e.id,
		State:         e.state,
		Ready:         e.ready,
		Polling:       e.pollTicker != nil,
		Busy:          e.visibleBusy,
		Sync:          e.sync,
		Peers:         e.peers,
		BlockNumber:   e.blockNumber,
		ClientVersion: e.clientVersion,
		NetworkID:     e.networkID,
		Queued:        e.queue.Len(),
		InFlight:      e.active != nil,
		BlockFilterID: e.blockFilterID,
		Filters:       filters,
		LastError:     e.lastErr,
	}
}

// Submit queues req without waiting for its result, which arrives on
// req.Done(). A rejected request is resolved with the rejection.
func (e *Engine) Submit(ctx context.Context, req *Request) error {
	if req.done == nil {
		req.done = make(chan Result, 1)
	}
	req.origin = originCaller
	return e.post(ctx, func(e *Engine) { e.enqueue(req) })
}

// Do submits req and waits for its result.
func (e *Engine) Do(ctx context.Context, req *Request) (any, error) {
	if err := e.Submit(ctx, req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.Done():
		return res.Value, res.Err
	case <-e.done:
		// The result may have been delivered while Run was exiting.
		select {
		case res := <-req.Done():
			return res.Value, res.Err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) publish(n Notification) {
	e.bus.publish(n)
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	from := e.state
	e.state = s
	e.metrics.State.Set(float64(s))
	e.lg.Info("connection state changed", "from", from.String(), "to", s.String())
	e.publish(StateChanged{From: from, To: s})
}

// updateBusy publishes BusyChanged when user-initiated work starts or ends.
func (e *Engine) updateBusy() {
	busy := (e.active != nil && e.active.Busy == BusyFull) || e.queue.HasBusy(BusyFull)
	if busy == e.visibleBusy {
		return
	}
	e.visibleBusy = busy
	e.publish(BusyChanged{Busy: busy})
}

func (e *Engine) framer(t transport.Transport) *rpc.Framer {
	f, ok := e.framers[t]
	if !ok {
		f = &rpc.Framer{}
		e.framers[t] = f
	}
	return f
}

func (e *Engine) resetFramers() {
	for _, f := range e.framers {
		f.Reset()
	}
}

// shutdown runs when Run exits for any reason.
func (e *Engine) shutdown() {
	e.stopPolling()
	e.stopConnectTimer()
	e.stopRequestTimer()

	if !e.stopped {
		// Run was cancelled rather than closed.
		e.failPending(ErrStopped)
		for _, t := range e.router.Transports() {
			t.Abort()
		}
		e.setState(StateDisconnected)
		e.stopNode()
	}
	e.lg.Info("engine stopped")
}

// failPending resolves the active and queued requests with err.
func (e *Engine) failPending(err error) {
	if req := e.active; req != nil {
		e.active, e.activeVia = nil, nil
		e.fail(req, err)
	}
	for _, req := range e.queue.Drain() {
		e.fail(req, err)
	}
	e.metrics.QueueDepth.Set(0)
	e.updateBusy()
}

func (e *Engine) stopNode() {
	if e.node == nil {
		return
	}
	timeout := e.nodeStopTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.node.Stop(ctx); err != nil {
		e.lg.Error("failed to stop managed node", "error", err)
	}
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine %s (%s)", e.id, e.local.Name())
}
