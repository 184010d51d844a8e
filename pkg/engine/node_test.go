package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erc7824/nodelink/pkg/engine"
	"github.com/erc7824/nodelink/pkg/transport"
)

// wireCall is a request as the fake node saw it on the wire.
type wireCall struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// responder produces the raw reply for a call.
type responder func(c wireCall) string

func okReply(id uint64, result string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
}

func errReply(id uint64, code int, msg string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, msg)
}

func result(v string) responder {
	return func(c wireCall) string { return okReply(c.ID, v) }
}

// fakeNode is an in-memory transport backed by a scripted node.
type fakeNode struct {
	name   string
	events chan transport.Event

	mu          sync.Mutex
	connected   bool
	silent      bool // Connect never completes
	unwritable  bool
	writeErr    error
	shortWrite  bool
	connects    int
	inbox       []byte
	readPending bool
	hold        bool
	held        []wireCall
	calls       []wireCall
	script      map[string]responder
	nextFilter  int
}

func newFakeNode(name string) *fakeNode {
	n := &fakeNode{
		name:   name,
		events: make(chan transport.Event, 64),
	}
	n.script = map[string]responder{
		"web3_clientVersion":   result(`"Geth/v1.13.14-stable-2bd6bd01/linux-amd64/go1.21.7"`),
		"net_version":          result(`"11155111"`),
		"net_peerCount":        result(`"0x3"`),
		"eth_syncing":          result(`false`),
		"eth_blockNumber":      result(`"0x10"`),
		"eth_newBlockFilter":   result(`"0xb1"`),
		"eth_getFilterChanges": result(`[]`),
		"eth_uninstallFilter":  result(`true`),
		"eth_accounts":         result(`["0x00000000000000000000000000000000000000aa"]`),
		"eth_getBalance":       result(`"0xde0b6b3a7640000"`),
		"eth_gasPrice":         result(`"0x3b9aca00"`),
		"eth_newFilter": func(c wireCall) string {
			n.nextFilter++
			return okReply(c.ID, fmt.Sprintf(`"0xf%d"`, n.nextFilter))
		},
	}
	return n
}

func (n *fakeNode) Name() string { return n.name }

func (n *fakeNode) Connect(context.Context) {
	n.mu.Lock()
	n.connects++
	silent := n.silent
	if !silent {
		n.connected = true
	}
	n.mu.Unlock()
	if !silent {
		n.events <- transport.Event{Type: transport.EventConnected}
	}
}

func (n *fakeNode) Writable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected && !n.unwritable
}

func (n *fakeNode) Write(p []byte) (int, error) {
	var c wireCall
	if err := json.Unmarshal(p, &c); err != nil {
		return 0, err
	}

	n.mu.Lock()
	if n.writeErr != nil {
		err := n.writeErr
		n.mu.Unlock()
		return 0, err
	}
	n.calls = append(n.calls, c)
	if n.shortWrite {
		n.mu.Unlock()
		return len(p) / 2, nil
	}
	if n.hold {
		n.held = append(n.held, c)
		n.mu.Unlock()
		return len(p), nil
	}
	reply := n.answerLocked(c)
	n.mu.Unlock()

	n.deliver(reply)
	return len(p), nil
}

func (n *fakeNode) answerLocked(c wireCall) string {
	if r, ok := n.script[c.Method]; ok {
		return r(c)
	}
	return errReply(c.ID, -32601, "the method "+c.Method+" does not exist/is not available")
}

// deliver makes raw readable and signals it once until the next Read.
func (n *fakeNode) deliver(raw string) {
	n.mu.Lock()
	n.inbox = append(n.inbox, raw...)
	signal := !n.readPending
	n.readPending = true
	n.mu.Unlock()
	if signal {
		n.events <- transport.Event{Type: transport.EventReadyRead}
	}
}

func (n *fakeNode) Read() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.inbox
	n.inbox = nil
	n.readPending = false
	return out
}

func (n *fakeNode) Events() <-chan transport.Event { return n.events }

func (n *fakeNode) Close() error {
	n.mu.Lock()
	n.connected = false
	n.mu.Unlock()
	n.events <- transport.Event{Type: transport.EventDisconnected}
	return nil
}

func (n *fakeNode) Abort() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected = false
	n.inbox = nil
	n.held = nil
}

// hangup simulates the node dropping the connection.
func (n *fakeNode) hangup() {
	n.mu.Lock()
	n.connected = false
	n.mu.Unlock()
	n.events <- transport.Event{Type: transport.EventDisconnected}
}

func (n *fakeNode) on(method string, r responder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.script[method] = r
}

func (n *fakeNode) setHold(hold bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hold = hold
}

func (n *fakeNode) setUnwritable(unwritable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unwritable = unwritable
}

func (n *fakeNode) setWriteErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writeErr = err
}

func (n *fakeNode) setShortWrite(short bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shortWrite = short
}

func (n *fakeNode) setSilent(silent bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.silent = silent
}

func (n *fakeNode) connectCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connects
}

// methods lists the methods written so far.
func (n *fakeNode) methods() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.calls))
	for i, c := range n.calls {
		out[i] = c.Method
	}
	return out
}

func (n *fakeNode) callsTo(method string) []wireCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []wireCall
	for _, c := range n.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (n *fakeNode) resetCalls() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = nil
}

// waitHeld waits until count calls are being held and returns them.
func (n *fakeNode) waitHeld(t *testing.T, count int) []wireCall {
	t.Helper()
	var held []wireCall
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		held = append([]wireCall(nil), n.held...)
		return len(held) >= count
	}, 2*time.Second, 5*time.Millisecond)
	return held
}

// release answers the oldest held call with the scripted reply.
func (n *fakeNode) release(t *testing.T) wireCall {
	t.Helper()
	n.waitHeld(t, 1)
	n.mu.Lock()
	c := n.held[0]
	n.held = n.held[1:]
	reply := n.answerLocked(c)
	n.mu.Unlock()
	n.deliver(reply)
	return c
}

// releaseWith answers the oldest held call with raw, split into chunks
// delivered one at a time.
func (n *fakeNode) releaseWith(t *testing.T, raw string, chunks int) wireCall {
	t.Helper()
	n.waitHeld(t, 1)
	n.mu.Lock()
	c := n.held[0]
	n.held = n.held[1:]
	n.mu.Unlock()

	if chunks < 1 {
		chunks = 1
	}
	size := (len(raw) + chunks - 1) / chunks
	for len(raw) > 0 {
		end := min(size, len(raw))
		n.deliver(raw[:end])
		raw = raw[end:]
		time.Sleep(2 * time.Millisecond)
	}
	return c
}

// recorder keeps every notification published by an engine.
type recorder struct {
	mu   sync.Mutex
	seen []engine.Notification
}

func (r *recorder) handle(n engine.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func (r *recorder) all() []engine.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Notification(nil), r.seen...)
}

func notificationsOf[T engine.Notification](r *recorder) []T {
	var out []T
	for _, n := range r.all() {
		if v, ok := n.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func waitNotification[T engine.Notification](t *testing.T, r *recorder, match func(T) bool) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		for _, v := range notificationsOf[T](r) {
			if match == nil || match(v) {
				found = v
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.PollInterval = time.Hour
	cfg.ConnectAttempts = 3
	cfg.ConnectTimeout = 20 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

type harness struct {
	e    *engine.Engine
	node *fakeNode
	rec  *recorder
}

// startEngine runs an engine against a fake node without connecting it.
func startEngine(t *testing.T, cfg engine.Config, node *fakeNode, opts ...engine.Option) *harness {
	t.Helper()
	e := engine.New(cfg, node, opts...)
	rec := &recorder{}
	e.Subscribe(rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return &harness{e: e, node: node, rec: rec}
}

// readyEngine runs an engine and waits for the init sequence to finish.
func readyEngine(t *testing.T, cfg engine.Config, opts ...engine.Option) *harness {
	t.Helper()
	h := startEngine(t, cfg, newFakeNode("ipc:test"), opts...)
	require.NoError(t, h.e.Start(context.Background()))
	waitNotification[engine.Ready](t, h.rec, nil)
	h.waitIdle(t)
	return h
}

// waitIdle waits until nothing is queued or in flight.
func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.e.Status(context.Background())
		return err == nil && !st.InFlight && st.Queued == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) status(t *testing.T) engine.Status {
	t.Helper()
	st, err := h.e.Status(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) waitState(t *testing.T, want engine.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.e.Status(context.Background())
		return err == nil && st.State == want
	}, 2*time.Second, 5*time.Millisecond)
}

func containsInOrder(haystack []string, needles ...string) bool {
	i := 0
	for _, s := range haystack {
		if i < len(needles) && s == needles[i] {
			i++
		}
	}
	return i == len(needles)
}

func paramString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return strings.ToLower(s)
}
