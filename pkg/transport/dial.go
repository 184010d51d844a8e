package transport

import (
	"context"
	"sync"

	"github.com/erc7824/nodelink/pkg/log"
)

// wire is one established connection.
type wire interface {
	// receive blocks until bytes arrive or the connection fails.
	receive() ([]byte, error)
	send(p []byte) error
	close() error
}

type dialFunc func(ctx context.Context) (wire, error)

var _ Transport = (*DialTransport)(nil)

// DialTransport is a Transport over a connection-oriented wire. It backs the
// IPC, TCP and websocket endpoints.
type DialTransport struct {
	name string
	dial dialFunc
	opts Options
	lg   log.Logger

	events  chan Event
	writeMu sync.Mutex

	mu          sync.Mutex
	w           wire
	gen         uint64 // bumped whenever the current wire is superseded
	cancelDial  context.CancelFunc
	closing     bool
	inbox       []byte
	readPending bool
}

func newDialTransport(name string, dial dialFunc, opts Options) *DialTransport {
	opts = opts.withDefaults()
	return &DialTransport{
		name:   name,
		dial:   dial,
		opts:   opts,
		lg:     opts.Logger.WithName("transport").WithKV("endpoint", name),
		events: make(chan Event, eventBufferSize),
	}
}

func (t *DialTransport) Name() string { return t.name }

func (t *DialTransport) Events() <-chan Event { return t.events }

func (t *DialTransport) Connect(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)

	t.mu.Lock()
	t.gen++
	gen := t.gen
	if t.cancelDial != nil {
		t.cancelDial()
	}
	t.cancelDial = cancel
	old := t.w
	t.w = nil
	t.closing = false
	t.inbox = nil
	t.readPending = false
	t.mu.Unlock()

	if old != nil {
		_ = old.close()
	}

	go func() {
		w, err := t.dial(dialCtx)
		cancel()

		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			if w != nil {
				_ = w.close()
			}
			return
		}
		if err != nil {
			t.mu.Unlock()
			t.lg.Debug("dial failed", "error", err)
			t.emit(Event{Type: EventError, Err: err})
			return
		}
		t.w = w
		t.mu.Unlock()

		t.lg.Debug("connected")
		t.emit(Event{Type: EventConnected})
		t.readLoop(gen, w)
	}()
}

func (t *DialTransport) readLoop(gen uint64, w wire) {
	for {
		data, err := w.receive()
		if len(data) > 0 {
			t.push(gen, data)
		}
		if err == nil {
			continue
		}

		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		closing := t.closing
		t.w = nil
		t.closing = false
		t.mu.Unlock()

		if !closing {
			t.lg.Warn("connection lost", "error", err)
			t.emit(Event{Type: EventError, Err: err})
		}
		t.emit(Event{Type: EventDisconnected})
		return
	}
}

func (t *DialTransport) push(gen uint64, data []byte) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.inbox = append(t.inbox, data...)
	notify := !t.readPending
	t.readPending = true
	t.mu.Unlock()

	if notify {
		t.emit(Event{Type: EventReadyRead})
	}
}

func (t *DialTransport) Read() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := t.inbox
	t.inbox = nil
	t.readPending = false
	return data
}

func (t *DialTransport) Writable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w != nil && !t.closing
}

func (t *DialTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	w, closing := t.w, t.closing
	t.mu.Unlock()
	if w == nil || closing {
		return 0, ErrNotWritable
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := w.send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *DialTransport) Close() error {
	t.mu.Lock()
	if t.w == nil {
		t.gen++
		if t.cancelDial != nil {
			t.cancelDial()
		}
		t.mu.Unlock()
		t.emit(Event{Type: EventDisconnected})
		return nil
	}
	t.closing = true
	w := t.w
	t.mu.Unlock()

	return w.close()
}

func (t *DialTransport) Abort() {
	t.mu.Lock()
	t.gen++
	if t.cancelDial != nil {
		t.cancelDial()
	}
	w := t.w
	t.w = nil
	t.closing = false
	t.inbox = nil
	t.readPending = false
	t.mu.Unlock()

	if w != nil {
		_ = w.close()
	}
}

func (t *DialTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.lg.Warn("event dropped, consumer not keeping up", "event", ev.Type.String())
	}
}
