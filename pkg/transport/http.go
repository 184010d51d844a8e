package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/erc7824/nodelink/pkg/log"
)

var _ Transport = (*HTTPTransport)(nil)

// HTTPTransport posts each written message to a JSON-RPC HTTP endpoint and
// exposes the response body through Read. Only one post may be in flight;
// Writable is false until its response has been buffered.
type HTTPTransport struct {
	url    string
	opts   Options
	client *http.Client
	lg     log.Logger
	events chan Event

	mu          sync.Mutex
	connected   bool
	inFlight    bool
	gen         uint64
	ctx         context.Context
	cancel      context.CancelFunc
	inbox       []byte
	readPending bool
}

// NewHTTP returns a transport for an http:// or https:// endpoint.
func NewHTTP(url string, opts Options) *HTTPTransport {
	opts = opts.withDefaults()
	return &HTTPTransport{
		url:    url,
		opts:   opts,
		client: &http.Client{Timeout: opts.WriteTimeout},
		lg:     opts.Logger.WithName("transport").WithKV("endpoint", url),
		events: make(chan Event, eventBufferSize),
	}
}

func (t *HTTPTransport) Name() string { return t.url }

func (t *HTTPTransport) Events() <-chan Event { return t.events }

// Connect has nothing to dial; the endpoint is usable right away and
// failures surface on the first post.
func (t *HTTPTransport) Connect(ctx context.Context) {
	t.mu.Lock()
	t.reset()
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.connected = true
	t.mu.Unlock()

	t.emit(Event{Type: EventConnected})
}

func (t *HTTPTransport) Writable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.inFlight
}

func (t *HTTPTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return 0, ErrNotWritable
	}
	if t.inFlight {
		t.mu.Unlock()
		return 0, ErrBusy
	}
	t.inFlight = true
	gen, ctx := t.gen, t.ctx
	t.mu.Unlock()

	body := make([]byte, len(p))
	copy(body, p)
	go t.post(ctx, gen, body)

	return len(p), nil
}

func (t *HTTPTransport) post(ctx context.Context, gen uint64, body []byte) {
	data, err := t.roundTrip(ctx, body)

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.inFlight = false
	if err != nil {
		t.mu.Unlock()
		t.lg.Warn("post failed", "error", err)
		t.emit(Event{Type: EventError, Err: err})
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

func (t *HTTPTransport) roundTrip(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	header, err := authHeader(t.opts.JWTSecret, time.Now())
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	// JSON-RPC servers answer call-level errors with 200; anything else
	// without a body is a transport failure.
	if resp.StatusCode != http.StatusOK && len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("http status %s", resp.Status)
	}
	return data, nil
}

func (t *HTTPTransport) Read() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := t.inbox
	t.inbox = nil
	t.readPending = false
	return data
}

func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	t.reset()
	t.mu.Unlock()

	t.emit(Event{Type: EventDisconnected})
	return nil
}

func (t *HTTPTransport) Abort() {
	t.mu.Lock()
	t.reset()
	t.mu.Unlock()
}

// reset must be called with mu held.
func (t *HTTPTransport) reset() {
	t.gen++
	if t.cancel != nil {
		t.cancel()
	}
	t.connected = false
	t.inFlight = false
	t.inbox = nil
	t.readPending = false
}

func (t *HTTPTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.lg.Warn("event dropped, consumer not keeping up", "event", ev.Type.String())
	}
}
