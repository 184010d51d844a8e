package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NewWebSocket returns a transport for a ws:// or wss:// endpoint. Each
// message written is sent as one text frame.
func NewWebSocket(url string, opts Options) *DialTransport {
	opts = opts.withDefaults()
	var t *DialTransport
	dial := func(ctx context.Context) (wire, error) {
		header, err := authHeader(opts.JWTSecret, time.Now())
		if err != nil {
			return nil, err
		}

		dialer := websocket.Dialer{
			HandshakeTimeout:  opts.DialTimeout,
			EnableCompression: true,
		}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}

		w := &wsWire{conn: conn, writeTimeout: opts.WriteTimeout, done: make(chan struct{})}
		if opts.PingInterval > 0 {
			go w.pingPeriodically(opts.PingInterval, t)
		}
		return w, nil
	}
	t = newDialTransport(url, dial, opts)
	return t
}

type wsWire struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	done         chan struct{}
	closeOnce    sync.Once
}

func (w *wsWire) receive() ([]byte, error) {
	_, msg, err := w.conn.ReadMessage()
	return msg, err
}

func (w *wsWire) send(p []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, p)
}

func (w *wsWire) close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)

		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		w.writeMu.Unlock()

		err = w.conn.Close()
	})
	return err
}

// pingPeriodically keeps idle connections alive through proxies. A failed
// ping closes the connection, which surfaces in the read loop.
func (w *wsWire) pingPeriodically(interval time.Duration, t *DialTransport) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout))
			w.writeMu.Unlock()
			if err != nil {
				t.lg.Warn("ping failed", "error", err)
				_ = w.conn.Close()
				return
			}
		}
	}
}
