package transport

import (
	"context"
	"net"
	"time"
)

// NewIPC returns a transport for a node's unix domain socket.
func NewIPC(path string, opts Options) *DialTransport {
	return newStream("unix", path, opts)
}

// NewTCP returns a transport for a raw TCP JSON-RPC endpoint.
func NewTCP(addr string, opts Options) *DialTransport {
	return newStream("tcp", addr, opts)
}

func newStream(network, addr string, opts Options) *DialTransport {
	opts = opts.withDefaults()
	dial := func(ctx context.Context) (wire, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &streamWire{conn: conn, writeTimeout: opts.WriteTimeout, buf: make([]byte, readBufferSize)}, nil
	}
	return newDialTransport(addr, dial, opts)
}

type streamWire struct {
	conn         net.Conn
	writeTimeout time.Duration
	buf          []byte
}

func (s *streamWire) receive() ([]byte, error) {
	n, err := s.conn.Read(s.buf)
	if n == 0 {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.buf[:n])
	return out, err
}

func (s *streamWire) send(p []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	_, err := s.conn.Write(p)
	return err
}

func (s *streamWire) close() error {
	return s.conn.Close()
}
