package proxy

import (
	"bytes"
	"io"
	"net"
)

// preludeConn wraps a client connection so that reads first yield the
// ClientHello bytes consumed while routing, then the rest of the stream.
// All other methods delegate to the wrapped connection.
type preludeConn struct {
	net.Conn
	r io.Reader
}

// WithPrelude returns a net.Conn whose Read yields prelude first, then the
// remaining bytes from conn.
func WithPrelude(conn net.Conn, prelude []byte) net.Conn {
	if len(prelude) == 0 {
		return conn
	}
	return &preludeConn{Conn: conn, r: io.MultiReader(bytes.NewReader(prelude), conn)}
}

func (pc *preludeConn) Read(p []byte) (int, error) { return pc.r.Read(p) }

// halfCloser is implemented by *net.TCPConn and friends.
type halfCloser interface {
	CloseWrite() error
}

// closeWrite half-closes conn when it supports it and fully closes it
// otherwise, so the peer always observes EOF.
func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		if err := hc.CloseWrite(); err == nil {
			return
		}
	}
	_ = conn.Close()
}
