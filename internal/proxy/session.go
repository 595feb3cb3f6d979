package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/routing"
	"github.com/google/uuid"
	"github.com/pires/go-proxyproto"
)

// copyBufferSize defines the size of the buffer used for copying data between client and backend.
const copyBufferSize = 32 * 1024 // 32KB

// bufferPool is a pool of byte slices used for copying data to reduce allocations.
var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

// GetBuffer retrieves a buffer from the pool.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// ErrDialBackend wraps failures to connect to the chosen backend.
var ErrDialBackend = errors.New("dial backend")

// Session relays one client connection to one backend.
type Session struct {
	id       uuid.UUID
	conn     net.Conn
	prelude  []byte
	target   routing.Target
	hostname string
	dialer   *net.Dialer
	idle     time.Duration
	logger   *slog.Logger

	bytesIn  int64
	bytesOut int64
}

// NewSession creates a session that will replay prelude (the ClientHello
// record already read from conn) to target before streaming the rest.
func NewSession(id uuid.UUID, conn net.Conn, prelude []byte, target routing.Target, hostname string, dialer *net.Dialer, idle time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:       id,
		conn:     conn,
		prelude:  prelude,
		target:   target,
		hostname: hostname,
		dialer:   dialer,
		idle:     idle,
		logger:   logger,
	}
}

// ID returns the session's identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Bytes returns how many bytes went client->backend (in) and
// backend->client (out), prelude included.
func (s *Session) Bytes() (in, out int64) { return s.bytesIn, s.bytesOut }

// Run dials the backend and pipes data in both directions until both sides
// are done. The client connection is always closed on return.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	backend, err := s.dialer.DialContext(ctx, "tcp", s.target.Address)
	if err != nil {
		return fmt.Errorf("%w %s: %w", ErrDialBackend, s.target.Address, err)
	}
	defer backend.Close()

	if s.target.ProxyProtocol > 0 {
		header := proxyproto.HeaderProxyFromAddrs(byte(s.target.ProxyProtocol), s.conn.RemoteAddr(), s.conn.LocalAddr())
		if _, err := header.WriteTo(backend); err != nil {
			return fmt.Errorf("write proxy protocol header to %s: %w", s.target.Address, err)
		}
	}

	// Closing both ends unblocks the pumps when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
		_ = backend.Close()
	})
	defer stop()

	client := WithPrelude(s.conn, s.prelude)
	s.prelude = nil

	var wg sync.WaitGroup
	var inErr, outErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.bytesIn, inErr = s.pump(backend, client, backend)
		closeWrite(backend)
	}()
	go func() {
		defer wg.Done()
		s.bytesOut, outErr = s.pump(s.conn, backend, s.conn)
		closeWrite(s.conn)
	}()
	wg.Wait()

	if err := firstRealError(inErr, outErr); err != nil {
		return err
	}
	return nil
}

// pump copies src to dst until EOF. Every successful read pushes the idle
// deadline forward on both connections, so a session only times out when
// neither direction has moved for s.idle.
func (s *Session) pump(dst io.Writer, src net.Conn, peer net.Conn) (int64, error) {
	bufPtr := GetBuffer()
	defer PutBuffer(bufPtr)
	buf := *bufPtr

	var total int64
	for {
		s.touch(src, peer)
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
	}
}

func (s *Session) touch(a, b net.Conn) {
	if s.idle <= 0 {
		return
	}
	deadline := time.Now().Add(s.idle)
	_ = a.SetReadDeadline(deadline)
	_ = b.SetReadDeadline(deadline)
}

// firstRealError drops the errors a normal teardown produces: the peer's
// side closing underneath a blocked read.
func firstRealError(errs ...error) error {
	for _, err := range errs {
		if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			continue
		}
		return err
	}
	return nil
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
