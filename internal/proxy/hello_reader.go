package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/clienthello"
)

// ErrClientHelloTooLarge is returned when the first record declares more
// bytes than the relay is willing to buffer.
var ErrClientHelloTooLarge = errors.New("clienthello record exceeds buffer limit")

// ReadClientHello reads exactly one TLS record from conn: the 5-byte header,
// then as many bytes as the header declares. The bytes read so far are
// returned even on error so the caller can still replay them.
//
// Records that cannot be a ClientHello are reported after the header alone,
// without waiting for a body that may never come.
func ReadClientHello(conn net.Conn, timeout time.Duration, maxBytes int) ([]byte, error) {
	if timeout > 0 {
		// Protects against slowloris-style handshakes.
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, clienthello.HeaderLen)
	n, err := io.ReadFull(conn, header)
	if err != nil {
		return header[:n], fmt.Errorf("could not read TLS record header: %w", err)
	}

	if header[1] != 3 {
		return header, fmt.Errorf("%w: record version %#x", clienthello.ErrUnsupportedVersion, header[1:3])
	}
	if header[0] != clienthello.ContentTypeHandshake {
		return header, fmt.Errorf("%w: content type %d", clienthello.ErrNotHandshake, header[0])
	}

	total, err := clienthello.RecordLength(header)
	if err != nil {
		return header, err
	}
	if total > maxBytes {
		return header, fmt.Errorf("%w: %d > %d bytes", ErrClientHelloTooLarge, total, maxBytes)
	}

	record := make([]byte, total)
	copy(record, header)
	n, err = io.ReadFull(conn, record[clienthello.HeaderLen:])
	if err != nil {
		return record[:clienthello.HeaderLen+n], fmt.Errorf("could not read full TLS record: %w", err)
	}
	return record, nil
}
