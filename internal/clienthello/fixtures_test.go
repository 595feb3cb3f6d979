package clienthello_test

import (
	"crypto/tls"
	"io"
	"net"
	"testing"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/clienthello"
	utls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

// legacySample is a TLS 1.2 ClientHello offering 0xc030 and 0x00ff with
// ec_point_formats, supported_groups, session_ticket, signature_algorithms
// and heartbeat extensions. It carries no server_name.
var legacySample = []byte{
	0x16, 0x03, 0x01, 0x00, 0xa1, 0x01, 0x00, 0x00, 0x9d, 0x03, 0x03, 0x52, 0x36, 0x2c, 0x10,
	0x12, 0xcf, 0x23, 0x62, 0x82, 0x56, 0xe7, 0x45, 0xe9, 0x03, 0xce, 0xa6, 0x96, 0xe9, 0xf6,
	0x2a, 0x60, 0xba, 0x0a, 0xe8, 0x31, 0x1d, 0x70, 0xde, 0xa5, 0xe4, 0x19, 0x49, 0x00, 0x00,
	0x04, 0xc0, 0x30, 0x00, 0xff, 0x02, 0x01, 0x00, 0x00, 0x6f, 0x00, 0x0b, 0x00, 0x04, 0x03,
	0x00, 0x01, 0x02, 0x00, 0x0a, 0x00, 0x34, 0x00, 0x32, 0x00, 0x0e, 0x00, 0x0d, 0x00, 0x19,
	0x00, 0x0b, 0x00, 0x0c, 0x00, 0x18, 0x00, 0x09, 0x00, 0x0a, 0x00, 0x16, 0x00, 0x17, 0x00,
	0x08, 0x00, 0x06, 0x00, 0x07, 0x00, 0x14, 0x00, 0x15, 0x00, 0x04, 0x00, 0x05, 0x00, 0x12,
	0x00, 0x13, 0x00, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x0f, 0x00, 0x10, 0x00, 0x11, 0x00,
	0x23, 0x00, 0x00, 0x00, 0x0d, 0x00, 0x22, 0x00, 0x20, 0x06, 0x01, 0x06, 0x02, 0x06, 0x03,
	0x05, 0x01, 0x05, 0x02, 0x05, 0x03, 0x04, 0x01, 0x04, 0x02, 0x04, 0x03, 0x03, 0x01, 0x03,
	0x02, 0x03, 0x03, 0x02, 0x01, 0x02, 0x02, 0x02, 0x03, 0x01, 0x01, 0x00, 0x0f, 0x00, 0x01,
	0x01,
}

type extension struct {
	typ  uint16
	data []byte
}

// helloTemplate describes a synthetic ClientHello record.
type helloTemplate struct {
	contentType   uint8
	recordMajor   uint8
	handshakeType uint8
	clientMajor   uint8
	sessionID     []byte
	extensions    []extension
	withExtBlock  bool
}

// defaultTemplate is a well formed TLS 1.2 ClientHello record carrying exts.
func defaultTemplate(exts ...extension) helloTemplate {
	return helloTemplate{
		contentType:   clienthello.ContentTypeHandshake,
		recordMajor:   3,
		handshakeType: clienthello.HandshakeTypeClientHello,
		clientMajor:   3,
		sessionID:     make([]byte, 32),
		extensions:    exts,
		withExtBlock:  true,
	}
}

func buildRecord(t testing.TB, s helloTemplate) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddUint8(s.contentType)
	b.AddUint8(s.recordMajor)
	b.AddUint8(0x01)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(s.handshakeType)
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(s.clientMajor)
			b.AddUint8(0x03)
			b.AddBytes(make([]byte, 32)) // random
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(s.sessionID)
			})
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(0x1301)
				b.AddUint16(0xc02f)
				b.AddUint16(0xc030)
			})
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0) // null compression
			})
			if !s.withExtBlock {
				return
			}
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, ext := range s.extensions {
					b.AddUint16(ext.typ)
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes(ext.data)
					})
				}
			})
		})
	})
	out, err := b.Bytes()
	require.NoError(t, err)
	return out
}

func serverNameExt(nameType uint8, name []byte) extension {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(nameType)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(name)
		})
	})
	return extension{typ: clienthello.ExtensionServerName, data: b.BytesOrPanic()}
}

func hostNameExt(name string) extension {
	return serverNameExt(clienthello.NameTypeHostName, []byte(name))
}

var (
	supportedGroupsExt = extension{typ: 0x000a, data: []byte{0x00, 0x04, 0x00, 0x1d, 0x00, 0x17}}
	alpnExt            = extension{typ: 0x0010, data: []byte{0x00, 0x03, 0x02, 'h', '2'}}
	sessionTicketExt   = extension{typ: 0x0023}
	keyShareExt        = extension{typ: 0x0033, data: append([]byte{0x00, 0x24, 0x00, 0x1d, 0x00, 0x20}, make([]byte, 32)...)}
)

// captureRecord reads the first TLS record that start writes to its end of
// a pipe. start runs in its own goroutine and should perform a client
// handshake, which fails once the pipe is closed.
func captureRecord(t *testing.T, start func(conn net.Conn)) []byte {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer client.Close()
		start(client)
	}()
	defer func() {
		_ = server.Close()
		<-done
	}()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	header := make([]byte, clienthello.HeaderLen)
	_, err := io.ReadFull(server, header)
	require.NoError(t, err)
	n, err := clienthello.RecordLength(header)
	require.NoError(t, err)

	record := make([]byte, n)
	copy(record, header)
	_, err = io.ReadFull(server, record[clienthello.HeaderLen:])
	require.NoError(t, err)
	return record
}

func stdlibClientHello(t *testing.T, serverName string) []byte {
	return captureRecord(t, func(conn net.Conn) {
		_ = tls.Client(conn, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		}).Handshake()
	})
}

func chromeClientHello(t *testing.T, serverName string) []byte {
	return captureRecord(t, func(conn net.Conn) {
		_ = utls.UClient(conn, &utls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		}, utls.HelloChrome_Auto).Handshake()
	})
}
