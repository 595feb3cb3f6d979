package proxy

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/clienthello"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

// clientHelloRecord captures the first record crypto/tls sends for
// serverName.
func clientHelloRecord(t *testing.T, serverName string) []byte {
	t.Helper()
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	go func() {
		cli := tls.Client(c, &tls.Config{ServerName: serverName, InsecureSkipVerify: true})
		_ = cli.Handshake()
	}()

	record, err := ReadClientHello(s, 2*time.Second, 1<<16)
	require.NoError(t, err)
	return record
}

// rawClientHello builds a minimal TLS 1.2 ClientHello record whose
// server_name extension carries name verbatim.
func rawClientHello(t *testing.T, name []byte) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddUint8(clienthello.ContentTypeHandshake)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(clienthello.HandshakeTypeClientHello)
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(0x0303)
			b.AddBytes(make([]byte, 32)) // random
			b.AddUint8(0)                // session id
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(0xc02f)
			})
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8(0)
			})
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(clienthello.ExtensionServerName)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddUint8(clienthello.NameTypeHostName)
						b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes(name)
						})
					})
				})
			})
		})
	})
	record, err := b.Bytes()
	require.NoError(t, err)
	return record
}

// tcpPair returns both ends of a loopback TCP connection: the one a server
// accepted and the one the client dialed.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

// startBackend runs handle for every connection accepted on a fresh loopback
// listener and returns its address.
func startBackend(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln.Addr().String()
}
