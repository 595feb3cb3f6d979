package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/clienthello"
	"github.com/AtDexters-Lab/sni-relay/internal/config"
	"github.com/AtDexters-Lab/sni-relay/internal/logging"
	"github.com/AtDexters-Lab/sni-relay/internal/protocol"
	"github.com/AtDexters-Lab/sni-relay/internal/routing"
	"github.com/AtDexters-Lab/sni-relay/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.RouteEvent
}

func (r *recordingSink) Publish(ev protocol.RouteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) types() []protocol.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// taggingBackend answers every connection with "<tag>:<sni>" when the first
// record is a ClientHello, or "<tag>:raw:<bytes>" otherwise. It then drains
// the connection so closing it never resets unread data.
func taggingBackend(t *testing.T, tag string) string {
	return startBackend(t, func(conn net.Conn) {
		record, err := ReadClientHello(conn, time.Second, clienthello.MaxRecordLen)
		reply := tag + ":raw:" + string(record)
		if err == nil {
			hello, _ := clienthello.Parse(record)
			reply = tag + ":" + hello.ServerName
		}
		_, _ = conn.Write([]byte(reply))
		closeWrite(conn)
		_, _ = io.Copy(io.Discard, conn)
	})
}

func testConfig() *config.Config {
	return &config.Config{
		Listeners:           []config.Listener{{Address: "127.0.0.1:0"}},
		ClientHelloTimeout:  config.Duration{Duration: time.Second},
		DialTimeout:         config.Duration{Duration: time.Second},
		IdleTimeoutSeconds:  5,
		MaxClientHelloBytes: clienthello.MaxRecordLen,
	}
}

func startListener(t *testing.T, table *routing.Table) (string, *recordingSink, *stats.Collector) {
	t.Helper()
	sink := &recordingSink{}
	collector := stats.NewCollector()
	l := NewListener(testConfig(), table, sink, collector, logging.Discard())
	require.NoError(t, l.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		l.Serve(ctx)
		close(served)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	return l.Addrs()[0].String(), sink, collector
}

// exchange sends payload to the relay and returns everything it answers.
func exchange(t *testing.T, addr string, payload []byte) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(payload)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, _ := io.ReadAll(conn)
	return string(got)
}

func TestListenerRoutesBySNI(t *testing.T) {
	table, err := routing.NewTable([]routing.Route{
		{Hostnames: []string{"app.example.com"}, Targets: []routing.Target{{Address: taggingBackend(t, "app")}}},
		{Hostnames: []string{"*.apps.example.com"}, Targets: []routing.Target{{Address: taggingBackend(t, "wild")}}},
	}, []routing.Target{{Address: taggingBackend(t, "default")}})
	require.NoError(t, err)
	addr, sink, collector := startListener(t, table)

	assert.Equal(t, "app:app.example.com", exchange(t, addr, clientHelloRecord(t, "app.example.com")))
	assert.Equal(t, "wild:one.apps.example.com", exchange(t, addr, clientHelloRecord(t, "one.apps.example.com")))
	assert.Equal(t, "default:other.test", exchange(t, addr, clientHelloRecord(t, "other.test")))
	// Plaintext has no SNI, so it can only take the default route. The bytes
	// reach the backend untouched.
	assert.Equal(t, "default:raw:GET /", exchange(t, addr, []byte("GET / HTTP/1.0\r\n\r\n")))
	// A ClientHello whose SNI is not UTF-8 cannot be routed by name either,
	// but the record is still forwarded whole.
	malformed := rawClientHello(t, []byte{'a', 0xff, 0xfe, '.', 'c', 'o', 'm'})
	assert.Equal(t, "default:", exchange(t, addr, malformed))

	require.Eventually(t, func() bool {
		s := collector.Snapshot()
		return s.Routed == 5 && s.Active == 0
	}, 2*time.Second, 10*time.Millisecond)
	s := collector.Snapshot()
	assert.Equal(t, int64(5), s.Accepted)
	assert.Equal(t, map[string]int64{"exact": 1, "wildcard": 1, "default": 3}, s.Matches)
	assert.Empty(t, s.Rejections)

	require.Eventually(t, func() bool { return len(sink.types()) == 10 }, 2*time.Second, 10*time.Millisecond)
	routes, closes := 0, 0
	for _, typ := range sink.types() {
		switch typ {
		case protocol.EventRoute:
			routes++
		case protocol.EventClose:
			closes++
		}
	}
	assert.Equal(t, 5, routes)
	assert.Equal(t, 5, closes)
}

func TestListenerRejectsWithoutDefaultRoute(t *testing.T) {
	table, err := routing.NewTable([]routing.Route{
		{Hostnames: []string{"app.example.com"}, Targets: []routing.Target{{Address: taggingBackend(t, "app")}}},
	}, nil)
	require.NoError(t, err)
	addr, sink, collector := startListener(t, table)

	assert.Empty(t, exchange(t, addr, clientHelloRecord(t, "unknown.example.com")))
	assert.Empty(t, exchange(t, addr, []byte("GET / HTTP/1.0\r\n\r\n")))

	require.Eventually(t, func() bool { return len(sink.types()) == 2 }, 2*time.Second, 10*time.Millisecond)
	s := collector.Snapshot()
	assert.Equal(t, int64(1), s.Rejections["no_route"])
	assert.Equal(t, int64(1), s.Rejections["unsupported_version"])
	assert.Zero(t, s.Routed)
	assert.Equal(t, []protocol.EventType{protocol.EventReject, protocol.EventReject}, sink.types())
}

func TestListenerRejectsUnreachableBackend(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	table, err := routing.NewTable([]routing.Route{
		{Hostnames: []string{"app.example.com"}, Targets: []routing.Target{{Address: dead}}},
	}, nil)
	require.NoError(t, err)
	addr, _, collector := startListener(t, table)

	assert.Empty(t, exchange(t, addr, clientHelloRecord(t, "app.example.com")))
	require.Eventually(t, func() bool {
		s := collector.Snapshot()
		return s.Rejections["dial_failed"] == 1 && s.Routed == 1 && s.Active == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListenerStopsOnCancel(t *testing.T) {
	table, err := routing.NewTable(nil, []routing.Target{{Address: taggingBackend(t, "default")}})
	require.NoError(t, err)
	l := NewListener(testConfig(), table, nil, nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(l.Addrs()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	_, err = net.Dial("tcp", l.Addrs()[0].String())
	assert.Error(t, err)
}

func TestListenerStopEndsSessions(t *testing.T) {
	backend := startBackend(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})
	table, err := routing.NewTable(nil, []routing.Target{{Address: backend}})
	require.NoError(t, err)
	collector := stats.NewCollector()
	l := NewListener(testConfig(), table, nil, collector, logging.Discard())
	require.NoError(t, l.Listen())

	served := make(chan struct{})
	go func() {
		l.Serve(context.Background())
		close(served)
	}()

	conn, err := net.Dial("tcp", l.Addrs()[0].String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(clientHelloRecord(t, "held.example.com"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return collector.Snapshot().Active == 1 }, 2*time.Second, 10*time.Millisecond)

	l.Stop()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	assert.Zero(t, collector.Snapshot().Active)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
