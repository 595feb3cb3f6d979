package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/clienthello"
	"github.com/AtDexters-Lab/sni-relay/internal/config"
	hn "github.com/AtDexters-Lab/sni-relay/internal/hostnames"
	"github.com/AtDexters-Lab/sni-relay/internal/iface"
	"github.com/AtDexters-Lab/sni-relay/internal/protocol"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Rejection reasons reported to the stats recorder besides the decoder's
// own error kinds.
const (
	reasonReadFailed = "read_failed"
	reasonTooLarge   = "too_large"
	reasonNoRoute    = "no_route"
	reasonDialFailed = "dial_failed"
)

// Listener is responsible for accepting incoming TLS connections from
// end-users and relaying them by SNI.
type Listener struct {
	config *config.Config
	router iface.Router
	events iface.EventSink
	stats  iface.StatsRecorder
	logger *slog.Logger
	dialer *net.Dialer

	wg        sync.WaitGroup
	sessions  sync.WaitGroup
	listeners []boundListener
	mu        sync.Mutex
}

type boundListener struct {
	net.Listener
	limiter *rate.Limiter
}

// NewListener creates a new Listener instance. events and stats may be nil.
func NewListener(cfg *config.Config, router iface.Router, events iface.EventSink, stats iface.StatsRecorder, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		config: cfg,
		router: router,
		events: events,
		stats:  stats,
		logger: logger,
		dialer: &net.Dialer{Timeout: cfg.DialTimeout.Duration},
	}
}

// Listen binds every configured listener address. If any bind fails, the
// ones already bound are closed again.
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, lc := range l.config.Listeners {
		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			for _, bound := range l.listeners {
				bound.Close()
			}
			l.listeners = nil
			return fmt.Errorf("failed to start listener on %s: %w", lc.Address, err)
		}
		bound := boundListener{Listener: ln}
		if lc.AcceptRate > 0 {
			burst := lc.AcceptBurst
			if burst == 0 {
				burst = max(1, int(lc.AcceptRate))
			}
			bound.limiter = rate.NewLimiter(rate.Limit(lc.AcceptRate), burst)
		}
		l.listeners = append(l.listeners, bound)
		l.logger.Info("Public listener started", "address", ln.Addr().String(), "accept_rate", lc.AcceptRate)
	}
	return nil
}

// Addrs returns the bound addresses, in configuration order.
func (l *Listener) Addrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	addrs := make([]net.Addr, 0, len(l.listeners))
	for _, ln := range l.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Serve runs the accept loops until ctx is cancelled or Stop is called, then
// waits for every in-flight session to finish. Listen must be called first.
func (l *Listener) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	l.mu.Lock()
	for _, ln := range l.listeners {
		l.wg.Add(1)
		go l.acceptLoop(ctx, ln)
	}
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	l.wg.Wait()
	l.logger.Info("All public listeners have stopped, waiting for sessions")
	// Sessions hold ctx; cancelling it tears down whatever is still open.
	cancel()
	l.sessions.Wait()
}

// Run binds and serves. It returns once everything has stopped.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	l.Serve(ctx)
	return nil
}

// Stop closes all network listeners. Serve then cancels the in-flight
// sessions and returns once they have ended.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ln := range l.listeners {
		ln.Close()
	}
}

func (l *Listener) acceptLoop(ctx context.Context, ln boundListener) {
	defer l.wg.Done()
	for {
		if ln.limiter != nil {
			if err := ln.limiter.Wait(ctx); err != nil {
				return
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("Failed to accept new connection", "address", ln.Addr().String(), "error", err)
			// Avoid spinning on persistent errors such as EMFILE.
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		l.sessions.Add(1)
		go func() {
			defer l.sessions.Done()
			l.handleConnection(ctx, conn, ln.Addr().String())
		}()
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn, listenAddr string) {
	id := uuid.New()
	logger := l.logger.With("session", id.String(), "client", conn.RemoteAddr().String(), "listener", listenAddr)
	if l.stats != nil {
		l.stats.RecordAccepted()
	}

	prelude, readErr := ReadClientHello(conn, l.config.ClientHelloTimeout.Duration, l.config.MaxClientHelloBytes)
	var serverName string
	var decodeErr error
	if readErr == nil {
		hello, err := clienthello.Parse(prelude)
		serverName = hn.Normalize(hello.ServerName)
		decodeErr = err
	} else if isDecodeError(readErr) {
		decodeErr = readErr
	}

	ev := protocol.RouteEvent{
		SessionID:  id,
		ClientAddr: conn.RemoteAddr().String(),
		Listener:   listenAddr,
		ServerName: serverName,
	}

	// I/O failures leave nothing meaningful to forward.
	if readErr != nil && decodeErr == nil {
		reason := reasonReadFailed
		if errors.Is(readErr, ErrClientHelloTooLarge) {
			reason = reasonTooLarge
		}
		logger.Warn("Could not read ClientHello. Closing connection.", "error", readErr)
		l.reject(conn, ev, reason, readErr)
		return
	}
	if decodeErr != nil {
		logger.Debug("Could not decode SNI, trying default route", "error", decodeErr, "kind", clienthello.Kind(decodeErr))
	}

	target, match, err := l.router.Lookup(serverName)
	if err != nil {
		if decodeErr != nil {
			logger.Warn("Undecodable ClientHello and no default route. Closing connection.", "error", decodeErr)
			l.reject(conn, ev, clienthello.Kind(decodeErr), decodeErr)
			return
		}
		logger.Warn("No backend available for hostname", "sni", serverName, "error", err)
		l.reject(conn, ev, reasonNoRoute, err)
		return
	}

	logger = logger.With("sni", serverName, "backend", target.Address, "match", match.String())
	logger.Info("Routing client")
	ev.Backend, ev.Match = target.Address, match.String()
	l.publish(ev, protocol.EventRoute, nil)
	if l.stats != nil {
		l.stats.RecordRouted(serverName, match)
	}

	session := NewSession(id, conn, prelude, target, serverName, l.dialer, l.config.IdleTimeout(), logger)
	start := time.Now()
	runErr := session.Run(ctx)
	in, out := session.Bytes()
	dialFailed := errors.Is(runErr, ErrDialBackend)
	switch {
	case runErr == nil:
		logger.Info("Session closed", "bytes_in", in, "bytes_out", out, "duration", time.Since(start).Round(time.Millisecond))
	case dialFailed:
		logger.Warn("Failed to connect to backend. Closing connection.", "error", runErr)
	case IsTimeout(runErr):
		logger.Info("Session idle timeout reached. Closing connection.", "bytes_in", in, "bytes_out", out)
		runErr = nil
	default:
		logger.Warn("Session ended with error", "error", runErr, "bytes_in", in, "bytes_out", out)
	}
	if l.stats != nil {
		if dialFailed {
			l.stats.RecordRejected(reasonDialFailed)
		}
		l.stats.RecordClosed(serverName, in, out)
	}
	ev.BytesIn, ev.BytesOut = in, out
	l.publish(ev, protocol.EventClose, runErr)
}

func (l *Listener) reject(conn net.Conn, ev protocol.RouteEvent, reason string, err error) {
	conn.Close()
	if l.stats != nil {
		l.stats.RecordRejected(reason)
	}
	l.publish(ev, protocol.EventReject, err)
}

func (l *Listener) publish(ev protocol.RouteEvent, typ protocol.EventType, err error) {
	if l.events == nil {
		return
	}
	ev.Type = typ
	ev.Time = time.Now().UTC()
	if err != nil {
		ev.Error = err.Error()
	}
	l.events.Publish(ev)
}

// isDecodeError reports whether err came from looking at the bytes rather
// than from reading them.
func isDecodeError(err error) bool {
	return errors.Is(err, clienthello.ErrNotHandshake) || errors.Is(err, clienthello.ErrUnsupportedVersion)
}
