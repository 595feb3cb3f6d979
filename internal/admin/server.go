// Package admin serves the relay's management API: health, the routing
// table, counters and a live event stream.
package admin

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/auth"
	"github.com/AtDexters-Lab/sni-relay/internal/config"
	"github.com/AtDexters-Lab/sni-relay/internal/routing"
	"github.com/AtDexters-Lab/sni-relay/internal/stats"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"
)

const shutdownTimeout = 5 * time.Second

// Scopes understood by the admin API.
const (
	ScopeRoutes = "routes"
	ScopeStats  = "stats"
	ScopeEvents = "events"
)

// RouteSource exposes the current routing table.
type RouteSource interface {
	Routes() ([]routing.Route, []routing.Target)
}

// StatsSource exposes relay counters.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// Server is the admin HTTP(S) server.
type Server struct {
	cfg       config.Admin
	routes    RouteSource
	stats     StatsSource
	events    *Broadcaster
	validator auth.Validator
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	listener net.Listener
}

// NewServer creates an admin server. validator may be nil, in which case
// every request is allowed; config validation only permits that on loopback.
func NewServer(cfg config.Admin, routes RouteSource, st StatsSource, events *Broadcaster, validator auth.Validator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		routes:    routes,
		stats:     st,
		events:    events,
		validator: validator,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the admin API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /routes", s.authorize(ScopeRoutes, http.HandlerFunc(s.handleRoutes)))
	mux.Handle("GET /stats", s.authorize(ScopeStats, http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /events", s.authorize(ScopeEvents, s.events.handleEvents(&s.upgrader)))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type routesResponse struct {
	Routes       []routing.Route  `json:"routes"`
	DefaultRoute []routing.Target `json:"default_route,omitempty"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes, fallback := s.routes.Routes()
	if routes == nil {
		routes = []routing.Route{}
	}
	writeJSON(w, http.StatusOK, routesResponse{Routes: routes, DefaultRoute: fallback})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// authorize checks the bearer token and the scope it grants.
func (s *Server) authorize(scope string, next http.Handler) http.Handler {
	if s.validator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sni-relay"`)
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.validator.Validate(r.Context(), token)
		if err != nil {
			s.logger.Warn("Rejected admin request", "remote", r.RemoteAddr, "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="sni-relay", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if !claims.Allows(scope) {
			writeError(w, http.StatusForbidden, fmt.Sprintf("token lacks scope %q", scope))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// TLSConfig builds the server's TLS configuration. It returns nil when the
// server should speak plain HTTP.
func (s *Server) TLSConfig() (*tls.Config, error) {
	switch {
	case s.cfg.PublicHostname != "":
		s.logger.Info("Admin TLS mode: Automatic (ACME TLS-ALPN-01)", "hostname", s.cfg.PublicHostname)
		if err := os.MkdirAll(s.cfg.AcmeCacheDir, 0o700); err != nil {
			return nil, fmt.Errorf("could not create ACME cache directory %s: %w", s.cfg.AcmeCacheDir, err)
		}
		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.PublicHostname),
			Cache:      autocert.DirCache(s.cfg.AcmeCacheDir),
		}
		return certManager.TLSConfig(), nil
	case s.cfg.TlsCertFile != "":
		s.logger.Info("Admin TLS mode: Manual (from file)")
		cert, err := tls.LoadX509KeyPair(s.cfg.TlsCertFile, s.cfg.TlsKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load admin TLS certificates: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	default:
		return nil, nil
	}
}

// Listen binds the admin address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("admin listener on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address once Listen has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve runs the server until ctx is cancelled, then shuts it down. Listen
// binds the address first if it has not been called.
func (s *Server) Serve(ctx context.Context) error {
	tlsConfig, err := s.TLSConfig()
	if err != nil {
		return err
	}
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin server listening", "address", s.listener.Addr().String(), "tls", tlsConfig != nil)
		var err error
		if tlsConfig != nil {
			err = srv.ServeTLS(s.listener, "", "")
		} else {
			err = srv.Serve(s.listener)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down admin server...")
	s.events.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Admin server shutdown incomplete", "error", err)
		_ = srv.Close()
	}
	<-errCh
	return nil
}
