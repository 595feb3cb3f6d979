package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/admin"
	"github.com/AtDexters-Lab/sni-relay/internal/auth"
	"github.com/AtDexters-Lab/sni-relay/internal/config"
	"github.com/AtDexters-Lab/sni-relay/internal/iface"
	"github.com/AtDexters-Lab/sni-relay/internal/logging"
	"github.com/AtDexters-Lab/sni-relay/internal/proxy"
	"github.com/AtDexters-Lab/sni-relay/internal/routing"
	"github.com/AtDexters-Lab/sni-relay/internal/stats"
	"github.com/AtDexters-Lab/sni-relay/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const summaryInterval = 5 * time.Minute

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, cleanup := logging.Setup(logging.Config{
		Dir:     cfg.Logging.Dir,
		Verbose: cfg.Logging.Verbose,
		JSON:    cfg.Logging.JSON,
	})
	defer cleanup()

	// SIGHUP must be claimed before any socket is bound.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	table, err := newTable(cfg)
	if err != nil {
		return err
	}
	collector := stats.NewCollector()

	var events iface.EventSink
	var adminSrv *admin.Server
	if cfg.Admin.Enabled() {
		var validator auth.Validator
		if cfg.Admin.JWTSecret != "" {
			validator, err = auth.NewValidator(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer)
			if err != nil {
				return err
			}
		} else {
			logger.Warn("Admin API has no jwtSecret; requests are not authenticated", "address", cfg.Admin.ListenAddress)
		}
		broadcaster := admin.NewBroadcaster(logger.With("component", "admin"))
		events = broadcaster
		adminSrv = admin.NewServer(cfg.Admin, table, collector, broadcaster, validator, logger.With("component", "admin"))
		if err := adminSrv.Listen(); err != nil {
			return err
		}
	}

	listener := proxy.NewListener(cfg, table, events, collector, logger)
	if err := listener.Listen(); err != nil {
		return err
	}

	logger.Info("Relay starting",
		"version", version.Full(),
		"listeners", len(cfg.Listeners),
		"routes", len(cfg.Routes),
		"default_route", len(cfg.DefaultRoute) > 0,
		"idle_timeout", cfg.IdleTimeout(),
		"admin", cfg.Admin.ListenAddress,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		listener.Serve(gctx)
		return nil
	})
	if adminSrv != nil {
		g.Go(func() error {
			return adminSrv.Serve(gctx)
		})
	}
	g.Go(func() error {
		reloadOnHangup(gctx, hup, flagConfigPath, table, logger)
		return nil
	})
	g.Go(func() error {
		logSummaries(gctx, collector, logger)
		return nil
	})

	err = g.Wait()
	logger.Info("Shutdown complete. Goodbye.")
	return err
}

// reloadOnHangup replaces the routing table from the configuration file each
// time a signal arrives on hup. Listener, admin and logging settings need a
// restart.
func reloadOnHangup(ctx context.Context, hup <-chan os.Signal, path string, table *routing.Table, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reloadRoutes(path, table); err != nil {
				logger.Error("Route reload failed, keeping previous table", "error", err)
				continue
			}
			routes, fallback := table.Routes()
			logger.Info("Routes reloaded", "routes", len(routes), "default_route", len(fallback) > 0)
		}
	}
}

func reloadRoutes(path string, table *routing.Table) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	routes, fallback := buildRoutes(cfg)
	if err := table.Replace(routes, fallback); err != nil {
		return fmt.Errorf("replace routing table: %w", err)
	}
	return nil
}

func logSummaries(ctx context.Context, collector *stats.Collector, logger *slog.Logger) {
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := collector.Snapshot()
			logger.Info("Relay summary",
				"uptime", s.Uptime,
				"accepted", s.Accepted,
				"routed", s.Routed,
				"active", s.Active,
				"rejections", s.Rejections,
			)
		}
	}
}
