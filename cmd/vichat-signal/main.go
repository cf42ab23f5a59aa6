package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/adeita/vichat/internal/config"
	"github.com/adeita/vichat/internal/guard"
	"github.com/adeita/vichat/internal/httpserver"
	"github.com/adeita/vichat/internal/liveness"
	"github.com/adeita/vichat/internal/metrics"
	"github.com/adeita/vichat/internal/relay"
	"github.com/adeita/vichat/internal/room"
	"github.com/adeita/vichat/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting vichat-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"sweep_interval", cfg.SweepInterval,
		"inactivity_timeout", cfg.InactivityTimeout,
		"max_connections", cfg.MaxConnections,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.SharedSecret != "",
		"static_dir_set", cfg.StaticDir != "",
	)

	logStartupWarnings(logger, cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("vichat-signal exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	g, err := guard.New(cfg.GuardLimits())
	if err != nil {
		return fmt.Errorf("configure abuse guard: %w", err)
	}

	m := metrics.New()
	reg, err := room.NewRegistry(room.Config{
		Guard:             g,
		Metrics:           m,
		Logger:            logger,
		InactivityTimeout: cfg.InactivityTimeout,
	})
	if err != nil {
		return fmt.Errorf("configure room registry: %w", err)
	}
	dir := relay.NewDirectory(relay.Config{
		MaxConnections: cfg.MaxConnections,
		Connected:      reg.IsConnected,
		Metrics:        m,
		Logger:         logger,
	})
	reg.SetNotifier(dir)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		return fmt.Errorf("configure http server: %w", err)
	}
	srv.SetRooms(reg)

	sig, err := signaling.NewServer(signaling.Config{
		Registry:             reg,
		Directory:            dir,
		Origin:               srv.OriginPolicy(),
		HeartbeatInterval:    cfg.HeartbeatInterval,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueue:            cfg.SignalingSendQueue,
		Metrics:              m,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("configure signaling: %w", err)
	}
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metricsHandler(m, reg, dir))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		sig.Close()
		return fmt.Errorf("listen: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := &liveness.Monitor{
		Sweeper:  reg,
		Interval: cfg.SweepInterval,
		OnEvict: func(id string) {
			dir.Close(id, signaling.CloseInactive, "inactive")
		},
		Logger: logger,
	}
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		stop()
		<-monitorDone
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	<-monitorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server; close
	// them first so Shutdown only waits on plain requests.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}

func metricsHandler(m *metrics.Metrics, reg *room.Registry, dir *relay.Directory) http.Handler {
	return metrics.PrometheusHandler(m,
		metrics.Gauge{
			Name:  "vichat_signal_rooms",
			Help:  "Rooms with at least one member.",
			Value: func() int { return reg.Stats().Rooms },
		},
		metrics.Gauge{
			Name:  "vichat_signal_participants",
			Help:  "Connected participants.",
			Value: func() int { return reg.Stats().Participants },
		},
		metrics.Gauge{
			Name:  "vichat_signal_connections",
			Help:  "Registered signaling connections.",
			Value: dir.Len,
		},
	)
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (`go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
