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
	"sync/atomic"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/router"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/sessiontimer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/signaling"
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

	logger.Info("starting aero-call-signaling",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"time_limited_roles", cfg.TimeLimitedRoles,
		"session_tick_interval", cfg.SessionTickInterval,
		"session_default_budget", cfg.SessionDefaultBudget,
		"notify_peer_on_disconnect", cfg.NotifyPeerOnDisconnect,
		"strict_sdp", cfg.StrictSDP,
	)
	logStartupSecurityWarnings(logger, cfg)

	authenticator, err := auth.NewAuthenticator(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	reg := registry.New(logger.With("component", "registry"))
	dir := directory.New(logger.With("component", "directory"))
	ctrl := signaling.NewController(signaling.ControllerConfig{
		Registry:  reg,
		Directory: dir,
		Router:    router.New(reg, dir, m, logger.With("component", "router")),
		Timers: sessiontimer.NewManager(dir, m, sessiontimer.Config{
			Interval:      cfg.SessionTickInterval,
			WarnThreshold: cfg.SessionWarnThreshold,
			DefaultBudget: cfg.SessionDefaultBudget,
		}, logger.With("component", "sessiontimer")),
		Metrics:                m,
		Logger:                 logger.With("component", "signaling"),
		IsTimeLimitedRole:      cfg.IsTimeLimitedRole,
		NotifyPeerOnDisconnect: cfg.NotifyPeerOnDisconnect,
		StrictSDP:              cfg.StrictSDP,
	})
	sig, err := signaling.NewServer(signaling.Config{
		Controller:        ctrl,
		Authenticator:     authenticator,
		AllowedOrigins:    cfg.AllowedOrigins,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		UpgradesPerMinute: cfg.MaxSignalingUpgradesPerMinute,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		Metrics:           m,
		Logger:            logger.With("component", "signaling"),
	})
	if err != nil {
		logger.Error("failed to configure signaling server", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	var draining atomic.Bool
	srv.AddReadinessCheck("signaling", func() error {
		if draining.Load() {
			return errors.New("draining")
		}
		return nil
	})

	sig.RegisterRoutes(srv.Mux())
	promReg := metrics.NewRegistry(m, metrics.Gauges{Connections: dir, Proposals: reg})
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(promReg))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		ctrl.CloseAll()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received", "connections", dir.Len(), "proposals", reg.Len())
	}

	draining.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Hijacked sockets outlive Shutdown; closing them runs each participant's
	// disconnect path, which also stops its session timer.
	ctrl.CloseAll()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags win; otherwise fall back to the VCS stamp from `go build`.
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
