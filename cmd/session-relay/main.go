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

	"github.com/kestrelmdm/session-relay/internal/auth"
	"github.com/kestrelmdm/session-relay/internal/backend"
	"github.com/kestrelmdm/session-relay/internal/broker"
	"github.com/kestrelmdm/session-relay/internal/config"
	"github.com/kestrelmdm/session-relay/internal/endpoints"
	"github.com/kestrelmdm/session-relay/internal/httpserver"
	"github.com/kestrelmdm/session-relay/internal/metrics"
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

	logger.Info("starting session-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"remote_session_enabled", cfg.RemoteSessionEnabled,
		"server_url_set", cfg.ServerURL != "",
		"max_message_bytes", cfg.MaxMessageBytes,
		"max_idle_timeout", cfg.MaxIdleTimeout,
		"max_messages_per_second", cfg.MaxMessagesPerSecond,
		"auth_mode", cfg.AuthMode,
		"backend_base_url_set", cfg.BackendBaseURL != "",
	)

	var client *backend.Client
	if cfg.BackendBaseURL != "" {
		client, err = backend.NewClient(backend.ClientConfig{
			BaseURL:      cfg.BackendBaseURL,
			ServiceToken: cfg.BackendServiceToken,
			Timeout:      cfg.BackendRequestTimeout,
		})
		if err != nil {
			logger.Error("failed to configure backend client", "err", err)
			os.Exit(2)
		}
	} else if cfg.RemoteSessionEnabled {
		logger.Error("remote sessions are enabled but " + config.EnvBackendBaseURL + " is not set")
		os.Exit(2)
	}

	var authenticator backend.TokenAuthenticator
	if cfg.AuthMode == config.AuthModeIntrospect {
		authenticator = client
	} else {
		authenticator, err = auth.NewAuthenticator(cfg)
		if err != nil {
			logger.Error("failed to configure authenticator", "err", err)
			os.Exit(2)
		}
	}

	m := metrics.New()
	b := broker.New(broker.Config{
		Enabled:         cfg.RemoteSessionEnabled,
		ServerURL:       cfg.ServerURL,
		MaxMessageBytes: cfg.MaxMessageBytes,
		MaxIdleTimeout:  cfg.MaxIdleTimeout,
	}, broker.Deps{
		Authenticator: authenticator,
		Authorizer:    client,
		Dispatcher:    client,
		Logger:        logger,
		Metrics:       m,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.SetMetrics(m)

	eps := endpoints.New(endpoints.Config{
		Broker:               b,
		Logger:               logger,
		Metrics:              m,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	})
	eps.RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the
	// Go build info when available (useful for `go run` / dev builds).
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
