// Package main is the entry point for Gatehouse, a multi-tenant admission
// proxy for node query infrastructure.
//
// Gatehouse sits in front of shared backend query endpoints and decides, per
// request, whether traffic is forwarded:
//   - Tenant identity from an auth token header or the request host
//   - Tenants and rate-limit tiers provisioned via Kubernetes resources,
//     reconciled into in-memory registries
//   - Tier-scoped token-bucket cascades shared by all tenants on a tier
//   - An upstream health gate that sheds traffic while the backend is down
//   - Multi-protocol proxying: HTTP, gRPC, SSE, WebSocket
//   - Full observability: Prometheus metrics, health checks, structured
//     logging, OpenTelemetry tracing
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	configPath := flag.String("config", "",
		"path to the YAML config file (default: GATEHOUSE_CONFIG_FILE or /etc/gatehouse/config.yaml)")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Printf("gatehouse %s\n", version)
		return
	}

	path := *configPath
	if path == "" {
		path = config.ConfigFilePath()
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// The LevelVar lets a config reload change verbosity in place.
	logger, levelVar := observability.NewLeveledLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting gatehouse", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version, server.WithLevelVar(levelVar))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(path, func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	// Watch the TLS key pair so certificate rotation (e.g. a remounted
	// Kubernetes secret) is picked up without a restart.
	if cfg.Server.TLS.Enabled {
		certWatcher := config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile,
			func(certFile, keyFile string) {
				if certErr := srv.ReloadCerts(certFile, keyFile); certErr != nil {
					logger.Error("certificate reload failed", "error", certErr)
				} else {
					logger.Info("TLS certificates rotated")
				}
			}, logger)
		go func() {
			if watchErr := certWatcher.Start(ctx); watchErr != nil {
				logger.Error("certificate watcher error", "error", watchErr)
			}
		}()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("gatehouse shut down gracefully")
}
