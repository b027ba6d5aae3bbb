// Package main implements the entry point for the Myozen telemetry
// bridge. The bridge ingests EMG/EMS device telemetry from the broker
// and wireless transports, buffers session records locally, and syncs
// them to the remote store on a fixed cadence.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Joothis/myozen/config"
	"github.com/Joothis/myozen/metric"
	"github.com/Joothis/myozen/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "myozen"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg, cliCfg)

	logger := setupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting Myozen telemetry bridge",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"pubsub_enabled", cfg.PubSubEnabled(),
		"wireless_enabled", cfg.WirelessEnabled(),
		"sync_enabled", cfg.Remote != nil)

	registry := metric.NewRegistry()

	bridge, err := service.New(cfg,
		service.WithLogger(logger),
		service.WithMetrics(registry))
	if err != nil {
		return fmt.Errorf("assemble bridge: %w", err)
	}

	servers := startHTTPServers(cfg, bridge, registry)
	defer stopHTTPServers(servers)

	return runWithSignalHandling(bridge, cliCfg.ShutdownTimeout)
}

// applyCLIOverrides layers command-line flags over the loaded config.
func applyCLIOverrides(cfg *config.Config, cli *CLIConfig) {
	if cli.LogLevel != "" {
		cfg.Observability.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Observability.LogFormat = cli.LogFormat
	}
	if cli.StatusAddr != "" {
		cfg.Observability.StatusAddr = cli.StatusAddr
	}
	if cli.MetricsAddr != "" {
		cfg.Observability.MetricsAddr = cli.MetricsAddr
	}
}

// startHTTPServers launches the status and metrics listeners when
// configured. Listener failures log and leave the pipeline running; the
// bridge does not depend on either endpoint.
func startHTTPServers(cfg *config.Config, bridge *service.Bridge, registry *metric.Registry) []*http.Server {
	var servers []*http.Server

	if addr := cfg.Observability.StatusAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: bridge.Handler(), ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		go func() {
			slog.Info("status endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("status server failed", "error", err)
			}
		}()
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		servers = append(servers, srv)
		go func() {
			slog.Info("metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	return servers
}

func stopHTTPServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
}

// runWithSignalHandling starts the bridge and blocks until a shutdown
// signal arrives.
func runWithSignalHandling(bridge *service.Bridge, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := bridge.Start(signalCtx); err != nil {
		_ = bridge.Stop(shutdownTimeout)
		return fmt.Errorf("start bridge: %w", err)
	}
	slog.Info("Myozen started, ingesting telemetry")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := bridge.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Myozen shutdown complete")
	return nil
}
