package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/motionstream/motionstream/internal/animator"
	"github.com/motionstream/motionstream/internal/api"
	"github.com/motionstream/motionstream/internal/session"
	"github.com/motionstream/motionstream/pkg/audit"
	"github.com/motionstream/motionstream/pkg/config"
	"github.com/motionstream/motionstream/pkg/logging"
	"github.com/motionstream/motionstream/pkg/metrics"
)

// configEnvVar carries the resolved config path to the self-exec'd
// engine subcommand via the child's inherited environment, so both
// processes load identical animator-registry settings without adding
// a second flag to the hidden engine verb.
const configEnvVar = "MOTIONSTREAM_CONFIG"

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and session manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "configs/motionstream.yaml", "path to YAML configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config not found at %s, using defaults: %v\n", configPath, err)
		cfg = config.Default()
	}
	os.Setenv(configEnvVar, configPath)

	logger := logging.NewLogger("motionstream", cfg.Logging)
	logger.Info("starting motionstream server", "version", version)

	reg := metrics.NewRegistry("motionstream", version, buildTime, gitCommit, logger)
	if cfg.Metrics.Enabled {
		go func() {
			if err := reg.StartMetricsServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	registry := buildAnimatorRegistry(cfg, logger)

	var watcher *animator.Watcher
	if cfg.Animators.HotReload && cfg.Animators.WatchDir != "" {
		watcher = animator.NewWatcher(cfg.Animators.WatchDir, registry, logger)
		if err := watcher.Start(context.Background()); err != nil {
			logger.Error("animator watcher failed to start", "error", err)
		}
	}

	auditStore, err := audit.Open(cfg.Audit, logger)
	if err != nil {
		logger.Error("audit store failed to open", "error", err)
		return err
	}
	defer auditStore.Close()

	sessionCfg := session.Config{
		TargetDt:              time.Second / time.Duration(cfg.Sessions.TargetFPS),
		InitTimeout:           config.ParseDuration(cfg.Sessions.InitTimeout, 10*time.Second),
		CloseGracePeriod:      config.ParseDuration(cfg.Sessions.CloseGracePeriod, 2*time.Second),
		SubscriberSendTimeout: config.ParseDuration(cfg.Sessions.SubscriberSendTimeout, 267*time.Millisecond),
		WorkerPoolSize:        cfg.Sessions.WorkerPoolSize,
	}
	manager := session.NewManager(sessionCfg, registry, logger)

	authCfg := api.AuthConfig{JWTSecret: os.Getenv("MOTIONSTREAM_JWT_SECRET")}

	apiServer := api.NewServer(manager, auditStore, reg, authCfg, logger)
	healthServer := api.NewHealthServer(logger, reg)

	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
		if err := apiServer.Start(addr); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort)
		if err := healthServer.Start(addr); err != nil {
			errCh <- fmt.Errorf("grpc health server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error, shutting down", "error", err)
	}

	if watcher != nil {
		watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, id := range manager.List() {
		if err := manager.Close(shutdownCtx, id); err != nil {
			logger.Warn("error closing session during shutdown", "session_id", id, "error", err)
		}
	}

	healthServer.Stop(shutdownCtx)
	return apiServer.Stop(shutdownCtx)
}

// buildAnimatorRegistry registers the statically known animator
// kinds from configuration; the watcher (if enabled) adds to this set
// at runtime.
func buildAnimatorRegistry(cfg *config.Config, logger *slog.Logger) *animator.Registry {
	registry := animator.NewRegistry()
	for _, kind := range cfg.Animators.Enabled {
		switch kind {
		case "clip":
			registry.Register("clip", animator.NewClipAnimator())
		default:
			logger.Warn("unknown animator kind in config, skipping", "kind", kind)
		}
	}
	return registry
}
