package main

import (
	"bufio"
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/motionstream/motionstream/internal/animator"
	"github.com/motionstream/motionstream/internal/engineproc"
	"github.com/motionstream/motionstream/internal/session"
	"github.com/motionstream/motionstream/internal/shm"
	"github.com/motionstream/motionstream/pkg/config"
	"github.com/motionstream/motionstream/pkg/logging"
)

// engineCmd is the hidden self-exec target spawned by
// internal/session.spawnEngine (argv[1] == session.EngineHiddenSubcommand).
// It is never invoked directly by an operator.
func engineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    session.EngineHiddenSubcommand,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runEngine())
			return nil
		},
	}
	return cmd
}

func runEngine() int {
	configPath := os.Getenv(configEnvVar)
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
	}

	// The engine process's own stdout is the command-channel wire to
	// its parent; all engine-side logging goes to stderr, which the
	// parent attaches directly to its own stderr (internal/session/
	// spawn.go's spawnEngine).
	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	logger := logging.NewLogger("motionstream-engine", logCfg)

	registry := animator.NewRegistry()
	for _, kind := range cfg.Animators.Enabled {
		if kind == "clip" {
			registry.Register("clip", animator.NewClipAnimator())
		}
	}
	if cfg.Animators.HotReload && cfg.Animators.WatchDir != "" {
		w := animator.NewWatcher(cfg.Animators.WatchDir, registry, logger)
		_ = w.Start(context.Background()) // best-effort: engine processes are short-lived, no graceful stop needed
	}

	targetDt := time.Second / time.Duration(cfg.Sessions.TargetFPS)
	if cfg.Sessions.TargetFPS <= 0 {
		targetDt = time.Second / 60
	}

	codec := engineproc.NewCodec(os.Stdout, bufio.NewReader(os.Stdin))
	eng := engineproc.NewEngine(codec, registry, shm.Slots, targetDt, logger)

	return eng.Run(shm.Attach)
}
