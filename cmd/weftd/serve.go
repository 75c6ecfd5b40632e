package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/broadcaster"
	"github.com/weftlabs/weft/internal/checkpoint"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/controlplane"
	"github.com/weftlabs/weft/internal/director"
	"github.com/weftlabs/weft/internal/gitrunner"
	"github.com/weftlabs/weft/internal/llm"
	"github.com/weftlabs/weft/internal/logging"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/strategist"
	"github.com/weftlabs/weft/internal/toolset"
	"github.com/weftlabs/weft/internal/transport"
	"github.com/weftlabs/weft/internal/worker"
	"github.com/weftlabs/weft/internal/worktree"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the weftd daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "path to a config file (overrides XDG/project discovery)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	log := logging.Component("weftd")

	invoker, err := llm.NewAnthropicInvoker(llm.Config{
		APIKey: cfg.Anthropic.APIKey,
		Model:  anthropic.Model(cfg.Anthropic.Model),
	})
	if err != nil {
		return fmt.Errorf("create llm invoker: %w", err)
	}

	st := store.New()

	cp, err := openCheckpointer(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("open checkpointer: %w", err)
	}
	defer cp.Close()

	bc := broadcaster.New(64)

	wm, err := worktree.NewWithRunnerFactory(cfg.Worktree.BaseDir, cfg.Worktree.TrunkPath,
		func(path string) gitrunner.Runner { return gitrunner.NewRunner(path) })
	if err != nil {
		return fmt.Errorf("create worktree manager: %w", err)
	}

	d := director.New(invoker)
	w := worker.New(invoker, func(worktreeRoot string) toolset.Registry { return toolset.New(worktreeRoot) })
	s := strategist.New(invoker, wm)

	plane := controlplane.New(st, cp, bc, wm, d, w, s,
		controlplane.WithQueueCapacity(cfg.Dispatch.QueueCapacity),
		controlplane.WithPollInterval(cfg.Dispatch.PollInterval),
		controlplane.WithSpawnStagger(cfg.Dispatch.SpawnStagger))

	srv := transport.New(transport.Config{
		Addr:            cfg.Server.Addr,
		CORSOrigins:     cfg.Server.CORSOrigins,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}, logging.Component("transport"), plane, bc)

	srv.Start()
	log.Info().Str("addr", cfg.Server.Addr).Msg("weftd serving")
	printStatus("listening on", cfg.Server.Addr)
	printStatus("checkpoint backend", cfg.Checkpoint.Backend)
	printStatus("trunk", cfg.Worktree.TrunkPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig() (*config.Config, error) {
	if serveConfigPath != "" {
		return config.LoadFromPath(serveConfigPath)
	}
	return config.Load()
}

func openCheckpointer(cfg config.CheckpointConfig) (checkpoint.Checkpointer, error) {
	if err := os.MkdirAll(parentDir(cfg.Path), 0755); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "file":
		return checkpoint.OpenFileStore(cfg.Path)
	default:
		return checkpoint.OpenSQLite(cfg.Path)
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
