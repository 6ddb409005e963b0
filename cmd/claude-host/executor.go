package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/config"
	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/executor"
	"github.com/claude-host/claude-host/internal/executoragent"
	"github.com/claude-host/claude-host/internal/rich"
	"github.com/claude-host/claude-host/internal/terminal"
	"github.com/claude-host/claude-host/internal/tmux"
)

const version = "dev"

func newExecutorCmd() *cobra.Command {
	var (
		url        string
		token      string
		id         string
		name       string
		labels     []string
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Run as a remote executor agent",
		Long:  "Connects to a control plane, registers this machine as an executor, and hosts sessions on its behalf.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("CLAUDEHOST_EXECUTOR_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("executor token required (--token or CLAUDEHOST_EXECUTOR_TOKEN)")
			}
			hostname, err := os.Hostname()
			if err != nil {
				hostname = "executor"
			}
			if id == "" {
				id = hostname
			}
			if name == "" {
				name = hostname
			}
			cfg, err := config.LoadWithPath(configPath)
			if err != nil {
				return err
			}
			return runExecutor(cfg, executoragent.Options{
				URL:     url,
				Token:   token,
				ID:      id,
				Name:    name,
				Labels:  labels,
				Version: version,
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "control plane WebSocket URL")
	cmd.Flags().StringVar(&token, "token", "", "executor key or static token (falls back to CLAUDEHOST_EXECUTOR_TOKEN)")
	cmd.Flags().StringVar(&id, "id", "", "stable executor id (defaults to hostname)")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to hostname)")
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "labels reported to the control plane")
	cmd.Flags().StringVar(&configPath, "config", "", "configuration directory")
	cmd.MarkFlagRequired("url")
	return cmd
}

func runExecutor(cfg *config.Config, opts executoragent.Options) error {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := tmux.NewRunner(cfg.Tmux.Binary, cfg.Tmux.Socket, cfg.Rich.AgentBinary, log)
	if err := runner.Preflight(ctx); err != nil {
		log.Error("preflight failed", zap.Error(err))
		os.Exit(exitPreflight)
	}

	terminals := terminal.NewManager(runner, log)
	richMgr, err := rich.NewManager(cfg.Rich, log)
	if err != nil {
		log.Error("failed to initialize rich session store", zap.Error(err))
		os.Exit(exitPreflight)
	}
	defer richMgr.Shutdown()
	local := executor.NewLocal(runner, terminals, richMgr, log)

	agent := executoragent.New(opts, local, log)
	if err := agent.Run(ctx); err != nil {
		if errors.Is(err, executoragent.ErrUpgradeRequested) {
			// Exit cleanly so the supervisor restarts us on a fresh binary.
			log.Info("upgrade requested, exiting")
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}
