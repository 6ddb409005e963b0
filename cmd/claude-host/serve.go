package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/claude-host/claude-host/internal/common/config"
	"github.com/claude-host/claude-host/internal/common/logger"
	"github.com/claude-host/claude-host/internal/db"
	"github.com/claude-host/claude-host/internal/executor"
	"github.com/claude-host/claude-host/internal/gateway"
	"github.com/claude-host/claude-host/internal/rich"
	"github.com/claude-host/claude-host/internal/session"
	"github.com/claude-host/claude-host/internal/terminal"
	"github.com/claude-host/claude-host/internal/tmux"
)

// Exit codes: 0 clean, 1 startup preflight failure, 2 auth secret absent
// in production mode.
const (
	exitPreflight  = 1
	exitAuthSecret = 2
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port       int
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithPath(configPath)
			if err != nil {
				if strings.Contains(err.Error(), "auth.secret") {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(exitAuthSecret)
				}
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides configuration)")
	cmd.Flags().StringVar(&configPath, "config", "", "configuration directory")
	return cmd
}

func runServe(cfg *config.Config) error {
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := tmux.NewRunner(cfg.Tmux.Binary, cfg.Tmux.Socket, cfg.Rich.AgentBinary, log)
	if err := runner.Preflight(ctx); err != nil {
		log.Error("preflight failed", zap.Error(err))
		os.Exit(exitPreflight)
	}

	database, err := db.OpenSQLite(cfg.Database.Path)
	if err != nil {
		log.Error("failed to open metadata store", zap.Error(err))
		os.Exit(exitPreflight)
	}
	defer database.Close()

	reader, err := db.OpenSQLiteReader(cfg.Database.Path)
	if err != nil {
		log.Error("failed to open metadata read pool", zap.Error(err))
		os.Exit(exitPreflight)
	}
	defer reader.Close()

	store, err := session.NewStore(database, reader)
	if err != nil {
		log.Error("failed to initialize metadata store", zap.Error(err))
		os.Exit(exitPreflight)
	}

	terminals := terminal.NewManager(runner, log)
	richMgr, err := rich.NewManager(cfg.Rich, log)
	if err != nil {
		log.Error("failed to initialize rich session store", zap.Error(err))
		os.Exit(exitPreflight)
	}
	local := executor.NewLocal(runner, terminals, richMgr, log)

	reg := executor.NewRegistry(cfg.Executor, log)
	mgr := session.NewManager(store, local, reg, cfg.Executor, cfg.Rich.AgentBinary, log)
	reg.OnHeartbeat(mgr.HandleHeartbeat)
	reg.Start()
	defer reg.Stop()

	if err := mgr.SyncLocal(ctx); err != nil {
		log.Warn("local session reconcile failed", zap.Error(err))
	}

	auth := gateway.NewAuthenticator(cfg.Auth, mgr.AdoptUnownedResources, log)
	srv := gateway.NewServer(cfg, mgr, reg, auth, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	// Flush rich event logs and terminate agent subprocesses before exit.
	richMgr.Shutdown()
	return nil
}
