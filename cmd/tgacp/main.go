package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/tgacp/tgacp/internal/acp"
	"github.com/tgacp/tgacp/internal/bot"
	"github.com/tgacp/tgacp/internal/config"
	"github.com/tgacp/tgacp/internal/logger"
	"github.com/tgacp/tgacp/internal/pool"
	"github.com/tgacp/tgacp/internal/provision"
	"github.com/tgacp/tgacp/internal/store"
	"github.com/tgacp/tgacp/internal/telegram"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./tgacp.yaml if present)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		LogDir: cfg.LogDir,
		Level:  cfg.LogLevel,
		JSON:   cfg.LogDir != "",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := slog.Default()

	log.Info("validating prerequisites", "agentCommand", cfg.AgentCommand)
	if err := cfg.ValidateAgentCLI(); err != nil {
		return err
	}

	prov, err := provision.New(cfg, "", logger.WithComponent("provision"))
	if err != nil {
		return err
	}
	if err := prov.Provision(); err != nil {
		return fmt.Errorf("provision agent config: %w", err)
	}

	if err := os.MkdirAll(cfg.WorkspaceBasePath, 0o755); err != nil {
		return fmt.Errorf("create workspace base: %w", err)
	}

	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	procPool := pool.New(pool.Config{
		MaxProcesses: cfg.MaxProcesses,
		IdleTimeout:  cfg.IdleTimeout(),
		Spawn:        spawnAgent(cfg),
		Logger:       logger.WithComponent("pool"),
	})

	log.Info("initializing process pool", "agent", cfg.AgentName, "maxProcesses", cfg.MaxProcesses)
	if err := procPool.Initialize(ctx); err != nil {
		return err
	}
	defer procPool.Shutdown()

	api := telegram.NewClient(cfg.BotToken, logger.WithComponent("telegram"))
	gateway := bot.New(cfg, api, st, procPool, logger.WithComponent("bot"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.Run(ctx)
	})

	log.Info("gateway started, polling for updates")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("shutting down")
	return nil
}

// spawnAgent builds the pool's spawn function: start the agent CLI in
// protocol mode for the configured agent and run the handshake.
func spawnAgent(cfg *config.Config) pool.SpawnFunc {
	return func(ctx context.Context) (pool.Client, error) {
		client, err := acp.Spawn(acp.SpawnOptions{
			Command: cfg.AgentCommand,
			Args:    []string{"acp", "--agent", cfg.AgentName},
			Logger:  logger.WithComponent("acp"),
		})
		if err != nil {
			return nil, err
		}
		if err := client.Initialize(ctx); err != nil {
			client.Kill()
			return nil, err
		}
		return client, nil
	}
}
