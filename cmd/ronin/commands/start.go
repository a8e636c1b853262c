package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/RONIN/action"
	"github.com/teranos/RONIN/config"
	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/instance"
	"github.com/teranos/RONIN/logger"
	"github.com/teranos/RONIN/marketplace"
	"github.com/teranos/RONIN/memory"
	"github.com/teranos/RONIN/orchestrator"
	"github.com/teranos/RONIN/pace"
	"github.com/teranos/RONIN/profile"
	"github.com/teranos/RONIN/proposal"
	"github.com/teranos/RONIN/server"
	"github.com/teranos/RONIN/version"
	"github.com/teranos/RONIN/workspace"
)

// StartCmd runs the agent daemon in the foreground
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agent daemon",
	Long: `Run the agent daemon in foreground mode.

The daemon will:
- Sweep the marketplace for new listings on the poll interval
- Evaluate, apply to and deliver jobs through their lifecycle
- Poll the inbox and apply client signals to job stages
- Serve the operator status API when server.enabled is set
- Run until interrupted (Ctrl+C) with graceful shutdown

Without marketplace credentials configured the daemon runs offline:
listings arrive only through 'ronin ingest' and no outbound actions
reach the marketplace.`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	dbPath := cfg.GetDatabasePath()
	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	identity, err := instance.LoadOrCreate(database, logger.Logger)
	if err != nil {
		return err
	}

	// One daemon per store; a second start must fail loudly, not
	// double-apply to the same listings
	lock, err := instance.Acquire(dbPath+".lock", identity.ID, logger.Logger)
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyRunning) {
			return errors.WithHint(err, "another ronin daemon owns this database; stop it first")
		}
		return err
	}
	defer lock.Release()

	prof, err := profile.Load(cfg.Profile.Path, version.Version)
	if err != nil {
		return errors.Wrap(err, "failed to load profile")
	}
	proposals, err := proposal.NewGenerator(prof, cfg.Proposal)
	if err != nil {
		return errors.Wrap(err, "failed to load proposal templates")
	}
	ws, err := workspace.New(cfg.Workspace, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to prepare workspace")
	}

	store := memory.NewStore(database)
	pacer := pace.NewController(cfg.Pace)
	registry := action.NewRegistry()

	// Marketplace wiring is optional: without a base URL the daemon runs
	// offline and listings arrive through manual ingestion only
	var source orchestrator.JobSource
	var messages orchestrator.MessageSource
	offline := cfg.Marketplace.BaseURL == ""
	if offline {
		logger.Warnw("No marketplace base URL configured, running offline")
	} else {
		client, err := marketplace.NewClient(cfg.Marketplace, cfg.Pace.RequestsPerMinute, logger.Logger)
		if err != nil {
			return errors.Wrap(err, "failed to create marketplace client")
		}
		session := marketplace.NewSession(client, cfg.Marketplace, logger.Logger)

		source = marketplace.NewDiscoverer(client, session, logger.Logger)
		messages = marketplace.NewInbox(client, session, logger.Logger)

		registry.Register(marketplace.NewApplyExecutor(client, session, proposals, logger.Logger))
		registry.Register(marketplace.NewMessageExecutor(client, session, proposals, logger.Logger))
		registry.Register(marketplace.NewDeliverExecutor(client, session, ws, proposals, logger.Logger))
	}

	orch := orchestrator.New(store, pacer, registry, cfg, logger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := orchestrator.NewRunner(ctx, orch, source, messages, ws, cfg, logger.Logger)
	runner.Start()

	var statusServer *server.AgentServer
	if cfg.Server.Enabled {
		statusServer = server.New(orch, runner, cfg, logger.Logger)
		if err := statusServer.Start(cfg.GetServerPort()); err != nil {
			runner.Stop()
			return errors.Wrap(err, "failed to start status server")
		}
	}

	setupConfigWatcher(orch)

	printStartupBanner(dbPath, identity.ID, cfg, offline)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")

	// Reverse order of startup; an in-flight job action completes before
	// the runner lets go
	if statusServer != nil {
		statusServer.Stop()
	}
	runner.Stop()
	cancel()

	fmt.Println("Daemon stopped")
	return nil
}

// setupConfigWatcher hot-reloads match criteria, pacing and quotas on
// config file edits. Identity-affecting keys such as database.path still
// require a restart.
func setupConfigWatcher(orch *orchestrator.Orchestrator) {
	configPath := config.GetViper().ConfigFileUsed()
	if configPath == "" {
		logger.Infow("No config file found, using defaults (config watching disabled)")
		return
	}

	watcher, err := config.NewConfigWatcher(configPath)
	if err != nil {
		logger.Warnw("Failed to create config watcher, manual restart required for config changes", "error", err)
		return
	}
	config.SetGlobalWatcher(watcher)

	watcher.OnReload(func(newCfg *config.Config) error {
		orch.ApplyConfig(newCfg)
		logger.Infow("Config reloaded",
			"match_threshold", newCfg.Match.Threshold,
			"daily_apply_quota", newCfg.Agent.DailyApplyQuota)
		return nil
	})

	watcher.Start()
	logger.Infow("Config watcher started", "path", configPath)
}
