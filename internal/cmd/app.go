package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harrison/conductor/internal/agentrunner"
	"github.com/harrison/conductor/internal/config"
	"github.com/harrison/conductor/internal/copilotcli"
	"github.com/harrison/conductor/internal/executor"
	"github.com/harrison/conductor/internal/gitops"
	"github.com/harrison/conductor/internal/history"
	"github.com/harrison/conductor/internal/logger"
	"github.com/harrison/conductor/internal/models"
	"github.com/harrison/conductor/internal/persistence"
	"github.com/harrison/conductor/internal/procrunner"
)

// Version is the conductor version string, injected by main at build time.
var Version = "dev"

// app wires together a Runner and its collaborators for one CLI invocation.
// Every subcommand loads config, opens the on-disk plan store, and
// constructs a fresh Runner: state itself lives in internal/persistence,
// not in this process, so consecutive CLI invocations see the same plans.
type app struct {
	cfg     *config.Config
	store   *persistence.Store
	history *history.Store
	log     logger.PlanLogger
	bus     *executor.Bus
	runner  *executor.Runner
	prober  *copilotcli.Prober
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := persistence.NewStore(cfg.Persistence.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open plan store: %w", err)
	}

	histDB := cfg.Persistence.HistoryDB
	hist, err := history.NewStore(histDB)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	consoleLog := logger.NewConsoleLogger(os.Stdout, cfg.Logging.Level)

	bus := executor.NewBus()
	runner := executor.NewRunner(executor.RunnerDeps{
		NewGitClient: func(repoPath string) *gitops.Client { return gitops.New(repoPath) },
		NewExecutor: func(git *gitops.Client) *executor.Executor {
			return executor.NewExecutor(git, procrunner.New(), agentrunner.New())
		},
		Persister:         store,
		Archiver:          hist,
		Log:               consoleLog,
		GlobalMaxParallel: cfg.GlobalMaxParallel,
	}, bus)

	return &app{
		cfg:     cfg,
		store:   store,
		history: hist,
		log:     consoleLog,
		bus:     bus,
		runner:  runner,
		prober:  copilotcli.New(),
	}, nil
}

// preflightAgentCLI checks that a usable copilot CLI is reachable before a
// plan containing agent work starts running, so a missing/misconfigured
// CLI fails fast with a clear message instead of mid-pipeline on the first
// agent node (spec.md section 6).
func (a *app) preflightAgentCLI(plan *models.PlanInstance) error {
	hasAgentWork := false
	for _, node := range plan.Nodes {
		if isAgentSpec(node.Work) || isAgentSpec(node.Prechecks) || isAgentSpec(node.Postchecks) {
			hasAgentWork = true
			break
		}
	}
	if !hasAgentWork {
		return nil
	}
	if !a.prober.Available(context.Background()) {
		return fmt.Errorf("plan %s has agent work but no copilot CLI was found on PATH", plan.ID)
	}
	return nil
}

func isAgentSpec(w *models.WorkSpec) bool {
	return w != nil && w.IsAgent()
}

// attachFileLogger opens a JSONL log file for planID under the configured
// logging directory and points the Runner at a logger that fans out to it
// alongside the existing console logger. Returns a nil FileLogger (and
// leaves the console-only logger in place) when file logging is disabled.
func (a *app) attachFileLogger(planID string) (*logger.FileLogger, error) {
	if !a.cfg.Logging.JSONFiles {
		return nil, nil
	}
	fileLog, err := logger.NewFileLogger(a.cfg.Logging.Dir, planID, a.cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("open plan log file: %w", err)
	}
	a.runner.SetLogger(logger.NewMultiLogger(a.log, fileLog))
	return fileLog, nil
}

func (a *app) Close() error {
	var firstErr error
	if err := a.history.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// loadPlan reads a plan snapshot from disk and registers it with the
// Runner, so a subcommand running in a fresh process can act on it.
func (a *app) loadPlan(planID string) error {
	plan, err := a.store.Load(planID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", planID, err)
	}
	a.runner.Register(plan)
	return nil
}

func defaultConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	home, err := config.ConductorHome()
	if err != nil {
		return filepath.Join(".conductor", "config.yaml")
	}
	return filepath.Join(home, "config.yaml")
}
