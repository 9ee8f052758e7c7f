package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"draftforge/internal/assemble"
	"draftforge/internal/changes"
	"draftforge/internal/config"
	"draftforge/internal/llm"
	"draftforge/internal/phase"
	"draftforge/internal/runner"
	"draftforge/internal/store"
)

var (
	// Global flags
	configPath string
	debug      bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "draftforge",
	Short: "DraftForge - staged product-requirements drafting agent",
	Long: `DraftForge drives a nine-phase requirements pipeline. Each phase runs a
plan/draft/review convergence loop against a language model, records a
replayable trace, and hands its deliverable to the next phase.

Subcommands execute a single phase, refine an existing deliverable in
conversation, classify a change request, attach project assets, and
inspect recorded runs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if debug {
			cfg.Logging.Debug = true
		}

		zcfg := zap.NewProductionConfig()
		if cfg.Logging.Debug {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runtime bundles the wired collaborators one command invocation needs.
type runtime struct {
	store     *store.SQLiteStore
	registry  runner.PhaseRegistry
	assembler *assemble.Assembler
	orch      *runner.Orchestrator
	analyzer  *changes.Analyzer
	watcher   *phase.Watcher
}

func (r *runtime) close() {
	if r.watcher != nil {
		r.watcher.Stop()
	}
	if err := r.store.Close(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
}

// buildRuntime opens storage and wires the registry, assembler, runner and
// classifier from the loaded config.
func buildRuntime(ctx context.Context) (*runtime, error) {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	client := llm.NewTracingClient(llm.NewHTTPClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		Timeout:        cfg.LLM.TimeoutDuration(),
		MaxRetries:     cfg.LLM.MaxRetries,
		RateLimitDelay: cfg.LLM.RateLimitDuration(),
	}), logger)

	rt := &runtime{store: st}
	var registry runner.PhaseRegistry = phase.NewRegistry()
	if cfg.Phases.OverridesPath != "" {
		overridable, err := phase.NewOverridableRegistry(cfg.Phases.OverridesPath)
		if err != nil {
			st.Close()
			return nil, err
		}
		registry = overridable
		if cfg.Phases.WatchOverrides {
			watcher, err := phase.NewWatcher(overridable, logger)
			if err != nil {
				st.Close()
				return nil, err
			}
			if err := watcher.Start(ctx); err != nil {
				st.Close()
				return nil, err
			}
			rt.watcher = watcher
		}
	}
	rt.registry = registry

	resolver := assemble.NewFileResolver(cfg.Context.InlineImageLimit, cfg.Context.InlineTextLimit)
	rt.assembler = assemble.New(st, st, st, resolver, assemble.Config{
		MaxArtifacts:       cfg.Context.MaxArtifacts,
		MaxAssets:          cfg.Context.MaxAssets,
		OutputExcerptLen:   cfg.Context.OutputExcerptLen,
		ArtifactExcerptLen: cfg.Context.ArtifactExcerptLen,
		OutputsBudget:      cfg.Context.OutputsBudget,
		ArtifactsBudget:    cfg.Context.ArtifactsBudget,
	}, logger)

	rt.orch = runner.New(st, rt.assembler, registry, client, runner.Config{
		Strategy:      cfg.Runner.Strategy,
		MaxIterations: cfg.Runner.MaxIterations,
		PassScore:     cfg.Runner.PassScore,
		MaxTokens:     cfg.Runner.MaxTokens,
	}, logger)

	rt.analyzer = changes.NewAnalyzer(st, rt.assembler, client, cfg.Runner.MaxTokens, logger)
	return rt, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "draftforge.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
