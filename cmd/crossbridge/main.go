// Command crossbridge is the single entrypoint: test execution and
// planning, the sidecar observer, log analysis, and rule tooling.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crossstack-ai/crossbridge/internal/adapter"
	"github.com/crossstack-ai/crossbridge/internal/classifier"
	"github.com/crossstack-ai/crossbridge/internal/config"
	"github.com/crossstack-ai/crossbridge/internal/embedding"
	"github.com/crossstack-ai/crossbridge/internal/llm"
	"github.com/crossstack-ai/crossbridge/internal/llm/openaicompat"
	"github.com/crossstack-ai/crossbridge/internal/logging"
	"github.com/crossstack-ai/crossbridge/internal/orchestrator"
	"github.com/crossstack-ai/crossbridge/internal/store"
	"github.com/crossstack-ai/crossbridge/internal/strategy"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := &app{exit: orchestrator.ExitOK}
	root := app.rootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		// Flag/usage errors from cobra itself.
		fmt.Fprintln(os.Stderr, err)
		return orchestrator.ExitConfig
	}
	return app.exit
}

// app carries the state shared across subcommands: the loaded config
// snapshot, the logger, and the exit code the process should end with.
type app struct {
	configPath string
	jsonOut    bool
	logLevel   string
	rulesPath  string

	cfg    *config.Config
	logger *zap.Logger
	exit   int
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "crossbridge",
		Short:         "Test execution orchestration and sidecar runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "crossbridge.yml", "path to crossbridge.yml")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "machine-readable JSON output")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&a.rulesPath, "rules", "", "classification rule file (YAML, replaces built-ins)")

	root.AddCommand(a.execCommand())
	root.AddCommand(a.sidecarCommand())
	root.AddCommand(a.analyzeCommand())
	root.AddCommand(a.rulesCommand())
	return root
}

// setup loads the layered config snapshot and builds the logger. A broken
// config is a config error: exit 3 before any command logic runs.
func (a *app) setup() error {
	cfg, warnings, err := config.Load(a.configPath)
	if err != nil {
		a.exit = orchestrator.ExitConfig
		return err
	}
	a.cfg = cfg
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.logger = logging.New(logging.Options{
		Level:   cfg.LogLevel,
		JSON:    a.jsonOut,
		LogsDir: filepath.Join(cfg.Execution.DataDir, "logs"),
	})
	for _, w := range warnings {
		a.logger.Warn(w)
	}
	return nil
}

// fail prints the error, records the exit code, and keeps cobra quiet so
// the message is not printed twice.
func (a *app) fail(err error) error {
	fmt.Fprintln(os.Stderr, "crossbridge:", err)
	a.exit = orchestrator.ExitCode(nil, err)
	return nil
}

// openStore builds the resilient persistence stack: sqlite behind the
// spool. Callers own Close.
func (a *app) openStore() (*store.Resilient, error) {
	if a.cfg.Database.Backend != "sqlite" {
		return nil, &config.Error{Message: fmt.Sprintf(
			"database backend %q is not available in this build (sqlite only)", a.cfg.Database.Backend)}
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.Database.Path), 0o755); err != nil {
		return nil, &config.Error{Message: fmt.Sprintf("database path: %v", err)}
	}
	backend, err := store.OpenSQLite(a.cfg.Database.Path, a.logger.Named("store"))
	if err != nil {
		return nil, err
	}
	spool, err := store.NewSpool(a.cfg.Database.SpoolDir, a.logger.Named("spool"))
	if err != nil {
		backend.Close()
		return nil, err
	}
	return store.NewResilient(backend, spool, a.logger.Named("store")), nil
}

// buildClassifier assembles the rule engine and, when enabled, the AI
// enrichment stage.
func (a *app) buildClassifier(enableAI bool) (*classifier.Classifier, error) {
	rules := classifier.DefaultRules()
	if a.rulesPath != "" {
		loaded, err := classifier.LoadRules(a.rulesPath)
		if err != nil {
			return nil, &config.Error{Message: err.Error()}
		}
		rules = loaded
	}
	var enricher *classifier.Enricher
	if enableAI {
		enricher = a.buildEnricher()
	}
	return classifier.New(classifier.NewEngine(rules), enricher, a.cfg.Execution.Workspace, a.logger.Named("classifier")), nil
}

func (a *app) buildEnricher() *classifier.Enricher {
	ai := a.cfg.Execution.AI
	client := llm.NewClient()
	client.Register(openaicompat.NewAdapter(openaicompat.Config{
		Provider: "openai",
		APIKey:   os.Getenv(ai.APIKeyEnv),
		BaseURL:  ai.Endpoint,
	}))
	return &classifier.Enricher{
		Client:   client,
		Provider: "openai",
		Model:    ai.Model,
		Timeout:  durationSeconds(ai.TimeoutS),
		CacheDir: filepath.Join(a.cfg.Execution.DataDir, "cache", "ai"),
		CacheTTL: durationHours(ai.CacheTTLH),
		Logger:   a.logger.Named("ai"),
	}
}

func durationSeconds(s int) time.Duration { return time.Duration(s) * time.Second }
func durationHours(h int) time.Duration { return time.Duration(h) * time.Hour }

// buildOrchestrator wires the full execution stack for exec run/plan.
func (a *app) buildOrchestrator(st store.Store) (*orchestrator.Orchestrator, error) {
	cls, err := a.buildClassifier(a.cfg.Execution.AI.Enabled)
	if err != nil {
		return nil, err
	}
	emb, err := embedding.Load(filepath.Join(a.cfg.Execution.DataDir, "cache", "embeddings.msgpack"))
	if err != nil {
		a.logger.Warn("embedding cache unreadable, semantic selection disabled", zap.Error(err))
		emb = &embedding.Cache{Files: map[string][]float32{}, Tests: map[string][]float32{}}
	}
	return orchestrator.New(
		a.cfg,
		strategy.NewDefaultRegistry(a.cfg, emb),
		adapter.NewDefaultRegistry(),
		cls,
		st,
		a.logger,
	), nil
}
