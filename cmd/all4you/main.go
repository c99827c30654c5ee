package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cklxx/all4you/internal/api"
	"github.com/cklxx/all4you/internal/config"
	"github.com/cklxx/all4you/internal/dataset"
	"github.com/cklxx/all4you/internal/judge"
	"github.com/cklxx/all4you/internal/metrics"
	"github.com/cklxx/all4you/internal/orchestrator"
	"github.com/cklxx/all4you/internal/pipeline"
	"github.com/cklxx/all4you/internal/registry"
	"github.com/cklxx/all4you/internal/trainer"
	"github.com/cklxx/all4you/internal/writer"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	appConfigPath string
	envFile       string
	verbose       bool
	metricsAddr   string
	runOpts       = config.DefaultRunOptions()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "all4you",
		Short: "all4you - fine-tuning pipeline",
		Long: `all4you prepares a dataset, fine-tunes a model on it and evaluates the
result with an LLM judge, recording every stage of the run.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&appConfigPath, "app-config", config.DefaultConfigPath, "Path to the application configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fine-tuning pipeline",
		Long: `Run the complete pipeline:
1. Parse and validate arguments
2. Acquire the dataset (local file or ModelScope download)
3. Preprocess, validate and split train/eval samples
4. Train
5. Evaluate predictions with an LLM judge (optional)
6. Write the pipeline summary`,
		Args: cobra.NoArgs,
		RunE: runPipeline,
	}
	addRunFlags(runCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newPresetsCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newJudgeCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newCheckpointCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&runOpts.Preset, "preset", "", "Named pipeline preset (see 'all4you presets')")

	f.StringVar(&runOpts.Data, "data", runOpts.Data, "Path to the training dataset")
	f.StringVar(&runOpts.EvalData, "eval-data", runOpts.EvalData, "Path to a separate evaluation dataset")
	f.StringVar(&runOpts.DataFormat, "data-format", runOpts.DataFormat, "Dataset format: alpaca, sharegpt or raw")
	f.StringVar(&runOpts.FileType, "data-type", runOpts.FileType, "File type override: json, jsonl, csv or txt")
	f.Float64Var(&runOpts.EvalRatio, "eval-ratio", runOpts.EvalRatio, "Fraction of the training data held out for evaluation")

	f.StringVar(&runOpts.ModaDataset, "moda-dataset", runOpts.ModaDataset, "ModelScope dataset preset name or dataset id")
	f.StringVar(&runOpts.ModaSplit, "moda-split", runOpts.ModaSplit, "Dataset split to download")
	f.StringVar(&runOpts.ModaSubset, "moda-subset", runOpts.ModaSubset, "Dataset subset to download")
	f.StringVar(&runOpts.ModaCacheDir, "moda-cache-dir", runOpts.ModaCacheDir, "Directory for downloaded datasets")
	f.StringVar(&runOpts.ModaFieldMapping, "moda-fields", runOpts.ModaFieldMapping, "Field mapping, e.g. instruction=query,input=,output=answer")
	f.IntVar(&runOpts.ModaLimit, "moda-limit", runOpts.ModaLimit, "Maximum number of records to download (0 = all)")

	f.StringVar(&runOpts.Config, "config", runOpts.Config, "Path to the training configuration YAML")
	f.StringVar(&runOpts.OutputDir, "output-dir", runOpts.OutputDir, "Directory for the trained model and run artifacts")
	f.StringVar(&runOpts.Model, "model", runOpts.Model, "Base model override")
	f.StringVar(&runOpts.Device, "device", runOpts.Device, "Training device: auto, cuda, mps or cpu")

	f.StringVar(&runOpts.JudgeModel, "judge-model", runOpts.JudgeModel, "Judge model (\"ollama:<model>\" for Ollama, \"none\" disables judging)")
	f.StringVar(&runOpts.FallbackJudgeModel, "fallback-judge-model", runOpts.FallbackJudgeModel, "Judge used when the requested judge is unavailable")
	f.StringVar(&runOpts.JudgeDevice, "judge-device", runOpts.JudgeDevice, "Judge device, or inherit")
	f.BoolVar(&runOpts.NoJudge, "no-judge", runOpts.NoJudge, "Skip judging and only generate predictions")

	f.IntVar(&runOpts.MaxNewTokens, "max-new-tokens", runOpts.MaxNewTokens, "Maximum tokens generated per evaluation sample")
	f.Float64Var(&runOpts.Temperature, "temperature", runOpts.Temperature, "Sampling temperature for evaluation")
	f.Float64Var(&runOpts.TopP, "top-p", runOpts.TopP, "Nucleus sampling threshold for evaluation")

	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.listen_addr)")
}

// loadAppConfig loads the env file and the TOML configuration. The default
// config path may be absent; an explicitly passed one may not.
func loadAppConfig(cmd *cobra.Command) (*config.Config, *config.Secrets, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) || cmd.Flags().Changed("env-file") {
				fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
			}
		} else if verbose {
			fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
		}
	}

	cfg, secrets, err := config.Load(appConfigPath, cmd.Flags().Changed("app-config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, secrets, nil
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func consoleLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
}

func openRegistry(ctx context.Context, cfg *config.Config) (registry.Store, error) {
	switch cfg.Registry.Driver {
	case config.RegistrySQLite:
		return registry.NewSQLite(ctx, cfg.Registry.Path)
	default:
		return registry.NewMemoryStore(), nil
	}
}

func newGenerationClient(cfg *config.Config, secrets *config.Secrets, maxRetries int, logger *slog.Logger) *api.Client {
	return api.NewClient(api.Config{
		BaseURL:            cfg.Generation.BaseURL,
		APIKey:             secrets.GenerationAPIKey,
		RateLimitPerMinute: cfg.Generation.RateLimitPerMinute,
		MaxRetries:         maxRetries,
		HTTPTimeout:        cfg.Generation.HTTPTimeout(),
	}, logger)
}

func newJudgeFactory(cfg *config.Config, secrets *config.Secrets, logger *slog.Logger) *judge.Factory {
	return &judge.Factory{
		Ollama: judge.OllamaConfig{
			BaseURL:        cfg.Judge.BaseURL,
			HealthTimeout:  cfg.Judge.HealthTimeout(),
			RequestTimeout: cfg.Judge.RequestTimeout(),
		},
		// Judge calls are never retried; fallback handles failures
		Models: newGenerationClient(cfg, secrets, -1, logger),
		Logger: logger,
	}
}

func newTrainer(cfg *config.Config, logger *slog.Logger) trainer.Trainer {
	if cfg.Trainer.DryRun || cfg.Trainer.Command == "" {
		logger.Info("No trainer command configured; training runs as a dry run")
		return trainer.NewDryRunTrainer(logger)
	}
	return trainer.NewCommandTrainer(cfg.Trainer.Command, cfg.Trainer.Args, logger)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, secrets, err := loadAppConfig(cmd)
	if err != nil {
		return err
	}
	if err := config.ApplyPreset(&runOpts, runOpts.Preset); err != nil {
		return err
	}
	if !cmd.Flags().Changed("moda-cache-dir") && cfg.Hub.CacheDir != "" {
		runOpts.ModaCacheDir = cfg.Hub.CacheDir
	}
	if metricsAddr == "" {
		metricsAddr = cfg.Metrics.ListenAddr
	}

	sessionMgr, err := writer.NewSessionManager(runOpts.OutputDir, consoleLogger())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(sessionMgr, logLevel())
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Sync()
			_ = logFile.Close()
		}
	}()

	logger.Info("all4you starting",
		"version", Version,
		"preset", runOpts.Preset,
		"output_dir", runOpts.OutputDir,
		"session_dir", sessionMgr.GetSessionDir())

	if cmd.Flags().Changed("app-config") {
		if err := sessionMgr.BackupConfig(appConfigPath); err != nil {
			logger.Warn("Failed to back up app config", "error", err)
		}
	}
	if _, err := os.Stat(runOpts.Config); err == nil {
		if err := sessionMgr.BackupConfig(runOpts.Config); err != nil {
			logger.Warn("Failed to back up training config", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open task registry: %w", err)
	}
	defer func() { _ = store.Close() }()

	modelName := cfg.Generation.ModelName
	if modelName == "" {
		modelName = runOpts.OutputDir
	}
	generator := api.Model{
		Client: newGenerationClient(cfg, secrets, cfg.Generation.MaxRetries, logger),
		Name:   modelName,
		Params: api.GenerateParams{
			MaxTokens:   runOpts.MaxNewTokens,
			Temperature: runOpts.Temperature,
			TopP:        runOpts.TopP,
		},
	}

	collector := metrics.NewCollector(logger)
	runner := pipeline.NewRunner(runOpts, pipeline.Deps{
		Session: sessionMgr,
		Fetcher: dataset.NewHTTPFetcher(dataset.HTTPFetcherConfig{
			BaseURL:      cfg.Hub.BaseURL,
			URLTemplate:  cfg.Hub.URLTemplate,
			Token:        secrets.HubToken,
			Timeout:      cfg.Hub.Timeout(),
			MaxRetries:   cfg.Hub.MaxRetries,
			ShowProgress: true,
		}, logger),
		Trainer:      newTrainer(cfg, logger),
		Generator:    generator,
		Judges:       newJudgeFactory(cfg, secrets, logger),
		Registry:     store,
		Metrics:      collector,
		Probe:        config.DefaultProbe,
		ShowProgress: true,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	metricsCtx, stopMetrics := context.WithCancel(gctx)
	defer stopMetrics()
	if metricsAddr != "" {
		g.Go(func() error {
			return collector.Serve(metricsCtx, metricsAddr)
		})
	}
	g.Go(func() error {
		defer stopMetrics()
		summary, err := runner.Run(gctx)
		if runner.Tracker() != nil {
			runner.Tracker().LogTable()
		}
		if err != nil {
			return err
		}
		logger.Info("All done",
			"summary", sessionMgr.GetSummaryPath(),
			"train_samples", summary.TrainingData.NumSamples,
			"eval_samples", summary.EvaluationData.NumSamples)
		return nil
	})

	if err := g.Wait(); err != nil {
		var pe *orchestrator.PipelineError
		if errors.As(err, &pe) {
			return fmt.Errorf("pipeline failed at %s: %v", pe.Stage, pe.Err)
		}
		return err
	}
	return nil
}
