package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"foodledger"
	"foodledger/aggregate"
	"foodledger/disambiguate"
	"foodledger/ledger"
	"foodledger/llm/bedrock"
	"foodledger/llm/gemini"
	"foodledger/llm/mock"
	"foodledger/llm/ollama"
	"foodledger/lookup"
	"foodledger/reconcile"
	"foodledger/slack"
	"foodledger/store"
)

// app holds everything a subcommand needs. It is built in the root
// command's pre-run hook and closed by main once the command returns.
type app struct {
	engine   *reconcile.Engine
	username string
	asJSON   bool
	span     trace.Span
	cleanup  []func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a := &app{}
	err := rootCommand(a).ExecuteContext(ctx)
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func rootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledger",
		Short:         "Food ledger CLI",
		Long:          `Log free-text meals against a shared food catalog and track daily calories.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&a.username, "user", "u", envOr("LEDGER_USER", "default"), "Account to act on")
	rootCmd.PersistentFlags().BoolVar(&a.asJSON, "json", false, "Print results as JSON")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.setup(cmd.Context(), cmd.CommandPath())
	}

	rootCmd.AddCommand(
		logCommand(a),
		todayCommand(a),
		rolloverCommand(a),
		foodsCommand(a),
		entryCommand(a),
		goalCommand(a),
		timezoneCommand(a),
		accountCommand(a),
		dumpCommand(a),
	)
	return rootCmd
}

func (a *app) setup(ctx context.Context, command string) error {
	var modelConfig foodledger.ModelConfig
	if err := envdecode.Decode(&modelConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	var ledgerConfig foodledger.LedgerConfig
	if err := envdecode.Decode(&ledgerConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	var lookupConfig foodledger.LookupConfig
	if err := envdecode.Decode(&lookupConfig); err != nil {
		log.Fatalf("SETUP: Failed to decode: %s", err)
	}

	db, err := store.OpenSQLite(ledgerConfig.DatabasePath)
	if err != nil {
		slog.Error("SETUP: Failed to open database", "error", err, "path", ledgerConfig.DatabasePath)
		return err
	}
	a.cleanup = append(a.cleanup, db.Close)

	catalog, accounts := db.Catalog(), db.Accounts()
	if ledgerConfig.CatalogSeedPath != "" {
		if _, err := store.SeedCatalog(ctx, catalog, store.NewFileCatalogSeed(ledgerConfig.CatalogSeedPath)); err != nil {
			slog.Error("SETUP: Failed to seed catalog", "error", err)
			return err
		}
	}

	completer, segmentCompleter, err := newCompleters(ctx, modelConfig)
	if err != nil {
		slog.Error("SETUP: Failed to create LLM client", "error", err, "provider", modelConfig.Provider)
		return err
	}

	logger, flush, err := newResolutionLogger(modelConfig.Provider)
	if err != nil {
		slog.Error("SETUP: Failed to create resolution logger", "error", err)
		return err
	}
	a.cleanup = append(a.cleanup, flush)

	tracerProvider, meterProvider, otelShutdown, err := foodledger.InitOtel(ctx)
	if err != nil {
		slog.Error("SETUP: Failed to initialize OpenTelemetry", "error", err)
		return err
	}
	a.cleanup = append(a.cleanup, func() error { return otelShutdown(context.Background()) })

	ledgerOpts := []ledger.Option{ledger.WithRetention(ledgerConfig.HistoryRetentionDays)}
	if ledgerConfig.SlackWebhookURL != "" {
		ledgerOpts = append(ledgerOpts, ledger.WithNotifier(slack.NewClient(ledgerConfig.SlackWebhookURL, http.DefaultClient), ledgerConfig.SlackChannel))
	}

	deps := reconcile.Deps{
		Catalog:           catalog,
		Accounts:          accounts,
		Completer:         completer,
		Ledger:            ledger.New(catalog, accounts, ledgerOpts...),
		Logger:            logger,
		Aggregate:         aggregate.OptionsFrom(ledgerConfig),
		CompletionTimeout: modelConfig.CompletionTimeout,
		Tracer:            tracerProvider.Tracer(foodledger.TracerNameEngine),
		Meter:             meterProvider.Meter(foodledger.TracerNameEngine),
	}
	if ledgerConfig.SegmentMentions {
		deps.Segmenter = disambiguate.NewSegmenter(segmentCompleter, modelConfig.CompletionTimeout)
	}
	if lookupConfig.Enabled {
		deps.Lookup = lookup.NewOpenFoodFacts(lookup.ConfigFrom(lookupConfig), http.DefaultClient)
	}

	a.engine, err = reconcile.New(deps)
	if err != nil {
		return err
	}

	_, a.span = tracerProvider.Tracer(foodledger.TracerNameCLI).Start(ctx, command, trace.WithAttributes(
		attribute.String("username", a.username),
		attribute.String("model.provider", modelConfig.Provider),
		attribute.String("model.id", modelConfig.ModelID),
	))
	slog.Info("SETUP: Ready", "provider", modelConfig.Provider, "db", ledgerConfig.DatabasePath, "user", a.username)
	return nil
}

func (a *app) close() error {
	if a.span != nil {
		a.span.End()
	}
	var errs []error
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		errs = append(errs, a.cleanup[i]())
	}
	a.cleanup = nil
	if err := errors.Join(errs...); err != nil {
		slog.Error("SETUP: Cleanup failed", "error", err)
		return err
	}
	return nil
}

// newCompleters returns the completer used for disambiguation and the one
// used for segmentation. Only gemini uses a different model for the latter.
func newCompleters(ctx context.Context, cfg foodledger.ModelConfig) (foodledger.Completer, foodledger.Completer, error) {
	switch cfg.Provider {
	case "ollama":
		c, err := ollama.NewClient(ollama.ClientOpts{
			BaseEndpoint: cfg.BaseOllamaEndpoint,
			ModelID:      cfg.ModelID,
			Temperature:  float64(cfg.Temperature),
			TopP:         float64(cfg.TopP),
			HTTPClient:   http.DefaultClient,
		})
		return c, c, err

	case "gemini":
		c, err := gemini.NewClient(gemini.ClientOpts{
			APIKey:        cfg.GeminiAPIKey,
			ModelID:       cfg.ModelID,
			FallbackModel: cfg.FallbackModelID,
			MaxTokens:     cfg.MaxTokens,
			Temperature:   cfg.Temperature,
			TopP:          cfg.TopP,
			HTTPClient:    http.DefaultClient,
		})
		if err != nil {
			return nil, nil, err
		}
		models := c.Models()
		return c, c.WithPrimary(models[len(models)-1]), nil

	case "bedrock":
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		c := bedrock.NewLLMClient(bedrockruntime.NewFromConfig(awsCfg), bedrock.OptionsFrom(cfg))
		return c, c, nil

	case "mock":
		c := mock.NewLLMClient()
		return c, c, nil
	}
	return nil, nil, foodledger.Errorf(foodledger.KindConfiguration, "setup.completer", "unknown LLM_PROVIDER %q", cfg.Provider)
}

func newResolutionLogger(provider string) (foodledger.ResolutionLogger, func() error, error) {
	logFilePath := foodledger.NewResolutionLogFilePath(provider)
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0755); err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, func() error { return err }, fmt.Errorf("failed to open log file: %w", err)
	}

	logger := foodledger.NewFileResolutionLogger(logFile)
	cleanup := func() error {
		return errors.Join(logger.Flush(), logFile.Close())
	}
	return logger, cleanup, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
