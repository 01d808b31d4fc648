package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"

	"foodledger"
	"foodledger/aggregate"
	"foodledger/disambiguate"
	"foodledger/ledger"
	"foodledger/llm/bedrock"
	"foodledger/lookup"
	"foodledger/reconcile"
	"foodledger/slack"
	"foodledger/store"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joeshaw/envdecode"
)

type Params struct {
	Action   string `json:"action"`
	Username string `json:"username"`
	Text     string `json:"text,omitempty"`
}

type Results struct {
	Output any `json:"output"`
}

func main() {
	fn := func(ctx context.Context, params Params) (Results, error) {
		var modelConfig foodledger.ModelConfig
		if err := envdecode.Decode(&modelConfig); err != nil {
			log.Fatalf("Failed to decode: %s", err)
		}

		var ledgerConfig foodledger.LedgerConfig
		if err := envdecode.Decode(&ledgerConfig); err != nil {
			log.Fatalf("Failed to decode: %s", err)
		}

		var lookupConfig foodledger.LookupConfig
		if err := envdecode.Decode(&lookupConfig); err != nil {
			log.Fatalf("Failed to decode: %s", err)
		}

		var seedConfig foodledger.SeedConfig
		if err := envdecode.Decode(&seedConfig); err != nil {
			log.Fatalf("Failed to decode: %s", err)
		}

		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(5))
		if err != nil {
			return Results{}, fmt.Errorf("failed to load AWS config: %w", err)
		}

		db, err := store.OpenSQLite(ledgerConfig.DatabasePath)
		if err != nil {
			slog.Error("SETUP: Failed to open database", "error", err, "path", ledgerConfig.DatabasePath)
			return Results{}, err
		}
		defer db.Close() // nolint: errcheck

		catalog, accounts := db.Catalog(), db.Accounts()
		if seedConfig.S3Bucket != "" && seedConfig.S3Key != "" {
			seed := store.NewS3CatalogSeed(s3.NewFromConfig(awsCfg), seedConfig.S3Bucket, seedConfig.S3Key)
			n, err := store.SeedCatalog(ctx, catalog, seed)
			if err != nil {
				slog.Error("SETUP: Failed to seed catalog from S3", "error", err)
				return Results{}, err
			}
			slog.Info("SETUP: Catalog seed applied", "foods", n)
		}

		tracerProvider, meterProvider, otelShutdown, err := foodledger.InitOtel(ctx)
		if err != nil {
			slog.Error("SETUP: Failed to initialize OpenTelemetry", "error", err)
			return Results{}, err
		}
		defer func() {
			if err := otelShutdown(ctx); err != nil {
				slog.Error("SETUP: Failed to shutdown OpenTelemetry", "error", err)
			}
		}()

		llm := bedrock.NewLLMClient(bedrockruntime.NewFromConfig(awsCfg), bedrock.OptionsFrom(modelConfig))

		ledgerOpts := []ledger.Option{ledger.WithRetention(ledgerConfig.HistoryRetentionDays)}
		if ledgerConfig.SlackWebhookURL != "" {
			ledgerOpts = append(ledgerOpts, ledger.WithNotifier(slack.NewClient(ledgerConfig.SlackWebhookURL, http.DefaultClient), ledgerConfig.SlackChannel))
		}

		deps := reconcile.Deps{
			Catalog:           catalog,
			Accounts:          accounts,
			Completer:         llm,
			Ledger:            ledger.New(catalog, accounts, ledgerOpts...),
			Logger:            foodledger.NewStdoutResolutionLogger(),
			Aggregate:         aggregate.OptionsFrom(ledgerConfig),
			CompletionTimeout: modelConfig.CompletionTimeout,
			Tracer:            tracerProvider.Tracer(foodledger.TracerNameLambda),
			Meter:             meterProvider.Meter(foodledger.TracerNameLambda),
		}
		if ledgerConfig.SegmentMentions {
			deps.Segmenter = disambiguate.NewSegmenter(llm, modelConfig.CompletionTimeout)
		}
		if lookupConfig.Enabled {
			deps.Lookup = lookup.NewOpenFoodFacts(lookup.ConfigFrom(lookupConfig), http.DefaultClient)
		}

		engine, err := reconcile.New(deps)
		if err != nil {
			slog.Error("SETUP: Failed to create engine", "error", err)
			return Results{}, err
		}

		output, err := handle(ctx, engine, params)
		if err != nil {
			slog.Error("RESULT: Error handling event", "error", err, "action", params.Action)
			return Results{}, err
		}
		return Results{Output: output}, nil
	}

	lambda.Start(fn)
}

func handle(ctx context.Context, engine *reconcile.Engine, params Params) (any, error) {
	switch params.Action {
	case "log":
		return engine.LogSubmission(ctx, params.Username, params.Text)
	case "rollover":
		n, err := engine.Rollover(ctx, params.Username)
		return map[string]int{"rolled_over": n}, err
	case "today":
		return engine.Today(ctx, params.Username)
	}
	return nil, foodledger.Errorf(foodledger.KindInput, "lambda.handle", "unknown action %q", params.Action)
}
