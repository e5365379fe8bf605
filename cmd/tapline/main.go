// Package main provides the Tapline incremental bar sales ingestion CLI.
//
// Each invocation executes one run: read the sale feeds, filter out already
// ingested rows using the per-bar watermarks, enrich the distinct drinks via
// the cocktail catalog, and commit everything to PostgreSQL in one transaction.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tapline-io/tapline/internal/catalog"
	"github.com/tapline-io/tapline/internal/config"
	"github.com/tapline-io/tapline/internal/ingestion"
	"github.com/tapline-io/tapline/internal/pipeline"
	"github.com/tapline-io/tapline/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "tapline"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting ingestion run",
		slog.String("service", name),
		slog.String("version", version),
	)

	pipelineConfig := pipeline.LoadConfigFromEnv()

	logger.Info("Loaded pipeline configuration",
		slog.String("watermark_file", pipelineConfig.WatermarkFile),
		slog.String("inventory_feed", pipelineConfig.InventoryFeed),
		slog.Int("sale_feeds", len(pipelineConfig.SaleFeeds)),
	)

	specs, err := pipelineConfig.FeedSpecs()
	if err != nil {
		logger.Error("Invalid feed configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sources := make([]ingestion.SaleSource, 0, len(specs))
	for _, spec := range specs {
		sources = append(sources, ingestion.NewCSVFeed(spec, logger))
	}

	watermarks, err := ingestion.NewFileWatermarkStore(pipelineConfig.WatermarkFile)
	if err != nil {
		logger.Error("Failed to read watermark file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	catalogConfig := catalog.LoadConfig()

	client, err := catalog.NewClient(catalogConfig)
	if err != nil {
		logger.Error("Failed to create catalog client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Catalog client initialized",
		slog.String("base_url", catalogConfig.BaseURL),
		slog.Duration("lookup_timeout", catalogConfig.LookupTimeout),
		slog.Int("requests_per_second", catalogConfig.RequestsPerSecond),
		slog.Int("lookup_concurrency", catalogConfig.LookupConcurrency),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	store, err := storage.NewBarStore(dbConn)
	if err != nil {
		logger.Error("Failed to create bar store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Bar store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	runner := pipeline.NewRunner(
		sources,
		ingestion.NewInventoryFeed(pipelineConfig.InventoryFeed, logger),
		catalog.NewResolver(client, catalogConfig.LookupConcurrency),
		watermarks,
		store,
		logger,
	)

	// SIGINT/SIGTERM cancels lookups and skips persistence for this run.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := runner.Run(ctx)
	if err != nil {
		logger.Error("Ingestion run failed", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	exitCode := 0

	for source, sourceReport := range report.Sources {
		if sourceReport.Failed {
			// Partial success still exits non-zero so schedulers notice.
			exitCode = 1
		}

		logger.Info("Source summary",
			slog.String("source", source.String()),
			slog.Int("rows_read", sourceReport.RowsRead),
			slog.Int("rows_skipped", sourceReport.RowsSkipped),
			slog.Int("rows_ingested", sourceReport.RowsIngested),
			slog.Bool("failed", sourceReport.Failed),
		)
	}

	logger.Info("Ingestion run complete",
		slog.String("run_id", report.RunID.String()),
		slog.Int("rows_ingested", report.TotalIngested()),
		slog.Int("keys_queried", report.Enrichment.KeysQueried),
		slog.Int("keys_resolved", report.Enrichment.KeysResolved),
		slog.Int("keys_failed", report.Enrichment.KeysFailed),
		slog.Int("inventory_rows", report.InventoryRows),
	)

	if exitCode != 0 {
		_ = dbConn.Close()
		os.Exit(exitCode)
	}
}
