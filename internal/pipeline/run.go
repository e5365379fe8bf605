package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tapline-io/tapline/internal/canonicalization"
	"github.com/tapline-io/tapline/internal/catalog"
	"github.com/tapline-io/tapline/internal/config"
	"github.com/tapline-io/tapline/internal/ingestion"
	"github.com/tapline-io/tapline/internal/storage"
)

type (
	// RunStore is the persistence writer contract consumed by the Runner.
	// Implemented by storage.BarStore.
	RunStore interface {
		// CommitRun persists one run's batch atomically.
		CommitRun(ctx context.Context, batch *storage.CommitBatch) error
	}

	// KeyResolver is the enrichment contract consumed by the Runner.
	// Implemented by catalog.Resolver.
	KeyResolver interface {
		// Resolve looks up every distinct key exactly once.
		Resolve(ctx context.Context, keys []string) (*catalog.Result, error)
	}

	// InventoryReader is the stock snapshot contract consumed by the Runner.
	// Implemented by ingestion.InventoryFeed.
	InventoryReader interface {
		// Read returns the current-state snapshot plus the skipped-row count.
		Read(ctx context.Context) ([]ingestion.InventoryItem, int, error)
	}

	// Runner executes one sequential ingestion run.
	//
	// Runs are single-threaded end to end (enrichment fans out internally);
	// concurrent runs against the same watermark state are not supported: the
	// watermark read-then-write is deliberately unguarded.
	Runner struct {
		sources    []ingestion.SaleSource
		inventory  InventoryReader
		resolver   KeyResolver
		watermarks ingestion.WatermarkStore
		store      RunStore
		logger     *slog.Logger
	}
)

// Compile-time check that the production writer satisfies the runner's contract.
var _ RunStore = (*storage.BarStore)(nil)

// NewRunner wires a run over the given collaborators.
func NewRunner(
	sources []ingestion.SaleSource,
	inventory InventoryReader,
	resolver KeyResolver,
	watermarks ingestion.WatermarkStore,
	store RunStore,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		}))
	}

	return &Runner{
		sources:    sources,
		inventory:  inventory,
		resolver:   resolver,
		watermarks: watermarks,
		store:      store,
		logger:     logger,
	}
}

// Run executes one incremental ingestion run and returns its report.
//
// Stages, in order:
//  1. Per source: read the stored watermark, read the feed, filter to records
//     strictly newer than the watermark, compute the watermark candidate. An
//     unreadable feed marks that source failed without blocking the others.
//  2. Assign run-monotonic sale IDs across the merged filtered stream.
//  3. Resolve the distinct product keys (exactly once per key).
//  4. Read the inventory snapshot; an unreadable snapshot keeps the previous one.
//  5. Commit everything in one transaction, then advance the watermark file.
//
// A persistence failure is fatal and returns before any watermark advances: the
// next run re-derives everything from the last fully-successful state. A
// cancelled context stops lookups and skips persistence entirely.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	report := newRunReport()

	r.logger.Info("run starting", slog.String("run_id", report.RunID.String()))

	sales, candidates := r.ingestSources(ctx, report)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("run cancelled: %w", err)
	}

	for i := range sales {
		sales[i].SaleID = int64(i)
	}

	keys := ingestion.DistinctProductKeys(sales)

	resolution, err := r.resolver.Resolve(ctx, keys)
	if err != nil {
		// Only cancellation surfaces here; per-key failures are in the result.
		return report, fmt.Errorf("run cancelled: %w", err)
	}

	report.Enrichment = EnrichmentReport{
		KeysQueried:  resolution.KeysQueried,
		KeysResolved: len(resolution.Entries),
		KeysFailed:   len(resolution.Failed),
		FailedKeys:   resolution.Failed,
	}

	entries := make([]catalog.Entry, 0, len(resolution.Entries))
	for _, key := range keys {
		if entry, ok := resolution.Entries[key]; ok {
			entries = append(entries, entry)
		}
	}

	items := r.readInventory(ctx, report)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("run cancelled: %w", err)
	}

	batch := &storage.CommitBatch{
		RunID:      report.RunID,
		Sales:      sales,
		Catalog:    entries,
		Inventory:  items,
		Watermarks: candidates,
	}

	if err := r.store.CommitRun(ctx, batch); err != nil {
		r.logger.Error("run persistence failed, no watermark advanced",
			slog.String("run_id", report.RunID.String()),
			slog.String("error", err.Error()),
		)

		return report, err
	}

	// Data is durable; only now may the watermark boundary move.
	if err := r.watermarks.WriteAll(candidates); err != nil {
		return report, err
	}

	for source, candidate := range candidates {
		if sourceReport, ok := report.Sources[source]; ok {
			sourceReport.WatermarkAfter = candidate
		}
	}

	report.FinishedAt = time.Now().UTC()

	r.logger.Info("run finished",
		slog.String("run_id", report.RunID.String()),
		slog.Int("rows_ingested", report.TotalIngested()),
		slog.Int("keys_queried", report.Enrichment.KeysQueried),
		slog.Int("keys_failed", report.Enrichment.KeysFailed),
	)

	return report, nil
}

// ingestSources reads and filters every sale feed, accumulating per-source
// counters into the report. Returns the merged filtered stream and the
// watermark candidates for sources that contributed this run.
func (r *Runner) ingestSources(
	ctx context.Context,
	report *RunReport,
) ([]ingestion.SaleRecord, map[ingestion.SourceID]time.Time) {
	var sales []ingestion.SaleRecord

	candidates := make(map[ingestion.SourceID]time.Time, len(r.sources))

	for _, source := range r.sources {
		watermark := r.watermarks.Read(source.ID())

		sourceReport := &SourceReport{
			WatermarkBefore: watermark,
			WatermarkAfter:  watermark,
		}
		report.Sources[source.ID()] = sourceReport

		if ctx.Err() != nil {
			return sales, candidates
		}

		result, err := source.Read(ctx)
		if err != nil {
			// A file-level failure aborts this source's contribution only;
			// its watermark stays put and the other sources still ingest.
			sourceReport.Failed = true
			sourceReport.FailureReason = err.Error()

			r.logger.Error("source feed failed",
				slog.String("source", source.ID().String()),
				slog.String("error", err.Error()),
			)

			continue
		}

		kept, candidate := ingestion.FilterNewRecords(result.Records, watermark)

		if candidate.Before(watermark) {
			// Defensive invariant guard: never write a watermark backward.
			r.logger.Warn("watermark regression detected, keeping stored value",
				slog.String("source", source.ID().String()),
				slog.String("stored", canonicalization.FormatTimestamp(watermark)),
				slog.String("candidate", canonicalization.FormatTimestamp(candidate)),
			)

			candidate = watermark
		}

		sourceReport.RowsRead = result.RowsRead
		sourceReport.RowsSkipped = result.RowsSkipped
		sourceReport.RowsIngested = len(kept)

		candidates[source.ID()] = candidate
		sales = append(sales, kept...)

		r.logger.Info("source ingested",
			slog.String("source", source.ID().String()),
			slog.Int("rows_read", result.RowsRead),
			slog.Int("rows_skipped", result.RowsSkipped),
			slog.Int("rows_ingested", len(kept)),
		)
	}

	return sales, candidates
}

// readInventory reads the stock snapshot. An unreadable snapshot is reported
// and the previous snapshot is kept (nil inventory in the batch).
func (r *Runner) readInventory(ctx context.Context, report *RunReport) []ingestion.InventoryItem {
	if r.inventory == nil {
		return nil
	}

	items, skipped, err := r.inventory.Read(ctx)
	if err != nil {
		r.logger.Error("inventory feed failed, keeping previous snapshot",
			slog.String("error", err.Error()),
		)

		return nil
	}

	report.InventoryRows = len(items)
	report.InventorySkipped = skipped

	// Distinguish "empty snapshot" from "no snapshot" for replace semantics.
	if items == nil {
		items = []ingestion.InventoryItem{}
	}

	return items
}
