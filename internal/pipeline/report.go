// Package pipeline orchestrates one incremental ingestion run: watermark read,
// source filtering, enrichment, persistence, and watermark advancement.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/tapline-io/tapline/internal/ingestion"
)

type (
	// RunReport is the run-scoped result object accumulated explicitly by each
	// pipeline stage and returned to the caller. It replaces mutable
	// module-level state as the reporting channel.
	RunReport struct {
		// RunID uniquely identifies this run; persisted with every sale row.
		RunID uuid.UUID

		StartedAt  time.Time
		FinishedAt time.Time

		// Sources holds per-source ingestion counters, keyed by bar.
		Sources map[ingestion.SourceID]*SourceReport

		// Enrichment aggregates the run's lookup counters.
		Enrichment EnrichmentReport

		// InventoryRows is the size of the committed stock snapshot;
		// InventorySkipped counts malformed snapshot rows.
		InventoryRows    int
		InventorySkipped int
	}

	// SourceReport carries one source's counters for a run.
	SourceReport struct {
		RowsRead     int
		RowsSkipped  int
		RowsIngested int

		// Failed is set when the feed itself was unreadable; the source
		// contributed nothing this run but other sources still ingested.
		Failed bool

		// FailureReason holds the feed error when Failed is set.
		FailureReason string

		WatermarkBefore time.Time
		WatermarkAfter  time.Time
	}

	// EnrichmentReport carries the run's lookup counters.
	EnrichmentReport struct {
		KeysQueried  int
		KeysResolved int
		KeysFailed   int

		// FailedKeys lists keys with no resolvable entry, recorded so absence
		// is never silent.
		FailedKeys []string
	}
)

// newRunReport creates an empty report for a fresh run.
func newRunReport() *RunReport {
	return &RunReport{
		RunID:     uuid.New(),
		StartedAt: time.Now().UTC(),
		Sources:   make(map[ingestion.SourceID]*SourceReport),
	}
}

// TotalIngested sums ingested rows across all sources.
func (r *RunReport) TotalIngested() int {
	total := 0
	for _, source := range r.Sources {
		total += source.RowsIngested
	}

	return total
}
