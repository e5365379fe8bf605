// Package ingestion provides domain models, source adapters, and the watermark
// filter for incremental bar-sales ingestion.
package ingestion

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type (
	// SourceID identifies one physical bar location's transaction feed.
	//
	// Values must not contain spaces: the watermark file is line-oriented
	// "sourceID value" pairs and the source ID is the first space-delimited token.
	SourceID string

	// SaleRecord is a single normalized point-of-sale transaction - Domain Model.
	//
	// Records are immutable once persisted. SaleID is assigned on ingestion and
	// is monotonic within a run; DateOfSale is in the canonical timezone-naive
	// form; ProductKey is the canonical join key to catalog entries.
	SaleRecord struct {
		// SaleID is assigned on ingestion, unique and monotonic within a run.
		SaleID int64

		// DateOfSale is the transaction timestamp, normalized to the canonical
		// timezone-naive form. Drives watermark filtering.
		DateOfSale time.Time

		// ProductKey is the case-normalized drink name, the join key for
		// enrichment lookups.
		ProductKey string

		// Price is the sale amount. Non-negative; exact decimal, never float.
		Price decimal.Decimal

		// SourceID tags the record with the bar it originated from.
		SourceID SourceID
	}

	// InventoryItem is one row of a bar's current stock snapshot - Domain Model.
	//
	// Inventory is current-state, not an event log: each run fully replaces the
	// persisted snapshot and rows are never deduplicated against history.
	InventoryItem struct {
		// StockID is assigned on ingestion, unique within a snapshot.
		StockID int

		// ProductKey is the case-normalized drink name.
		ProductKey string

		// GlassType is the serving glass as declared by the stock feed.
		GlassType string

		// QuantityOnHand is the numeric stock level extracted from the feed's
		// free-text stock column.
		QuantityOnHand int

		// SourceBar names the bar holding the stock.
		SourceBar string
	}

	// FeedResult is the outcome of reading one source feed for a run.
	//
	// RowsSkipped counts malformed rows (unparsable timestamp, non-numeric or
	// negative price) that were dropped. Skips are surfaced here, never silently
	// coerced to defaults.
	FeedResult struct {
		Records     []SaleRecord
		RowsRead    int
		RowsSkipped int
	}
)

// Known bar locations.
const (
	SourceBudapest SourceID = "budapest"
	SourceLondon   SourceID = "london"
	SourceNewYork  SourceID = "new_york"
)

// Feed and watermark errors (static sentinel errors for errors.Is() checks).
var (
	// ErrFeedUnreadable indicates the source feed file could not be opened or decoded.
	// File-level failures abort that source's contribution for the run but must not
	// prevent other sources from ingesting.
	ErrFeedUnreadable = errors.New("source feed unreadable")

	// ErrFeedColumns indicates the feed's column layout does not carry the
	// required fields.
	ErrFeedColumns = errors.New("source feed missing required columns")

	// ErrWatermarkFile indicates the watermark file could not be read or rewritten.
	ErrWatermarkFile = errors.New("watermark file access failed")
)

// ValidSourceIDs returns all known bar locations.
func ValidSourceIDs() []SourceID {
	return []SourceID{SourceBudapest, SourceLondon, SourceNewYork}
}

// IsValid checks if the SourceID names a known bar.
func (s SourceID) IsValid() bool {
	for _, valid := range ValidSourceIDs() {
		if s == valid {
			return true
		}
	}

	return false
}

// String returns the string representation of the SourceID.
func (s SourceID) String() string {
	return string(s)
}
