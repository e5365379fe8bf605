package ingestion

import (
	"time"
)

// FilterNewRecords yields the subsequence of records strictly newer than the
// source's watermark, plus the new watermark candidate.
//
// Boundary semantics: a record whose DateOfSale equals the watermark is
// excluded. The watermark marks the last successfully ingested record, so a tie
// on the boundary would re-ingest it.
//
// The candidate is the maximum DateOfSale observed in the *unfiltered* input:
// "newest seen" is deliberately separate from "successfully persisted", so the
// next run's boundary reflects the true latest record even if some filtered
// records are discarded downstream. An empty input returns the existing
// watermark unchanged.
func FilterNewRecords(records []SaleRecord, watermark time.Time) ([]SaleRecord, time.Time) {
	if len(records) == 0 {
		return nil, watermark
	}

	var kept []SaleRecord

	candidate := records[0].DateOfSale

	for _, record := range records {
		if record.DateOfSale.After(candidate) {
			candidate = record.DateOfSale
		}

		if record.DateOfSale.After(watermark) {
			kept = append(kept, record)
		}
	}

	return kept, candidate
}

// DistinctProductKeys returns the set of distinct product keys across all
// filtered records, in first-seen order. Keys are deduplicated across sources
// before enrichment lookup so each key is queried at most once per run.
func DistinctProductKeys(records []SaleRecord) []string {
	seen := make(map[string]struct{}, len(records))

	var keys []string

	for _, record := range records {
		if _, ok := seen[record.ProductKey]; ok {
			continue
		}

		seen[record.ProductKey] = struct{}{}
		keys = append(keys, record.ProductKey)
	}

	return keys
}
