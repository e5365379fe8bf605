// Package canonicalization provides product key and timestamp normalization for ingestion.
package canonicalization

import (
	"strings"
	"time"
)

// TimeLayout is the canonical timezone-naive timestamp form used across the pipeline.
// Every source timestamp is normalized to this layout at ingestion, and the watermark
// file stores values in this layout.
const TimeLayout = "2006-01-02 15:04:05"

// acceptedLayouts are the timestamp forms observed across the source feeds, tried in order.
// All parse as timezone-naive; zoned forms are converted to their wall-clock reading.
var acceptedLayouts = []string{
	TimeLayout,
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// CanonicalProductKey normalizes a raw product name into the canonical join key
// shared by sale records and catalog entries.
//
// Normalization rules:
//  1. Leading/trailing whitespace trimmed
//  2. Lowercased (single case convention applied uniformly at ingestion)
//  3. Internal whitespace runs collapsed to a single space
//
// Rationale:
// The same drink appears with inconsistent casing and spacing across the three
// bar feeds and the catalog service ("Mojito", "mojito ", "MOJITO"). Without a
// single canonicalization rule applied once at ingestion, enrichment lookups and
// the sales/catalog join silently miss rows.
//
// Examples:
//   - CanonicalProductKey("  Mojito ") → "mojito"
//   - CanonicalProductKey("OLD   FASHIONED") → "old fashioned"
//
// Returns: Canonical product key string.
func CanonicalProductKey(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if !strings.Contains(key, " ") && !strings.ContainsAny(key, "\t\n") {
		return key
	}

	return strings.Join(strings.Fields(key), " ")
}

// ParseTimestamp parses a source timestamp into the canonical timezone-naive form.
// Layouts are tried in declaration order; zoned timestamps keep their wall-clock
// reading and drop the zone.
func ParseTimestamp(raw string) (time.Time, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range acceptedLayouts {
		ts, err := time.Parse(layout, value)
		if err != nil {
			continue
		}

		if ts.Location() != time.UTC {
			// Re-read the wall clock as naive UTC so that feeds carrying zone
			// offsets compare consistently against the watermark.
			ts = time.Date(
				ts.Year(), ts.Month(), ts.Day(),
				ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(),
				time.UTC,
			)
		}

		return ts, true
	}

	return time.Time{}, false
}

// FormatTimestamp renders a timestamp in the canonical layout.
func FormatTimestamp(ts time.Time) string {
	return ts.Format(TimeLayout)
}
