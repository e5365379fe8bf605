// Package catalog provides the cocktail metadata lookup client and the
// enrichment resolver that collapses lookup results to one canonical row per
// product key.
package catalog

import (
	"errors"
	"time"
)

type (
	// Entry represents one cocktail catalog row - Domain Model.
	//
	// ProductKey joins to SaleRecord.ProductKey after identical canonicalization.
	// Each run's catalog snapshot is independent: entries are created fresh per
	// run and never merged with prior runs' rows.
	Entry struct {
		// ProductKey is the canonical join key to sale records.
		ProductKey string

		// CatalogID is the lookup service's identifier for the drink.
		CatalogID string

		// DisplayName is the drink name as published by the catalog.
		DisplayName string

		// Category classifies the drink ("cocktail", "shot", ...).
		Category string

		// IBA is the International Bartenders Association classification,
		// empty when the drink is not an IBA official cocktail.
		IBA string

		// Alcoholic reports whether the catalog lists the drink as alcoholic.
		Alcoholic bool

		// GlassType is the recommended serving glass.
		GlassType string

		// LastModified orders candidate rows for the last-write-wins collapse.
		LastModified time.Time
	}

	// Result is the outcome of resolving one run's distinct product keys.
	//
	// Every key passed to Resolve appears either in Entries or in Failed: the
	// pipeline never silently drops enrichment for a key it ingested sales for.
	Result struct {
		// Entries maps each resolved product key to its single canonical row.
		Entries map[string]Entry

		// Failed lists keys with no resolvable entry, whether the lookup
		// failed outright or returned zero candidate rows.
		Failed []string

		// KeysQueried is the number of distinct keys looked up this run.
		KeysQueried int
	}
)

// Lookup errors (static sentinel errors for errors.Is() checks).
var (
	// ErrLookupFailed indicates a transport failure, timeout, or non-success
	// response from the lookup service. Never fatal to a run.
	ErrLookupFailed = errors.New("catalog lookup failed")

	// ErrBaseURLEmpty is returned when the client is configured without a base URL.
	ErrBaseURLEmpty = errors.New("catalog base URL cannot be empty")
)
