package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/tapline-io/tapline/internal/config"
)

type (
	// Resolver resolves a run's distinct product keys to canonical catalog rows.
	//
	// Guarantees exactly-once lookup per distinct key per run. Lookups are
	// dispatched concurrently up to the configured limit; each key's result
	// lands in its own slot, so aggregation never interleaves writes to the
	// same key. Lookup failures are recorded per-key and never abort the run.
	Resolver struct {
		searcher    Searcher
		concurrency int
		logger      *slog.Logger
	}

	// keyOutcome is one key's lookup result, written by exactly one goroutine.
	keyOutcome struct {
		key    string
		entry  Entry
		found  bool
		failed bool
	}
)

// NewResolver creates an enrichment resolver over the given lookup service.
// A non-positive concurrency falls back to the default limit.
func NewResolver(searcher Searcher, concurrency int) *Resolver {
	if concurrency <= 0 {
		concurrency = defaultLookupConcurrency
	}

	return &Resolver{
		searcher:    searcher,
		concurrency: concurrency,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Resolve looks up every distinct key exactly once and collapses candidate rows
// to one canonical Entry per key.
//
// Per key: a transport failure, timeout, or non-success response records the
// key as failed (a missing catalog entry must not block sale ingestion); zero
// candidate rows records the key as failed (absence is recorded, not dropped);
// one or more rows collapse by last-write-wins (see collapseCandidates).
//
// Returns an error only when the context is cancelled: a cancelled run stops
// issuing further lookups and must skip persistence.
func (r *Resolver) Resolve(ctx context.Context, keys []string) (*Result, error) {
	outcomes := make([]keyOutcome, len(keys))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.concurrency)

	for i, key := range keys {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}

			outcomes[i] = r.lookupKey(groupCtx, key)

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("enrichment cancelled: %w", err)
	}

	result := &Result{
		Entries:     make(map[string]Entry, len(keys)),
		KeysQueried: len(keys),
	}

	for _, outcome := range outcomes {
		if outcome.found {
			result.Entries[outcome.key] = outcome.entry

			continue
		}

		result.Failed = append(result.Failed, outcome.key)
	}

	return result, nil
}

// lookupKey performs the single lookup for one key and collapses its candidates.
func (r *Resolver) lookupKey(ctx context.Context, key string) keyOutcome {
	candidates, err := r.searcher.Search(ctx, key)
	if err != nil {
		r.logger.Warn("enrichment lookup failed",
			slog.String("product_key", key),
			slog.String("error", err.Error()),
		)

		return keyOutcome{key: key, failed: true}
	}

	entry, ok := collapseCandidates(key, candidates)
	if !ok {
		r.logger.Debug("no catalog entry for product key", slog.String("product_key", key))

		return keyOutcome{key: key}
	}

	return keyOutcome{key: key, entry: entry, found: true}
}

// collapseCandidates selects the single canonical row for a key.
//
// The lookup service is not guaranteed to return one row per drink: the search
// is fuzzy and rows can be stale duplicates. Policy: sort by LastModified
// descending and take the first row whose canonical key matches. Rows that are
// exact duplicates apart from LastModified are discarded silently; rows that
// differ on substantive fields lose to the newest one. This is deliberate
// last-write-wins, not a merge.
func collapseCandidates(key string, candidates []Entry) (Entry, bool) {
	matching := make([]Entry, 0, len(candidates))

	for _, candidate := range candidates {
		// The search endpoint is fuzzy; keep only rows for this exact key.
		if candidate.ProductKey == key {
			matching = append(matching, candidate)
		}
	}

	if len(matching) == 0 {
		return Entry{}, false
	}

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].LastModified.After(matching[j].LastModified)
	})

	return matching[0], true
}
