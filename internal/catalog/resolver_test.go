package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSearcher records lookup counts per key and serves canned responses.
type fakeSearcher struct {
	mu      sync.Mutex
	calls   map[string]int
	entries map[string][]Entry
	fail    map[string]bool
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		calls:   make(map[string]int),
		entries: make(map[string][]Entry),
		fail:    make(map[string]bool),
	}
}

func (f *fakeSearcher) Search(_ context.Context, name string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[name]++

	if f.fail[name] {
		return nil, ErrLookupFailed
	}

	return f.entries[name], nil
}

func (f *fakeSearcher) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[name]
}

func entryFor(key string, modified time.Time) Entry {
	return Entry{
		ProductKey:   key,
		CatalogID:    "11000",
		DisplayName:  key,
		Category:     "cocktail",
		Alcoholic:    true,
		GlassType:    "highball",
		LastModified: modified,
	}
}

func TestResolverExactlyOnceLookupPerKey(t *testing.T) {
	searcher := newFakeSearcher()
	searcher.entries["mojito"] = []Entry{entryFor("mojito", time.Now())}
	searcher.entries["negroni"] = []Entry{entryFor("negroni", time.Now())}

	resolver := NewResolver(searcher, 4)

	result, err := resolver.Resolve(context.Background(), []string{"mojito", "negroni"})
	require.NoError(t, err)

	assert.Equal(t, 1, searcher.callCount("mojito"))
	assert.Equal(t, 1, searcher.callCount("negroni"))
	assert.Equal(t, 2, result.KeysQueried)
	assert.Len(t, result.Entries, 2)
	assert.Empty(t, result.Failed)
}

func TestResolverNewestLastModifiedWins(t *testing.T) {
	older := time.Date(2015, 8, 18, 14, 42, 59, 0, time.UTC)
	newer := time.Date(2017, 9, 2, 18, 37, 52, 0, time.UTC)

	stale := entryFor("mojito", older)
	stale.GlassType = "collins glass"

	fresh := entryFor("mojito", newer)
	fresh.GlassType = "highball"

	searcher := newFakeSearcher()
	searcher.entries["mojito"] = []Entry{stale, fresh}

	resolver := NewResolver(searcher, 1)

	result, err := resolver.Resolve(context.Background(), []string{"mojito"})
	require.NoError(t, err)

	entry, ok := result.Entries["mojito"]
	require.True(t, ok)
	assert.Equal(t, "highball", entry.GlassType, "newest-by-lastModified wins, not a merge")
	assert.True(t, entry.LastModified.Equal(newer))
}

func TestResolverDiscardsFuzzyMatches(t *testing.T) {
	// The search endpoint is fuzzy: looking up "margarita" also returns
	// "blue margarita". Only the exact key may resolve.
	searcher := newFakeSearcher()
	searcher.entries["margarita"] = []Entry{
		entryFor("blue margarita", time.Now()),
		entryFor("margarita", time.Now().Add(-time.Hour)),
	}

	resolver := NewResolver(searcher, 1)

	result, err := resolver.Resolve(context.Background(), []string{"margarita"})
	require.NoError(t, err)

	entry, ok := result.Entries["margarita"]
	require.True(t, ok)
	assert.Equal(t, "margarita", entry.ProductKey)
}

func TestResolverRecordsFailedKeysWithoutAborting(t *testing.T) {
	searcher := newFakeSearcher()
	searcher.entries["mojito"] = []Entry{entryFor("mojito", time.Now())}
	searcher.fail["house special"] = true
	// "unknown drink" resolves to zero rows: recorded absence, not an error.

	resolver := NewResolver(searcher, 2)

	result, err := resolver.Resolve(context.Background(), []string{"mojito", "house special", "unknown drink"})
	require.NoError(t, err, "lookup failures must not abort the run")

	assert.Len(t, result.Entries, 1)
	assert.ElementsMatch(t, []string{"house special", "unknown drink"}, result.Failed)
	assert.Equal(t, 3, result.KeysQueried)
}

func TestResolverCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	searcher := newFakeSearcher()
	resolver := NewResolver(searcher, 2)

	_, err := resolver.Resolve(ctx, []string{"mojito"})
	require.Error(t, err, "a cancelled run must not report a usable result")
}

func TestResolverEmptyKeySet(t *testing.T) {
	resolver := NewResolver(newFakeSearcher(), 2)

	result, err := resolver.Resolve(context.Background(), nil)
	require.NoError(t, err)

	assert.Empty(t, result.Entries)
	assert.Empty(t, result.Failed)
	assert.Zero(t, result.KeysQueried)
}

func TestCollapseCandidatesExactDuplicates(t *testing.T) {
	ts := time.Date(2016, 11, 4, 9, 17, 9, 0, time.UTC)

	first := entryFor("daiquiri", ts.Add(time.Hour))
	duplicate := entryFor("daiquiri", ts) // identical except LastModified

	entry, ok := collapseCandidates("daiquiri", []Entry{duplicate, first})
	require.True(t, ok)
	assert.True(t, entry.LastModified.Equal(ts.Add(time.Hour)), "duplicates discarded, newest kept")
}

func TestCollapseCandidatesNoMatch(t *testing.T) {
	_, ok := collapseCandidates("mojito", nil)
	assert.False(t, ok)
}
