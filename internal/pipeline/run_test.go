package pipeline

import (
	"compress/gzip"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapline-io/tapline/internal/catalog"
	"github.com/tapline-io/tapline/internal/ingestion"
	"github.com/tapline-io/tapline/internal/storage"
)

type fakeStore struct {
	batches []*storage.CommitBatch
	err     error
}

func (s *fakeStore) CommitRun(_ context.Context, batch *storage.CommitBatch) error {
	if s.err != nil {
		return s.err
	}

	s.batches = append(s.batches, batch)

	return nil
}

type fakeResolver struct {
	calls    [][]string
	failKeys map[string]bool
}

func (r *fakeResolver) Resolve(ctx context.Context, keys []string) (*catalog.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.calls = append(r.calls, keys)

	result := &catalog.Result{
		Entries:     make(map[string]catalog.Entry, len(keys)),
		KeysQueried: len(keys),
	}

	for _, key := range keys {
		if r.failKeys[key] {
			result.Failed = append(result.Failed, key)

			continue
		}

		result.Entries[key] = catalog.Entry{
			ProductKey:   key,
			CatalogID:    "11000",
			DisplayName:  key,
			Category:     "cocktail",
			Alcoholic:    true,
			GlassType:    "highball glass",
			LastModified: time.Date(2017, 9, 2, 18, 0, 0, 0, time.UTC),
		}
	}

	return result, nil
}

type fakeInventory struct {
	items   []ingestion.InventoryItem
	skipped int
	err     error
}

func (f *fakeInventory) Read(_ context.Context) ([]ingestion.InventoryItem, int, error) {
	if f.err != nil {
		return nil, 0, f.err
	}

	return f.items, f.skipped, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeSaleFeed writes a gzip-compressed feed file and returns its path.
func writeSaleFeed(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)

	file, err := os.Create(path) //nolint:gosec // test-owned temp path
	require.NoError(t, err)

	writer := gzip.NewWriter(file)
	_, err = writer.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, file.Close())

	return path
}

func gzipFeed(source ingestion.SourceID, path string, delimiter rune, header bool) ingestion.SaleSource {
	return ingestion.NewCSVFeed(ingestion.FeedSpec{
		Source:    source,
		Path:      path,
		Delimiter: delimiter,
		Gzip:      true,
		HasHeader: header,
	}, testLogger())
}

func openWatermarks(t *testing.T, path string) *ingestion.FileWatermarkStore {
	t.Helper()

	store, err := ingestion.NewFileWatermarkStore(path)
	require.NoError(t, err)

	return store
}

func TestRunner_Run_EndToEnd(t *testing.T) {
	dir := t.TempDir()

	budapestPath := writeSaleFeed(t, dir, "budapest.csv.gz",
		"date_of_sale,drink,price\n"+
			"2021-01-01 10:00:00,Mojito,8.50\n"+
			"2021-01-02 11:30:00,Negroni,12.00\n")
	londonPath := writeSaleFeed(t, dir, "london.csv.gz",
		"2021-01-03 20:15:00\tmojito\t9.75\n")

	watermarkPath := filepath.Join(dir, "last_update.txt")
	store := &fakeStore{}
	resolver := &fakeResolver{}

	runner := NewRunner(
		[]ingestion.SaleSource{
			gzipFeed(ingestion.SourceBudapest, budapestPath, ',', true),
			gzipFeed(ingestion.SourceLondon, londonPath, '\t', false),
		},
		&fakeInventory{items: []ingestion.InventoryItem{
			{StockID: 1, ProductKey: "mojito", GlassType: "highball glass", QuantityOnHand: 20, SourceBar: "london"},
		}, skipped: 1},
		resolver,
		openWatermarks(t, watermarkPath),
		store,
		testLogger(),
	)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, store.batches, 1)

	batch := store.batches[0]
	require.Len(t, batch.Sales, 3)

	// Sale IDs are run-monotonic across the merged stream.
	for i, sale := range batch.Sales {
		assert.Equal(t, int64(i), sale.SaleID)
	}

	// "mojito" appears in both feeds but is looked up exactly once.
	require.Len(t, resolver.calls, 1)
	assert.ElementsMatch(t, []string{"mojito", "negroni"}, resolver.calls[0])
	require.Len(t, batch.Catalog, 2)

	assert.Equal(t, report.RunID, batch.RunID)
	require.Len(t, batch.Inventory, 1)
	assert.Equal(t, 1, report.InventoryRows)
	assert.Equal(t, 1, report.InventorySkipped)

	// Per-source watermark candidates cover the max timestamp seen.
	assert.Equal(t,
		time.Date(2021, 1, 2, 11, 30, 0, 0, time.UTC),
		batch.Watermarks[ingestion.SourceBudapest])
	assert.Equal(t,
		time.Date(2021, 1, 3, 20, 15, 0, 0, time.UTC),
		batch.Watermarks[ingestion.SourceLondon])

	// The watermark file advanced after the commit.
	reopened := openWatermarks(t, watermarkPath)
	assert.Equal(t,
		time.Date(2021, 1, 2, 11, 30, 0, 0, time.UTC),
		reopened.Read(ingestion.SourceBudapest))
	assert.Equal(t,
		time.Date(2021, 1, 3, 20, 15, 0, 0, time.UTC),
		reopened.Read(ingestion.SourceLondon))

	assert.Equal(t, 3, report.TotalIngested())
	assert.Equal(t, 2, report.Enrichment.KeysQueried)
	assert.Equal(t, 2, report.Enrichment.KeysResolved)
	assert.Zero(t, report.Enrichment.KeysFailed)
}

func TestRunner_Run_ConsecutiveRunsAreDisjoint(t *testing.T) {
	dir := t.TempDir()

	path := writeSaleFeed(t, dir, "budapest.csv.gz",
		"date_of_sale,drink,price\n"+
			"2021-01-01 10:00:00,mojito,8.50\n"+
			"2021-01-02 11:30:00,negroni,12.00\n")

	watermarkPath := filepath.Join(dir, "last_update.txt")
	store := &fakeStore{}

	newRunner := func() *Runner {
		return NewRunner(
			[]ingestion.SaleSource{gzipFeed(ingestion.SourceBudapest, path, ',', true)},
			nil,
			&fakeResolver{},
			openWatermarks(t, watermarkPath),
			store,
			testLogger(),
		)
	}

	first, err := newRunner().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.TotalIngested())

	// Same unchanged feed: the second run sees nothing new and the
	// watermark holds its value.
	second, err := newRunner().Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.TotalIngested())

	require.Len(t, store.batches, 2)
	assert.Empty(t, store.batches[1].Sales)
	assert.Equal(t,
		time.Date(2021, 1, 2, 11, 30, 0, 0, time.UTC),
		store.batches[1].Watermarks[ingestion.SourceBudapest])

	sourceReport := second.Sources[ingestion.SourceBudapest]
	require.NotNil(t, sourceReport)
	assert.Equal(t, sourceReport.WatermarkBefore, sourceReport.WatermarkAfter)
}

func TestRunner_Run_PersistenceFailureKeepsWatermark(t *testing.T) {
	dir := t.TempDir()

	path := writeSaleFeed(t, dir, "budapest.csv.gz",
		"date_of_sale,drink,price\n"+
			"2021-01-01 10:00:00,mojito,8.50\n")

	watermarkPath := filepath.Join(dir, "last_update.txt")
	storeErr := errors.New("connection reset")

	runner := NewRunner(
		[]ingestion.SaleSource{gzipFeed(ingestion.SourceBudapest, path, ',', true)},
		nil,
		&fakeResolver{},
		openWatermarks(t, watermarkPath),
		&fakeStore{err: storeErr},
		testLogger(),
	)

	_, err := runner.Run(context.Background())
	require.ErrorIs(t, err, storeErr)

	// No watermark file was written: the next run re-reads everything.
	_, statErr := os.Stat(watermarkPath)
	assert.True(t, os.IsNotExist(statErr))

	reopened := openWatermarks(t, watermarkPath)
	assert.Equal(t, ingestion.BeginningOfTime, reopened.Read(ingestion.SourceBudapest))
}

func TestRunner_Run_FailedSourceDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()

	londonPath := writeSaleFeed(t, dir, "london.csv.gz",
		"2021-01-03 20:15:00\tmojito\t9.75\n")

	store := &fakeStore{}

	runner := NewRunner(
		[]ingestion.SaleSource{
			gzipFeed(ingestion.SourceBudapest, filepath.Join(dir, "missing.csv.gz"), ',', true),
			gzipFeed(ingestion.SourceLondon, londonPath, '\t', false),
		},
		nil,
		&fakeResolver{},
		openWatermarks(t, filepath.Join(dir, "last_update.txt")),
		store,
		testLogger(),
	)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	budapest := report.Sources[ingestion.SourceBudapest]
	require.NotNil(t, budapest)
	assert.True(t, budapest.Failed)
	assert.NotEmpty(t, budapest.FailureReason)

	london := report.Sources[ingestion.SourceLondon]
	require.NotNil(t, london)
	assert.False(t, london.Failed)
	assert.Equal(t, 1, london.RowsIngested)

	// The failed source holds its watermark; only the healthy one advances.
	require.Len(t, store.batches, 1)
	assert.NotContains(t, store.batches[0].Watermarks, ingestion.SourceBudapest)
	assert.Contains(t, store.batches[0].Watermarks, ingestion.SourceLondon)
}

func TestRunner_Run_WatermarkNeverRegresses(t *testing.T) {
	dir := t.TempDir()

	path := writeSaleFeed(t, dir, "budapest.csv.gz",
		"date_of_sale,drink,price\n"+
			"2021-01-01 10:00:00,mojito,8.50\n")

	watermarkPath := filepath.Join(dir, "last_update.txt")
	stored := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)

	seed := openWatermarks(t, watermarkPath)
	require.NoError(t, seed.WriteAll(map[ingestion.SourceID]time.Time{
		ingestion.SourceBudapest: stored,
	}))

	store := &fakeStore{}

	runner := NewRunner(
		[]ingestion.SaleSource{gzipFeed(ingestion.SourceBudapest, path, ',', true)},
		nil,
		&fakeResolver{},
		openWatermarks(t, watermarkPath),
		store,
		testLogger(),
	)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.TotalIngested())

	// All feed rows predate the stored watermark; it must not move backward.
	require.Len(t, store.batches, 1)
	assert.Equal(t, stored, store.batches[0].Watermarks[ingestion.SourceBudapest])

	reopened := openWatermarks(t, watermarkPath)
	assert.Equal(t, stored, reopened.Read(ingestion.SourceBudapest))
}

func TestRunner_Run_FailedLookupsAreNonFatal(t *testing.T) {
	dir := t.TempDir()

	path := writeSaleFeed(t, dir, "budapest.csv.gz",
		"date_of_sale,drink,price\n"+
			"2021-01-01 10:00:00,mojito,8.50\n"+
			"2021-01-01 11:00:00,house special,6.00\n")

	store := &fakeStore{}

	runner := NewRunner(
		[]ingestion.SaleSource{gzipFeed(ingestion.SourceBudapest, path, ',', true)},
		nil,
		&fakeResolver{failKeys: map[string]bool{"house special": true}},
		openWatermarks(t, filepath.Join(dir, "last_update.txt")),
		store,
		testLogger(),
	)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	// The sale row still lands even though its key resolved nothing.
	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0].Sales, 2)
	assert.Len(t, store.batches[0].Catalog, 1)

	assert.Equal(t, 2, report.Enrichment.KeysQueried)
	assert.Equal(t, 1, report.Enrichment.KeysResolved)
	assert.Equal(t, 1, report.Enrichment.KeysFailed)
	assert.Equal(t, []string{"house special"}, report.Enrichment.FailedKeys)
}

func TestRunner_Run_CancelledContextSkipsPersistence(t *testing.T) {
	dir := t.TempDir()

	path := writeSaleFeed(t, dir, "budapest.csv.gz",
		"date_of_sale,drink,price\n"+
			"2021-01-01 10:00:00,mojito,8.50\n")

	watermarkPath := filepath.Join(dir, "last_update.txt")
	store := &fakeStore{}

	runner := NewRunner(
		[]ingestion.SaleSource{gzipFeed(ingestion.SourceBudapest, path, ',', true)},
		nil,
		&fakeResolver{},
		openWatermarks(t, watermarkPath),
		store,
		testLogger(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx)
	require.Error(t, err)

	assert.Empty(t, store.batches)

	_, statErr := os.Stat(watermarkPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunner_Run_UnreadableInventoryKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()

	path := writeSaleFeed(t, dir, "budapest.csv.gz",
		"date_of_sale,drink,price\n"+
			"2021-01-01 10:00:00,mojito,8.50\n")

	store := &fakeStore{}

	runner := NewRunner(
		[]ingestion.SaleSource{gzipFeed(ingestion.SourceBudapest, path, ',', true)},
		&fakeInventory{err: errors.New("no such file")},
		&fakeResolver{},
		openWatermarks(t, filepath.Join(dir, "last_update.txt")),
		store,
		testLogger(),
	)

	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	// Nil inventory tells the store to leave the previous snapshot in place.
	require.Len(t, store.batches, 1)
	assert.Nil(t, store.batches[0].Inventory)
}
