package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tapline-io/tapline/internal/catalog"
	"github.com/tapline-io/tapline/internal/config"
	"github.com/tapline-io/tapline/internal/ingestion"
)

// Sentinel errors for persistence operations.
var (
	// ErrPersistenceFailed is returned when a run's commit fails. Fatal to the
	// run: no watermark advances, and the run is fully retryable from the prior
	// watermark state.
	ErrPersistenceFailed = errors.New("run persistence failed")

	// ErrNilBatch is returned when CommitRun is called without a batch.
	ErrNilBatch = errors.New("commit batch cannot be nil")
)

type (
	// BarStore implements the persistence writer contract with a PostgreSQL backend.
	//
	// Commit order inside a single transaction:
	//  1. Append sale records (never overwrite or deduplicate; disjointness
	//     across runs is guaranteed by watermark filtering)
	//  2. Append resolved catalog snapshot rows (repeated keys across runs
	//     produce repeated rows; accepted duplication source)
	//  3. Replace inventory rows (current-state snapshot, not event history)
	//  4. Upsert per-source watermark rows
	//
	// Only after the transaction commits does the caller advance the watermark
	// file, so watermark advancement is never observed without the data being
	// durably present.
	BarStore struct {
		conn   *Connection
		logger *slog.Logger
	}

	// CommitBatch carries everything one run persists atomically.
	CommitBatch struct {
		RunID      uuid.UUID
		Sales      []ingestion.SaleRecord
		Catalog    []catalog.Entry
		Inventory  []ingestion.InventoryItem
		Watermarks map[ingestion.SourceID]time.Time
	}
)

// NewBarStore creates a PostgreSQL-backed persistence writer.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewBarStore(conn *Connection) (*BarStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &BarStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *BarStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// CommitRun persists one run's sales, catalog snapshot, inventory, and
// watermark rows in a single all-or-nothing transaction.
//
// Any failure rolls the whole transaction back and returns
// ErrPersistenceFailed: partial writes never survive, and the caller must not
// advance any watermark for any source in that run.
func (s *BarStore) CommitRun(ctx context.Context, batch *CommitBatch) error {
	if batch == nil {
		return ErrNilBatch
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrPersistenceFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	if err := s.appendSales(ctx, tx, batch); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	if err := s.appendCatalog(ctx, tx, batch); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	if err := s.replaceInventory(ctx, tx, batch.Inventory); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	if err := s.upsertWatermarks(ctx, tx, batch.Watermarks); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrPersistenceFailed, err)
	}

	s.logger.Info("run committed",
		slog.String("run_id", batch.RunID.String()),
		slog.Int("sales", len(batch.Sales)),
		slog.Int("catalog_rows", len(batch.Catalog)),
		slog.Int("inventory_rows", len(batch.Inventory)),
	)

	return nil
}

// appendSales bulk-loads the run's sale records via COPY.
// Append-only: no conflict handling, by construction each run's filtered
// records are disjoint from prior runs' persisted records.
func (s *BarStore) appendSales(ctx context.Context, tx *sql.Tx, batch *CommitBatch) error {
	if len(batch.Sales) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"global_sales",
		"run_id", "sale_id", "date_of_sale", "drink", "price", "bar",
	))
	if err != nil {
		return fmt.Errorf("prepare sales copy: %w", err)
	}

	for _, sale := range batch.Sales {
		_, err = stmt.ExecContext(ctx,
			batch.RunID,
			sale.SaleID,
			sale.DateOfSale,
			sale.ProductKey,
			sale.Price,
			sale.SourceID.String(),
		)
		if err != nil {
			_ = stmt.Close()

			return fmt.Errorf("copy sale %d: %w", sale.SaleID, err)
		}
	}

	// Flush the COPY buffer.
	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()

		return fmt.Errorf("flush sales copy: %w", err)
	}

	return stmt.Close()
}

// appendCatalog appends the run's catalog snapshot rows in deterministic key order.
func (s *BarStore) appendCatalog(ctx context.Context, tx *sql.Tx, batch *CommitBatch) error {
	if len(batch.Catalog) == 0 {
		return nil
	}

	entries := make([]catalog.Entry, len(batch.Catalog))
	copy(entries, batch.Catalog)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ProductKey < entries[j].ProductKey })

	const query = `
		INSERT INTO cocktails
			(run_id, product_key, catalog_id, display_name, category, iba, alcoholic, glass_type, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	for _, entry := range entries {
		lastModified := sql.NullTime{Time: entry.LastModified, Valid: !entry.LastModified.IsZero()}

		_, err := tx.ExecContext(ctx, query,
			batch.RunID,
			entry.ProductKey,
			entry.CatalogID,
			entry.DisplayName,
			entry.Category,
			entry.IBA,
			entry.Alcoholic,
			entry.GlassType,
			lastModified,
		)
		if err != nil {
			return fmt.Errorf("insert catalog row %q: %w", entry.ProductKey, err)
		}
	}

	return nil
}

// replaceInventory swaps the whole stock snapshot: inventory is current-state,
// so the previous snapshot is removed even when the new one is empty. A nil
// slice means the run produced no snapshot (feed unreadable) and the previous
// one is kept.
func (s *BarStore) replaceInventory(ctx context.Context, tx *sql.Tx, items []ingestion.InventoryItem) error {
	if items == nil {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bar_stock`); err != nil {
		return fmt.Errorf("clear inventory: %w", err)
	}

	const query = `
		INSERT INTO bar_stock (stock_id, product_key, glass_type, quantity_on_hand, bar)
		VALUES ($1, $2, $3, $4, $5)
	`

	for _, item := range items {
		_, err := tx.ExecContext(ctx, query,
			item.StockID,
			item.ProductKey,
			item.GlassType,
			item.QuantityOnHand,
			item.SourceBar,
		)
		if err != nil {
			return fmt.Errorf("insert inventory row %d: %w", item.StockID, err)
		}
	}

	return nil
}

// upsertWatermarks writes one row per source with upsert semantics.
func (s *BarStore) upsertWatermarks(ctx context.Context, tx *sql.Tx, marks map[ingestion.SourceID]time.Time) error {
	const query = `
		INSERT INTO watermarks (source_id, last_seen, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source_id)
		DO UPDATE SET last_seen = EXCLUDED.last_seen, updated_at = now()
	`

	sources := make([]ingestion.SourceID, 0, len(marks))
	for source := range marks {
		sources = append(sources, source)
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	for _, source := range sources {
		if _, err := tx.ExecContext(ctx, query, source.String(), marks[source]); err != nil {
			return fmt.Errorf("upsert watermark %s: %w", source, err)
		}
	}

	return nil
}

// IsConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors for
// robust detection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Class 08 = Connection Exception: all 08xxx codes are connection-related.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
