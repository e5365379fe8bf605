package ingestion

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tapline-io/tapline/internal/canonicalization"
)

// Column names understood by the sale feeds. Feeds that ship without a header
// row declare their layout through FeedSpec.Columns instead.
const (
	ColumnDateOfSale = "dateOfSale"
	ColumnDrink      = "drink"
	ColumnPrice      = "price"
)

// ctxCheckInterval is how many rows are read between context cancellation checks.
const ctxCheckInterval = 512

type (
	// SaleSource produces a finite sequence of normalized sale records for one bar.
	//
	// Each adapter declares its own field layout, encoding, and delimiter, and
	// normalizes timestamps and product keys so downstream components see a
	// common schema regardless of the on-disk format.
	SaleSource interface {
		// ID returns the bar location this source feeds.
		ID() SourceID

		// Read consumes the whole feed and returns normalized records together
		// with read/skip counts. Malformed rows are skipped and counted, never
		// coerced. A file-level failure returns ErrFeedUnreadable.
		Read(ctx context.Context) (*FeedResult, error)
	}

	// FeedSpec declares the physical layout of one sale feed.
	FeedSpec struct {
		// Source is the bar this feed belongs to.
		Source SourceID

		// Path is the on-disk location of the batch file.
		Path string

		// Delimiter separates fields; ',' for CSV feeds, '\t' for TSV feeds.
		Delimiter rune

		// Gzip indicates the feed is gzip-compressed on disk.
		Gzip bool

		// HasHeader indicates the feed carries a leading header row. The row is
		// discarded; column meaning comes from Columns in either case, matching
		// feeds whose header names are unreliable.
		HasHeader bool

		// Columns names the fields in file order. Must contain dateOfSale,
		// drink, and price.
		Columns []string
	}

	// CSVFeed reads a delimited (optionally gzip-compressed) sale feed.
	// It implements SaleSource for all three physical feed formats: comma with
	// header, comma compressed without header, and tab compressed.
	CSVFeed struct {
		spec   FeedSpec
		logger *slog.Logger
	}
)

// NewCSVFeed creates a sale source for the given feed layout.
// Defaults: ',' delimiter, canonical column order [dateOfSale drink price].
func NewCSVFeed(spec FeedSpec, logger *slog.Logger) *CSVFeed {
	if spec.Delimiter == 0 {
		spec.Delimiter = ','
	}

	if len(spec.Columns) == 0 {
		spec.Columns = []string{ColumnDateOfSale, ColumnDrink, ColumnPrice}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &CSVFeed{spec: spec, logger: logger}
}

// ID returns the bar location this feed belongs to.
func (f *CSVFeed) ID() SourceID {
	return f.spec.Source
}

// Read consumes the feed and returns normalized sale records with counts.
//
// Row-level failures (unparsable timestamp, non-numeric or negative price,
// short rows) are skipped and counted. File-level failures (missing file,
// corrupt gzip stream, malformed CSV structure) return ErrFeedUnreadable.
func (f *CSVFeed) Read(ctx context.Context) (*FeedResult, error) {
	dateIdx, drinkIdx, priceIdx, err := f.columnIndexes()
	if err != nil {
		return nil, err
	}

	file, err := os.Open(f.spec.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrFeedUnreadable, f.spec.Path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	var raw io.Reader = file

	if f.spec.Gzip {
		gz, gzErr := gzip.NewReader(file)
		if gzErr != nil {
			return nil, fmt.Errorf("%w: gzip %s: %w", ErrFeedUnreadable, f.spec.Path, gzErr)
		}

		defer func() {
			_ = gz.Close()
		}()

		raw = gz
	}

	reader := csv.NewReader(raw)
	reader.Comma = f.spec.Delimiter
	reader.FieldsPerRecord = -1 // row width validated per-row so short rows skip, not abort
	reader.LazyQuotes = true

	if f.spec.HasHeader {
		if _, err := reader.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return &FeedResult{}, nil
			}

			return nil, fmt.Errorf("%w: header %s: %w", ErrFeedUnreadable, f.spec.Path, err)
		}
	}

	result := &FeedResult{}
	width := maxIndex(dateIdx, drinkIdx, priceIdx) + 1

	for {
		if result.RowsRead%ctxCheckInterval == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", ErrFeedUnreadable, f.spec.Path, err)
		}

		result.RowsRead++

		record, ok := f.parseRow(row, width, dateIdx, drinkIdx, priceIdx)
		if !ok {
			result.RowsSkipped++

			continue
		}

		result.Records = append(result.Records, record)
	}

	return result, nil
}

// parseRow normalizes one raw row. Returns false when the row must be skipped.
func (f *CSVFeed) parseRow(row []string, width, dateIdx, drinkIdx, priceIdx int) (SaleRecord, bool) {
	if len(row) < width {
		f.logger.Warn("skipping short row",
			slog.String("source", f.spec.Source.String()),
			slog.Int("fields", len(row)),
		)

		return SaleRecord{}, false
	}

	dateOfSale, ok := canonicalization.ParseTimestamp(row[dateIdx])
	if !ok {
		f.logger.Warn("skipping row with unparsable timestamp",
			slog.String("source", f.spec.Source.String()),
			slog.String("value", row[dateIdx]),
		)

		return SaleRecord{}, false
	}

	price, err := decimal.NewFromString(strings.TrimSpace(row[priceIdx]))
	if err != nil || price.IsNegative() {
		f.logger.Warn("skipping row with invalid price",
			slog.String("source", f.spec.Source.String()),
			slog.String("value", row[priceIdx]),
		)

		return SaleRecord{}, false
	}

	productKey := canonicalization.CanonicalProductKey(row[drinkIdx])
	if productKey == "" {
		f.logger.Warn("skipping row with empty product key",
			slog.String("source", f.spec.Source.String()),
		)

		return SaleRecord{}, false
	}

	return SaleRecord{
		DateOfSale: dateOfSale,
		ProductKey: productKey,
		Price:      price,
		SourceID:   f.spec.Source,
	}, true
}

// columnIndexes resolves the required field positions from the declared layout.
func (f *CSVFeed) columnIndexes() (dateIdx, drinkIdx, priceIdx int, err error) {
	dateIdx, drinkIdx, priceIdx = -1, -1, -1

	for i, name := range f.spec.Columns {
		switch name {
		case ColumnDateOfSale:
			dateIdx = i
		case ColumnDrink:
			drinkIdx = i
		case ColumnPrice:
			priceIdx = i
		}
	}

	if dateIdx < 0 || drinkIdx < 0 || priceIdx < 0 {
		return 0, 0, 0, fmt.Errorf(
			"%w: %s needs %s, %s, %s",
			ErrFeedColumns, f.spec.Source, ColumnDateOfSale, ColumnDrink, ColumnPrice,
		)
	}

	return dateIdx, drinkIdx, priceIdx, nil
}

func maxIndex(indexes ...int) int {
	max := 0
	for _, idx := range indexes {
		if idx > max {
			max = idx
		}
	}

	return max
}
