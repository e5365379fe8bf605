package ingestion

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tapline-io/tapline/internal/canonicalization"
)

// Header names carried by the bar stock feed.
const (
	inventoryColumnDrink = "drink"
	inventoryColumnGlass = "glass_type"
	inventoryColumnStock = "stock"
	inventoryColumnBar   = "bar"
)

// stockDigits extracts the leading numeric quantity from free-text stock values
// such as "12 bottles" or "stock: 7".
var stockDigits = regexp.MustCompile(`\d+`)

// InventoryFeed reads the static bar stock snapshot (comma-delimited with header).
//
// Unlike the sale feeds, the stock feed's header names are trusted: the column
// order varies between exports, so fields are resolved by name.
type InventoryFeed struct {
	path   string
	logger *slog.Logger
}

// NewInventoryFeed creates an inventory adapter for the given snapshot file.
func NewInventoryFeed(path string, logger *slog.Logger) *InventoryFeed {
	if logger == nil {
		logger = slog.Default()
	}

	return &InventoryFeed{path: path, logger: logger}
}

// Read consumes the snapshot and returns current-state inventory items.
// StockID is assigned sequentially on ingestion. Rows with no extractable
// quantity or an empty product are skipped and counted.
func (f *InventoryFeed) Read(ctx context.Context) ([]InventoryItem, int, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open %s: %w", ErrFeedUnreadable, f.path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: header %s: %w", ErrFeedUnreadable, f.path, err)
	}

	indexes := make(map[string]int, len(header))
	for i, name := range header {
		indexes[strings.ToLower(strings.TrimSpace(name))] = i
	}

	for _, required := range []string{
		inventoryColumnDrink, inventoryColumnGlass, inventoryColumnStock, inventoryColumnBar,
	} {
		if _, ok := indexes[required]; !ok {
			return nil, 0, fmt.Errorf("%w: %s missing %q", ErrFeedColumns, f.path, required)
		}
	}

	var (
		items   []InventoryItem
		skipped int
		rows    int
	)

	for {
		if rows%ctxCheckInterval == 0 && ctx.Err() != nil {
			return nil, skipped, ctx.Err()
		}

		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, skipped, fmt.Errorf("%w: read %s: %w", ErrFeedUnreadable, f.path, err)
		}

		rows++

		item, ok := f.parseRow(row, indexes)
		if !ok {
			skipped++

			continue
		}

		item.StockID = len(items)
		items = append(items, item)
	}

	return items, skipped, nil
}

func (f *InventoryFeed) parseRow(row []string, indexes map[string]int) (InventoryItem, bool) {
	width := 0
	for _, idx := range indexes {
		if idx+1 > width {
			width = idx + 1
		}
	}

	if len(row) < width {
		f.logger.Warn("skipping short inventory row", slog.Int("fields", len(row)))

		return InventoryItem{}, false
	}

	productKey := canonicalization.CanonicalProductKey(row[indexes[inventoryColumnDrink]])
	if productKey == "" {
		f.logger.Warn("skipping inventory row with empty product")

		return InventoryItem{}, false
	}

	digits := stockDigits.FindString(row[indexes[inventoryColumnStock]])
	if digits == "" {
		f.logger.Warn("skipping inventory row with no numeric stock",
			slog.String("product", productKey),
			slog.String("value", row[indexes[inventoryColumnStock]]),
		)

		return InventoryItem{}, false
	}

	quantity, err := strconv.Atoi(digits)
	if err != nil {
		return InventoryItem{}, false
	}

	return InventoryItem{
		ProductKey:     productKey,
		GlassType:      strings.ToLower(strings.TrimSpace(row[indexes[inventoryColumnGlass]])),
		QuantityOnHand: quantity,
		SourceBar:      strings.ToLower(strings.TrimSpace(row[indexes[inventoryColumnBar]])),
	}, true
}
