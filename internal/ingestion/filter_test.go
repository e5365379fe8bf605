package ingestion

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func saleAt(ts time.Time, key string) SaleRecord {
	return SaleRecord{
		DateOfSale: ts,
		ProductKey: key,
		Price:      decimal.NewFromInt(10),
		SourceID:   SourceBudapest,
	}
}

func TestFilterNewRecords(t *testing.T) {
	watermark := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := watermark.Add(-time.Hour)
	after := watermark.Add(time.Hour)
	later := watermark.Add(2 * time.Hour)

	tests := []struct {
		name          string
		records       []SaleRecord
		wantKept      int
		wantCandidate time.Time
	}{
		{
			name:          "empty input leaves watermark unchanged",
			records:       nil,
			wantKept:      0,
			wantCandidate: watermark,
		},
		{
			name:          "all records older",
			records:       []SaleRecord{saleAt(before, "mojito")},
			wantKept:      0,
			wantCandidate: before,
		},
		{
			name:          "boundary tie excluded",
			records:       []SaleRecord{saleAt(watermark, "mojito")},
			wantKept:      0,
			wantCandidate: watermark,
		},
		{
			name:          "strictly newer kept",
			records:       []SaleRecord{saleAt(after, "mojito")},
			wantKept:      1,
			wantCandidate: after,
		},
		{
			name: "mixed input keeps only newer, candidate is max over unfiltered",
			records: []SaleRecord{
				saleAt(before, "negroni"),
				saleAt(watermark, "mojito"),
				saleAt(later, "daiquiri"),
				saleAt(after, "mojito"),
			},
			wantKept:      2,
			wantCandidate: later,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept, candidate := FilterNewRecords(tt.records, watermark)

			assert.Len(t, kept, tt.wantKept)
			assert.True(t, candidate.Equal(tt.wantCandidate),
				"candidate = %v, want %v", candidate, tt.wantCandidate)

			for _, record := range kept {
				assert.True(t, record.DateOfSale.After(watermark),
					"kept record %v not strictly after watermark", record.DateOfSale)
			}
		})
	}
}

func TestDistinctProductKeys(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	records := []SaleRecord{
		saleAt(ts, "mojito"),
		saleAt(ts, "negroni"),
		{DateOfSale: ts, ProductKey: "mojito", Price: decimal.NewFromInt(9), SourceID: SourceLondon},
		saleAt(ts, "mojito"),
	}

	keys := DistinctProductKeys(records)

	assert.Equal(t, []string{"mojito", "negroni"}, keys,
		"keys must be deduplicated across sources in first-seen order")
}

func TestDistinctProductKeysEmpty(t *testing.T) {
	assert.Empty(t, DistinctProductKeys(nil))
}
