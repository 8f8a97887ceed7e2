package export

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

var exportedAt = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func sampleListing() domain.Listing {
	year := 2019
	lat := 40.7128
	return domain.Listing{
		ItemID:     "1234567890",
		Price:      domain.Money{Amount: "18500", Currency: "USD"},
		PriceSince: exportedAt,
		Attributes: domain.Attributes{
			Kind:      domain.KindVehicle,
			Title:     "2019 Honda Civic, Sedan",
			ImageURLs: []string{"https://img/1.jpg", "https://img/2.jpg"},
			Latitude:  &lat,
			Vehicle:   &domain.VehicleAttributes{Brand: "Honda", Model: "Civic", Year: &year},
			Details:   map[string]string{"color": "blue"},
		},
		Detail:        domain.DetailFull,
		FirstSeenRun:  1,
		LastSeenRun:   3,
		FirstSeenAt:   exportedAt,
		LastUpdatedAt: exportedAt.Add(time.Hour),
	}
}

func column(t *testing.T, tbl *Table, name string) int {
	t.Helper()
	for i, h := range tbl.Header {
		if h == name {
			return i
		}
	}
	t.Fatalf("column %q not in header", name)
	return -1
}

func TestFormatFromPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		path    string
		want    Format
		wantErr bool
	}{
		{name: "csv", path: "out/new.csv", want: FormatCSV},
		{name: "xlsx upper case", path: "OUT.XLSX", want: FormatXLSX},
		{name: "json is unsupported", path: "out.json", wantErr: true},
		{name: "no extension", path: "out", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := FormatFromPath(tt.path)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListingsTable(t *testing.T) {
	t.Parallel()

	bare := domain.Listing{ItemID: "2", Price: domain.Money{Amount: "0", Currency: "USD"}}
	tbl := ListingsTable([]domain.Listing{sampleListing(), bare})
	require.Equal(t, 2, tbl.Len())
	for _, r := range tbl.Rows {
		assert.Len(t, r, len(tbl.Header))
	}

	row := tbl.Rows[0]
	assert.Equal(t, "1234567890", row[column(t, &tbl, "item_id")])
	assert.Equal(t, "Honda", row[column(t, &tbl, "brand")])
	assert.Equal(t, "2019", row[column(t, &tbl, "year")])
	assert.Empty(t, row[column(t, &tbl, "mileage_km")])
	assert.Equal(t, "18500", row[column(t, &tbl, "price_amount")])
	assert.Equal(t, "https://img/1.jpg|https://img/2.jpg", row[column(t, &tbl, "image_urls")])
	assert.Equal(t, "40.7128", row[column(t, &tbl, "latitude")])
	assert.Empty(t, row[column(t, &tbl, "longitude")])
	assert.JSONEq(t, `{"color":"blue"}`, row[column(t, &tbl, "details_json")])
	assert.Equal(t, "detail", row[column(t, &tbl, "detail_completeness")])
	assert.Equal(t, "2026-03-01T09:00:00Z", row[column(t, &tbl, "last_updated_at")])

	assert.Empty(t, tbl.Rows[1][column(t, &tbl, "brand")])
	assert.Equal(t, "summary", tbl.Rows[1][column(t, &tbl, "detail_completeness")])
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()

	tbl := PriceChangesTable([]domain.PriceChange{{
		ItemID:     "A",
		Old:        domain.Money{Amount: "10", Currency: "USD"},
		New:        domain.Money{Amount: "15", Currency: "USD"},
		ObservedAt: exportedAt,
	}})

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, &tbl))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"item_id", "old_amount", "old_currency", "new_amount", "new_currency", "observed_at"}, records[0])
	assert.Equal(t, []string{"A", "10", "USD", "15", "USD", "2026-03-01T08:00:00Z"}, records[1])
}

func TestWriteFile_XLSX(t *testing.T) {
	t.Parallel()

	tbl := HistoryTable([]domain.PriceHistoryEntry{
		{ItemID: "A", Price: domain.Money{Amount: "10", Currency: "USD"}, ObservedAt: exportedAt, RunID: 1},
		{ItemID: "A", Price: domain.Money{Amount: "15", Currency: "USD"}, ObservedAt: exportedAt.Add(24 * time.Hour), RunID: 2},
	})

	path := filepath.Join(t.TempDir(), "nested", "history.xlsx")
	require.NoError(t, WriteFile(path, &tbl))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := f.Sheet["price_history"]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "item_id", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "15", sheet.Rows[2].Cells[1].String())
	assert.Equal(t, "2", sheet.Rows[2].Cells[4].String())
}

func TestWriteFile_UnknownFormat(t *testing.T) {
	t.Parallel()

	tbl := HistoryTable(nil)
	err := WriteFile(filepath.Join(t.TempDir(), "out.parquet"), &tbl)
	require.ErrorIs(t, err, ErrUnknownFormat)
}
