// Package export renders listings, price changes and ledger history as
// CSV or XLSX tables.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tealeg/xlsx/v2"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// Format is an output file format.
type Format string

// Supported formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnknownFormat is returned for an output path with an unsupported
// extension.
var ErrUnknownFormat = errors.New("unknown export format")

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %q (want .csv or .xlsx)", ErrUnknownFormat, filepath.Ext(path))
	}
}

// Table is a header plus string rows. Sheet names the XLSX worksheet.
type Table struct {
	Sheet  string
	Header []string
	Rows   [][]string
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

var listingHeader = []string{
	"item_id", "title", "kind", "brand", "model", "year", "mileage_km",
	"fuel", "transmission", "body_type", "price_amount", "price_currency",
	"price_observed_at", "location", "posted_text", "seller",
	"thumbnail_url", "image_urls", "latitude", "longitude", "description",
	"details_json", "item_url", "category_hint", "source_url",
	"detail_completeness", "first_seen_run", "last_seen_run",
	"first_seen_at", "last_updated_at",
}

// ListingsTable flattens listings into one row each.
func ListingsTable(listings []domain.Listing) Table {
	t := Table{Sheet: "listings", Header: listingHeader, Rows: make([][]string, 0, len(listings))}
	for i := range listings {
		l := &listings[i]
		a := &l.Attributes
		v := a.Vehicle
		if v == nil {
			v = &domain.VehicleAttributes{}
		}
		t.Rows = append(t.Rows, []string{
			l.ItemID,
			a.Title,
			string(a.Kind),
			v.Brand,
			v.Model,
			intPtr(v.Year),
			intPtr(v.MileageKM),
			v.Fuel,
			v.Transmission,
			v.BodyType,
			l.Price.Amount,
			l.Price.Currency,
			timestamp(l.PriceSince),
			a.Location,
			a.PostedText,
			a.Seller,
			a.ThumbnailURL,
			strings.Join(a.ImageURLs, "|"),
			floatPtr(a.Latitude),
			floatPtr(a.Longitude),
			a.Description,
			detailsJSON(a.Details),
			a.ItemURL,
			a.Category,
			a.SourceURL,
			l.Detail.String(),
			strconv.FormatInt(l.FirstSeenRun, 10),
			strconv.FormatInt(l.LastSeenRun, 10),
			timestamp(l.FirstSeenAt),
			timestamp(l.LastUpdatedAt),
		})
	}
	return t
}

// PriceChangesTable renders ledger transitions.
func PriceChangesTable(changes []domain.PriceChange) Table {
	t := Table{
		Sheet:  "price_changes",
		Header: []string{"item_id", "old_amount", "old_currency", "new_amount", "new_currency", "observed_at"},
		Rows:   make([][]string, 0, len(changes)),
	}
	for _, c := range changes {
		t.Rows = append(t.Rows, []string{
			c.ItemID,
			c.Old.Amount,
			c.Old.Currency,
			c.New.Amount,
			c.New.Currency,
			timestamp(c.ObservedAt),
		})
	}
	return t
}

// HistoryTable renders price ledger entries.
func HistoryTable(entries []domain.PriceHistoryEntry) Table {
	t := Table{
		Sheet:  "price_history",
		Header: []string{"item_id", "amount", "currency", "observed_at", "run_id"},
		Rows:   make([][]string, 0, len(entries)),
	}
	for _, e := range entries {
		t.Rows = append(t.Rows, []string{
			e.ItemID,
			e.Price.Amount,
			e.Price.Currency,
			timestamp(e.ObservedAt),
			strconv.FormatInt(e.RunID, 10),
		})
	}
	return t
}

// WriteCSV writes t with its header row.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Header); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("writing csv rows: %w", err)
	}
	return nil
}

// WriteXLSX writes t as a single-sheet workbook.
func WriteXLSX(w io.Writer, t *Table) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(t.Sheet)
	if err != nil {
		return fmt.Errorf("adding sheet %q: %w", t.Sheet, err)
	}

	addRow(sheet, t.Header)
	for _, r := range t.Rows {
		addRow(sheet, r)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing xlsx: %w", err)
	}
	return nil
}

// WriteFile writes t to path in the format its extension names, creating
// the parent directory.
func WriteFile(path string, t *Table) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	f, err := os.Create(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	switch format {
	case FormatXLSX:
		err = WriteXLSX(f, t)
	default:
		err = WriteCSV(f, t)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing %s: %w", path, cerr)
	}
	return err
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func intPtr(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func floatPtr(p *float64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatFloat(*p, 'f', -1, 64)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func detailsJSON(details map[string]string) string {
	if len(details) == 0 {
		return ""
	}
	b, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(b)
}
