package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		symbol   string
		fallback string
		want     domain.Money
		wantErr  bool
	}{
		{name: "baht symbol with separators", text: "฿1,250,000", want: domain.Money{Amount: "1250000", Currency: "THB"}},
		{name: "dollar with cents", text: "$99.50", want: domain.Money{Amount: "99.5", Currency: "USD"}},
		{name: "euro with space", text: "€ 15", want: domain.Money{Amount: "15", Currency: "EUR"}},
		{name: "pound", text: "£0450.00", want: domain.Money{Amount: "450", Currency: "GBP"}},
		{name: "iso word after amount", text: "12500 thb", want: domain.Money{Amount: "12500", Currency: "THB"}},
		{name: "iso word before amount", text: "USD 300", want: domain.Money{Amount: "300", Currency: "USD"}},
		{name: "separate symbol", text: "4,200", symbol: "฿", want: domain.Money{Amount: "4200", Currency: "THB"}},
		{name: "separate code", text: "4200", symbol: "eur", want: domain.Money{Amount: "4200", Currency: "EUR"}},
		{name: "default currency", text: "4200", fallback: "thb", want: domain.Money{Amount: "4200", Currency: "THB"}},
		{name: "no currency at all", text: "4200", want: domain.Money{Amount: "4200"}},
		{name: "free", text: "Free", fallback: "USD", want: domain.Money{Amount: "0", Currency: "USD"}},
		{name: "non-breaking space", text: "฿ 5,000", want: domain.Money{Amount: "5000", Currency: "THB"}},
		{name: "empty", text: "   ", wantErr: true},
		{name: "no digits", text: "Contact seller", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParsePrice(tt.text, tt.symbol, tt.fallback)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrNormalization)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractKilometers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		want   int
		wantOK bool
	}{
		{name: "comma separated km", text: "123,456 km", want: 123456, wantOK: true},
		{name: "cyrillic unit no space", text: "98000км", want: 98000, wantOK: true},
		{name: "upper case", text: "Driven 45000 KM", want: 45000, wantOK: true},
		{name: "bare number fallback", text: "mileage 75000", want: 75000, wantOK: true},
		{name: "nothing", text: "low mileage", wantOK: false},
		{name: "empty", text: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractKilometers(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExtractYear(t *testing.T) {
	t.Parallel()

	y, ok := ExtractYear("Toyota Hilux 2015 Revo")
	assert.True(t, ok)
	assert.Equal(t, 2015, y)

	_, ok = ExtractYear("year 3021")
	assert.False(t, ok)
}

func TestCleanText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Honda Click 125i", CleanText("  Honda\n\tClick   125i "))
	assert.Equal(t, "123", CleanText("１２３"))
	assert.Empty(t, CleanText(""))
}

func TestFoldKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "ascii", in: " Mileage ", want: "mileage"},
		{name: "latin accents", in: "ÉTAT", want: "état"},
		{name: "cyrillic", in: "ПРОБЕГ", want: "пробег"},
		{name: "empty", in: "  ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FoldKey(tt.in))
		})
	}
}

func TestKindOf_IgnoresCase(t *testing.T) {
	t.Parallel()

	assert.Equal(t, domain.KindMotorcycle, kindOf("MOTORCYCLES & Scooters"))
	assert.Equal(t, domain.KindVehicle, kindOf("Used Vehicles"))
	assert.Equal(t, domain.KindGeneral, kindOf("Furniture"))
}

func TestAttributes_Vehicle(t *testing.T) {
	t.Parallel()

	a := Attributes(map[string]string{
		"title":         "2018 Honda Civic",
		"category_hint": "vehicles",
		"brand":         "Honda",
		"model":         "Civic",
		"year":          "2018",
		"mileage":       "62,000 km",
		"img_urls":      "https://a/1.jpg| https://a/2.jpg |",
		"latitude":      "13.75",
		"longitude":     "200",
		"Colour":        " Red ",
		"posted_text":   "Listed 2 days ago",
	})

	assert.Equal(t, domain.KindVehicle, a.Kind)
	require.NotNil(t, a.Vehicle)
	assert.Equal(t, "Honda", a.Vehicle.Brand)
	require.NotNil(t, a.Vehicle.Year)
	assert.Equal(t, 2018, *a.Vehicle.Year)
	require.NotNil(t, a.Vehicle.MileageKM)
	assert.Equal(t, 62000, *a.Vehicle.MileageKM)
	assert.Equal(t, []string{"https://a/1.jpg", "https://a/2.jpg"}, a.ImageURLs)
	require.NotNil(t, a.Latitude)
	assert.InDelta(t, 13.75, *a.Latitude, 1e-9)
	assert.Nil(t, a.Longitude, "out of range longitude is dropped")
	assert.Equal(t, map[string]string{"colour": "Red"}, a.Details)
	assert.Equal(t, "Listed 2 days ago", a.PostedText)
}

func TestAttributes_GeneralKeepsVehicleFieldsAsDetails(t *testing.T) {
	t.Parallel()

	a := Attributes(map[string]string{
		"title": "Helmet",
		"brand": "Shoei",
	})

	assert.Equal(t, domain.KindGeneral, a.Kind)
	assert.Nil(t, a.Vehicle)
	assert.Equal(t, map[string]string{"brand": "Shoei"}, a.Details)
}

func TestFingerprint_IgnoresVolatileFields(t *testing.T) {
	t.Parallel()

	base := map[string]string{"title": "Scooter", "views": "10", "posted_text": "1h ago"}
	later := map[string]string{"title": "Scooter", "views": "99", "posted_text": "3h ago", "thumbnail_url": "x"}

	fp1, err := Fingerprint(Attributes(base))
	require.NoError(t, err)
	fp2, err := Fingerprint(Attributes(later))
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	changed := map[string]string{"title": "Scooter (negotiable)"}
	fp3, err := Fingerprint(Attributes(changed))
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()

	raw := map[string]string{"title": "A", "a": "1", "b": "2", "c": "3", "d": "4"}
	first, err := Fingerprint(Attributes(raw))
	require.NoError(t, err)
	for range 20 {
		got, err := Fingerprint(Attributes(raw))
		require.NoError(t, err)
		assert.Equal(t, first, got)
	}
}

func TestNormalizer_Normalize(t *testing.T) {
	t.Parallel()

	n := New(WithDefaultCurrency("thb"))
	observed := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.FixedZone("ICT", 7*3600))

	c, err := n.Normalize(domain.RawCandidate{
		ItemID:     " 1234 ",
		PriceText:  "350,000",
		Attributes: map[string]string{"title": "Car"},
		Detail:     domain.DetailFull,
		ObservedAt: observed,
	})
	require.NoError(t, err)

	assert.Equal(t, "1234", c.ItemID)
	assert.Equal(t, domain.Money{Amount: "350000", Currency: "THB"}, c.Price)
	assert.Equal(t, domain.DetailFull, c.Detail)
	assert.Equal(t, time.UTC, c.ObservedAt.Location())
	assert.Equal(t, 123456000, c.ObservedAt.Nanosecond())
	assert.NotEmpty(t, c.Fingerprint)
}

func TestNormalizer_Faults(t *testing.T) {
	t.Parallel()

	n := New()

	tests := []struct {
		name  string
		raw   domain.RawCandidate
		field string
	}{
		{name: "missing id", raw: domain.RawCandidate{PriceText: "$1"}, field: "item_id"},
		{name: "unparseable price", raw: domain.RawCandidate{ItemID: "1", PriceText: "ask"}, field: "price"},
		{name: "no currency", raw: domain.RawCandidate{ItemID: "1", PriceText: "100"}, field: "price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := n.Normalize(tt.raw)
			require.Error(t, err)
			var fault *Fault
			require.True(t, errors.As(err, &fault))
			assert.Equal(t, tt.field, fault.Field)
		})
	}
}

func TestMerge(t *testing.T) {
	t.Parallel()

	year := 2019
	stored := Attributes(map[string]string{
		"title":         "Yamaha NMAX",
		"category_hint": "motorcycles",
		"description":   "One owner, full service history",
		"brand":         "Yamaha",
		"year":          "2019",
		"colour":        "blue",
	})
	summary := Attributes(map[string]string{
		"title":       "Yamaha NMAX",
		"posted_text": "just now",
	})

	merged := Merge(stored, summary)

	assert.Equal(t, domain.KindMotorcycle, merged.Kind)
	assert.Equal(t, "One owner, full service history", merged.Description)
	require.NotNil(t, merged.Vehicle)
	assert.Equal(t, &year, merged.Vehicle.Year)
	assert.Equal(t, "just now", merged.PostedText)

	fpStored, err := Fingerprint(stored)
	require.NoError(t, err)
	fpMerged, err := Fingerprint(merged)
	require.NoError(t, err)
	assert.Equal(t, fpStored, fpMerged, "a shallower re-observation does not lose detail")
}
