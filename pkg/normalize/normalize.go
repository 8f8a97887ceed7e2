// Package normalize turns raw collector records into typed candidates.
// Every function here is pure: the same raw record always yields the same
// candidate and fingerprint.
package normalize

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// ErrNormalization is matched by every Fault.
var ErrNormalization = errors.New("normalization fault")

// Fault reports a single raw record that could not be normalized. The
// record is skipped; the run continues.
type Fault struct {
	Field  string
	Reason string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("normalizing %s: %s", f.Field, f.Reason)
}

// Is makes errors.Is(err, ErrNormalization) match any Fault.
func (f *Fault) Is(target error) bool {
	return target == ErrNormalization
}

func faultf(field, format string, args ...any) *Fault {
	return &Fault{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Raw attribute keys understood by the normalizer. Anything else lands in
// Attributes.Details.
const (
	KeyTitle        = "title"
	KeyItemURL      = "item_url"
	KeyCategory     = "category_hint"
	KeyLocation     = "location_text"
	KeySeller       = "seller_text"
	KeyDescription  = "description"
	KeyImageURLs    = "img_urls"
	KeyLatitude     = "latitude"
	KeyLongitude    = "longitude"
	KeyPosted       = "posted_text"
	KeyThumbnail    = "thumbnail_url"
	KeySourceURL    = "source_url"
	KeyBrand        = "brand"
	KeyModel        = "model"
	KeyYear         = "year"
	KeyMileage      = "mileage"
	KeyFuel         = "fuel"
	KeyTransmission = "transmission"
	KeyBodyType     = "body_type"
)

// volatileDetailKeys are free-form detail keys that change on every view.
var volatileDetailKeys = map[string]bool{
	"views":       true,
	"view_count":  true,
	"last_viewed": true,
	"saves":       true,
}

// Normalizer converts raw records into candidates.
type Normalizer struct {
	defaultCurrency string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithDefaultCurrency sets the ISO code used when a price carries no
// currency marker at all.
func WithDefaultCurrency(code string) Option {
	return func(n *Normalizer) {
		n.defaultCurrency = strings.ToUpper(strings.TrimSpace(code))
	}
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts one raw record. The returned error is always a *Fault.
func (n *Normalizer) Normalize(raw domain.RawCandidate) (*domain.Candidate, error) {
	id := strings.TrimSpace(raw.ItemID)
	if id == "" {
		return nil, faultf("item_id", "missing identifier")
	}

	price, err := ParsePrice(raw.PriceText, raw.CurrencySymbol, n.defaultCurrency)
	if err != nil {
		return nil, err
	}
	if price.Currency == "" {
		return nil, faultf("price", "no currency in %q", raw.PriceText)
	}

	attrs := Attributes(raw.Attributes)
	fp, err := Fingerprint(attrs)
	if err != nil {
		return nil, faultf("attributes", "%v", err)
	}

	observed := raw.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}

	return &domain.Candidate{
		ItemID:      id,
		Price:       price,
		Attributes:  attrs,
		Fingerprint: fp,
		Detail:      raw.Detail,
		ObservedAt:  observed.UTC().Truncate(time.Microsecond),
	}, nil
}

// Attributes builds the typed attribute bag from a raw key/value map.
func Attributes(raw map[string]string) domain.Attributes {
	kv := make(map[string]string, len(raw))
	for k, v := range raw {
		k = FoldKey(k)
		if k == "" {
			continue
		}
		kv[k] = CleanText(v)
	}

	take := func(key string) string {
		v := kv[key]
		delete(kv, key)
		return v
	}

	a := domain.Attributes{
		Title:        take(KeyTitle),
		ItemURL:      take(KeyItemURL),
		Category:     take(KeyCategory),
		Location:     take(KeyLocation),
		Seller:       take(KeySeller),
		Description:  take(KeyDescription),
		PostedText:   take(KeyPosted),
		ThumbnailURL: take(KeyThumbnail),
		SourceURL:    take(KeySourceURL),
	}
	a.Kind = kindOf(a.Category)
	a.ImageURLs = splitURLs(take(KeyImageURLs))

	if f, ok := ParseCoordinate(take(KeyLatitude), 90); ok {
		a.Latitude = &f
	}
	if f, ok := ParseCoordinate(take(KeyLongitude), 180); ok {
		a.Longitude = &f
	}

	v := domain.VehicleAttributes{
		Brand:        take(KeyBrand),
		Model:        take(KeyModel),
		Fuel:         take(KeyFuel),
		Transmission: take(KeyTransmission),
		BodyType:     take(KeyBodyType),
	}
	if y, ok := ExtractYear(take(KeyYear)); ok {
		v.Year = &y
	}
	if km, ok := ExtractKilometers(take(KeyMileage)); ok {
		v.MileageKM = &km
	}

	if a.Kind == domain.KindGeneral {
		foldVehicle(kv, v)
	} else if v != (domain.VehicleAttributes{}) {
		a.Vehicle = &v
	}

	for k, val := range kv {
		if val == "" {
			delete(kv, k)
		}
	}
	if len(kv) > 0 {
		a.Details = kv
	}

	return a
}

// Merge overlays a shallower observation onto stored attributes: non-empty
// fields of next win, everything else is kept from prev.
func Merge(prev, next domain.Attributes) domain.Attributes {
	out := prev
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&out.Title, next.Title)
	setStr(&out.ItemURL, next.ItemURL)
	setStr(&out.Category, next.Category)
	setStr(&out.Location, next.Location)
	setStr(&out.Seller, next.Seller)
	setStr(&out.Description, next.Description)
	setStr(&out.PostedText, next.PostedText)
	setStr(&out.ThumbnailURL, next.ThumbnailURL)
	setStr(&out.SourceURL, next.SourceURL)

	if next.Category != "" {
		out.Kind = next.Kind
	}
	if len(next.ImageURLs) > 0 {
		out.ImageURLs = next.ImageURLs
	}
	if next.Latitude != nil {
		out.Latitude = next.Latitude
	}
	if next.Longitude != nil {
		out.Longitude = next.Longitude
	}

	if next.Vehicle != nil {
		var v domain.VehicleAttributes
		if prev.Vehicle != nil {
			v = *prev.Vehicle
		}
		setStr(&v.Brand, next.Vehicle.Brand)
		setStr(&v.Model, next.Vehicle.Model)
		setStr(&v.Fuel, next.Vehicle.Fuel)
		setStr(&v.Transmission, next.Vehicle.Transmission)
		setStr(&v.BodyType, next.Vehicle.BodyType)
		if next.Vehicle.Year != nil {
			v.Year = next.Vehicle.Year
		}
		if next.Vehicle.MileageKM != nil {
			v.MileageKM = next.Vehicle.MileageKM
		}
		out.Vehicle = &v
	}

	if len(next.Details) > 0 {
		details := make(map[string]string, len(prev.Details)+len(next.Details))
		maps.Copy(details, prev.Details)
		maps.Copy(details, next.Details)
		out.Details = details
	}

	return out
}

func kindOf(category string) domain.ListingKind {
	switch c := FoldKey(category); {
	case strings.Contains(c, "motorcycle"):
		return domain.KindMotorcycle
	case strings.Contains(c, "vehicle"):
		return domain.KindVehicle
	default:
		return domain.KindGeneral
	}
}

func splitURLs(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for u := range strings.SplitSeq(s, "|") {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// foldVehicle keeps vehicle-looking fields of a general listing as plain
// details.
func foldVehicle(kv map[string]string, v domain.VehicleAttributes) {
	put := func(k, val string) {
		if val != "" {
			kv[k] = val
		}
	}
	put(KeyBrand, v.Brand)
	put(KeyModel, v.Model)
	put(KeyFuel, v.Fuel)
	put(KeyTransmission, v.Transmission)
	put(KeyBodyType, v.BodyType)
	if v.Year != nil {
		kv[KeyYear] = fmt.Sprint(*v.Year)
	}
	if v.MileageKM != nil {
		kv["mileage_km"] = fmt.Sprint(*v.MileageKM)
	}
}
