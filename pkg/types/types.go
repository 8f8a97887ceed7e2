// Package domain defines the core business types for the marketplace ledger.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// DetailLevel is the completeness of an observation. A shallow scroll pass
// yields summary fields, a per-item visit yields full detail.
type DetailLevel int

// Detail level constants, ordered.
const (
	DetailSummary DetailLevel = iota
	DetailFull
)

// String returns the wire name of the level.
func (d DetailLevel) String() string {
	switch d {
	case DetailFull:
		return "detail"
	default:
		return "summary"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d DetailLevel) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DetailLevel) UnmarshalText(b []byte) error {
	lvl, err := ParseDetailLevel(string(b))
	if err != nil {
		return err
	}
	*d = lvl
	return nil
}

// ParseDetailLevel converts a wire name into a DetailLevel. An empty string
// is treated as summary.
func ParseDetailLevel(s string) (DetailLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "summary":
		return DetailSummary, nil
	case "detail", "full":
		return DetailFull, nil
	default:
		return DetailSummary, fmt.Errorf("unknown detail level %q", s)
	}
}

// ListingKind tags which optional attribute group a listing carries.
type ListingKind string

// Listing kind constants.
const (
	KindGeneral    ListingKind = "general"
	KindVehicle    ListingKind = "vehicle"
	KindMotorcycle ListingKind = "motorcycle"
)

// Money is a normalized price. Amount is a canonical decimal string so that
// equality is string identity, never a float tolerance.
type Money struct {
	Amount   string `json:"amount"   db:"amount"`
	Currency string `json:"currency" db:"currency"`
}

// Equal reports whether both amount and currency are identical.
func (m Money) Equal(o Money) bool {
	return m.Amount == o.Amount && m.Currency == o.Currency
}

// String renders the price as "<amount> <currency>".
func (m Money) String() string {
	if m.Currency == "" {
		return m.Amount
	}
	return m.Amount + " " + m.Currency
}

// VehicleAttributes holds the fields shared by the vehicle and motorcycle kinds.
type VehicleAttributes struct {
	Brand        string `json:"brand,omitempty"`
	Model        string `json:"model,omitempty"`
	Year         *int   `json:"year,omitempty"`
	MileageKM    *int   `json:"mileage_km,omitempty"`
	Fuel         string `json:"fuel,omitempty"`
	Transmission string `json:"transmission,omitempty"`
	BodyType     string `json:"body_type,omitempty"`
}

// Attributes is the normalized attribute bag of a listing.
//
// PostedText, ThumbnailURL and SourceURL are volatile: they change between
// observations of the same item without the item changing, and are left
// out of the content fingerprint.
type Attributes struct {
	Kind        ListingKind        `json:"kind"`
	Title       string             `json:"title,omitempty"`
	ItemURL     string             `json:"item_url,omitempty"`
	Category    string             `json:"category_hint,omitempty"`
	Location    string             `json:"location,omitempty"`
	Seller      string             `json:"seller,omitempty"`
	Description string             `json:"description,omitempty"`
	ImageURLs   []string           `json:"image_urls,omitempty"`
	Latitude    *float64           `json:"latitude,omitempty"`
	Longitude   *float64           `json:"longitude,omitempty"`
	Vehicle     *VehicleAttributes `json:"vehicle,omitempty"`
	Details     map[string]string  `json:"details,omitempty"`

	PostedText   string `json:"posted_text,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	SourceURL    string `json:"source_url,omitempty"`
}

// Listing is the canonical row for one real-world item.
type Listing struct {
	ItemID      string      `json:"item_id"             db:"item_id"`
	Price       Money       `json:"price"               db:"-"`
	PriceSince  time.Time   `json:"price_observed_at"   db:"-"`
	Attributes  Attributes  `json:"attributes"          db:"attributes"`
	Fingerprint string      `json:"content_fingerprint" db:"content_fingerprint"`
	Detail      DetailLevel `json:"detail_completeness" db:"detail_completeness"`

	FirstSeenRun  int64     `json:"first_seen_run"  db:"first_seen_run"`
	LastSeenRun   int64     `json:"last_seen_run"   db:"last_seen_run"`
	FirstSeenAt   time.Time `json:"first_seen_at"   db:"first_seen_at"`
	LastUpdatedAt time.Time `json:"last_updated_at" db:"last_updated_at"`
}

// PriceHistoryEntry is one immutable row of the price ledger.
type PriceHistoryEntry struct {
	ItemID     string    `json:"item_id"     db:"item_id"`
	Price      Money     `json:"price"       db:"-"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
	RunID      int64     `json:"run_id"      db:"run_id"`
}

// RawCandidate is one loosely-structured record produced by the collection
// process, before normalization.
type RawCandidate struct {
	ItemID         string            `json:"item_id"`
	PriceText      string            `json:"price_text"`
	CurrencySymbol string            `json:"currency_symbol,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	Detail         DetailLevel       `json:"detail_completeness"`
	ObservedAt     time.Time         `json:"observed_at,omitzero"`
}

// Candidate is a normalized observation ready for classification.
type Candidate struct {
	ItemID      string
	Price       Money
	Attributes  Attributes
	Fingerprint string
	Detail      DetailLevel
	ObservedAt  time.Time
}

// Outcome is the classification of a candidate against stored state.
type Outcome string

// Outcome constants, in evaluation priority order.
const (
	OutcomeNew             Outcome = "new"
	OutcomePriceChanged    Outcome = "price_changed"
	OutcomeMetadataChanged Outcome = "metadata_changed"
	OutcomeUnchanged       Outcome = "unchanged"
)

// WriteResult describes what one reconciliation did.
type WriteResult struct {
	ItemID   string  `json:"item_id"`
	Outcome  Outcome `json:"outcome"`
	Appended bool    `json:"appended"`
	Counted  bool    `json:"counted"`
	Stale    bool    `json:"stale"`
}

// PriceChange is a ledger transition produced by a run.
type PriceChange struct {
	ItemID     string    `json:"item_id"`
	Old        Money     `json:"old"`
	New        Money     `json:"new"`
	ObservedAt time.Time `json:"observed_at"`
}
