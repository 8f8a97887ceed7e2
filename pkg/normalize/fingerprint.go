package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// fingerprintView is the non-volatile projection of Attributes. Field order
// is fixed and encoding/json sorts map keys, so the serialization is
// canonical.
type fingerprintView struct {
	Kind        domain.ListingKind        `json:"k"`
	Title       string                    `json:"t"`
	ItemURL     string                    `json:"u"`
	Category    string                    `json:"c"`
	Location    string                    `json:"l"`
	Seller      string                    `json:"s"`
	Description string                    `json:"d"`
	ImageURLs   []string                  `json:"i"`
	Latitude    *float64                  `json:"lat"`
	Longitude   *float64                  `json:"lon"`
	Vehicle     *domain.VehicleAttributes `json:"v"`
	Details     map[string]string         `json:"x"`
}

// Fingerprint returns the hex SHA-256 of the canonical serialization of the
// non-volatile attributes.
func Fingerprint(a domain.Attributes) (string, error) {
	view := fingerprintView{
		Kind:        a.Kind,
		Title:       a.Title,
		ItemURL:     a.ItemURL,
		Category:    a.Category,
		Location:    a.Location,
		Seller:      a.Seller,
		Description: a.Description,
		ImageURLs:   a.ImageURLs,
		Latitude:    a.Latitude,
		Longitude:   a.Longitude,
		Vehicle:     a.Vehicle,
	}
	for k, v := range a.Details {
		if volatileDetailKeys[k] {
			continue
		}
		if view.Details == nil {
			view.Details = make(map[string]string, len(a.Details))
		}
		view.Details[k] = v
	}

	b, err := json.Marshal(view)
	if err != nil {
		return "", fmt.Errorf("marshaling fingerprint view: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
