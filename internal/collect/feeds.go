package collect

import (
	"fmt"
	"net/url"
	"strings"
)

const marketplaceBase = "https://www.facebook.com/marketplace"

// Feed categories accepted by BuildFeedURLs.
const (
	CategoryVehicles    = "vehicles"
	CategoryMotorcycles = "motorcycles"
	CategoryAll         = "all"
)

// FeedParams locate a marketplace search area.
type FeedParams struct {
	Latitude  float64
	Longitude float64
	RadiusKM  int
	Query     string
	Category  string
}

// BuildFeedURLs returns the marketplace feeds to walk for p: the vehicles
// and motorcycles categories as selected, plus a free-text search when a
// query is set. Duplicates are removed, order is kept.
func BuildFeedURLs(p FeedParams) []string {
	geo := url.Values{}
	geo.Set("exact", "false")
	geo.Set("latitude", fmt.Sprint(p.Latitude))
	geo.Set("longitude", fmt.Sprint(p.Longitude))
	geo.Set("radius_km", fmt.Sprint(p.RadiusKM))
	geo.Set("locale", "en_US")

	var urls []string
	if p.Category == CategoryVehicles || p.Category == CategoryAll {
		urls = append(urls, marketplaceBase+"/category/vehicles?"+geo.Encode())
	}
	if p.Category == CategoryMotorcycles || p.Category == CategoryAll {
		urls = append(urls, marketplaceBase+"/category/motorcycles?"+geo.Encode())
	}
	if q := strings.Join(strings.Fields(p.Query), " "); q != "" {
		search := url.Values{}
		search.Set("query", q)
		urls = append(urls, marketplaceBase+"/search/?"+search.Encode()+"&"+geo.Encode())
	}

	return dedupe(urls)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
