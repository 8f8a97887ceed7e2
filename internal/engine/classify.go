package engine

import (
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// Classify compares a candidate with the stored listing for the same
// identifier. stored is nil when the identifier has never been seen.
//
// Outcomes are evaluated in priority order: a price or currency change
// wins over a content change, and a richer detail level counts as a
// content change even when the fingerprints match.
func Classify(c *domain.Candidate, stored *domain.Listing) domain.Outcome {
	switch {
	case stored == nil:
		return domain.OutcomeNew
	case !c.Price.Equal(stored.Price):
		return domain.OutcomePriceChanged
	case c.Fingerprint != stored.Fingerprint, c.Detail > stored.Detail:
		return domain.OutcomeMetadataChanged
	default:
		return domain.OutcomeUnchanged
	}
}
