// Package handlers implements the market-ledger HTTP API.
//
// Reads are served from the listing snapshot and the price ledger:
// /api/v1/listings, /api/v1/listings/{item_id}/history and /api/v1/stats.
// Change-sets are served per run under /api/v1/runs/{id}. POST
// /api/v1/ingest starts a run in the background and answers 202, or 409
// while another run holds the ingestion lock.
package handlers

// StatusResponse is the body of the probe endpoints.
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}
