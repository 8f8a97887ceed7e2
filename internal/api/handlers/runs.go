package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/donaldgifford/market-ledger/internal/engine"
	"github.com/donaldgifford/market-ledger/internal/store"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

const defaultRunsLimit = 20

// RunsProvider defines the run lookups required by the runs handler.
type RunsProvider interface {
	GetRun(ctx context.Context, id int64) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

// CounterSource returns a run's counters, live while it is running.
type CounterSource interface {
	Counters(ctx context.Context, runID int64) (domain.RunCounters, error)
}

// ChangeSelector answers the per-run change-set queries.
type ChangeSelector interface {
	NewSince(ctx context.Context, runID int64) ([]domain.Listing, error)
	PriceChangedSince(ctx context.Context, runID int64) ([]domain.PriceChange, error)
}

// RunsHandler serves ingestion runs and their change sets.
type RunsHandler struct {
	runs     RunsProvider
	counters CounterSource
	selector ChangeSelector
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(runs RunsProvider, counters CounterSource, sel ChangeSelector) *RunsHandler {
	return &RunsHandler{runs: runs, counters: counters, selector: sel}
}

// ListRunsInput is the input for listing runs.
type ListRunsInput struct {
	Limit int `query:"limit" doc:"Number of runs, newest first (default 20)" minimum:"1" maximum:"500"`
}

// ListRunsOutput is the response for listing runs.
type ListRunsOutput struct {
	Body []domain.Run
}

// RunIDInput addresses a single run.
type RunIDInput struct {
	ID int64 `path:"id" doc:"Run id" minimum:"1"`
}

// GetRunOutput is the response for getting a single run.
type GetRunOutput struct {
	Body domain.Run
}

// ListNewInRunOutput lists the identifiers a run created.
type ListNewInRunOutput struct {
	Body []domain.Listing
}

// ListPriceChangesOutput lists the ledger transitions a run produced.
type ListPriceChangesOutput struct {
	Body []domain.PriceChange
}

// ListRuns returns the most recent runs.
func (h *RunsHandler) ListRuns(ctx context.Context, input *ListRunsInput) (*ListRunsOutput, error) {
	limit := input.Limit
	if limit == 0 {
		limit = defaultRunsLimit
	}

	runs, err := h.runs.ListRuns(ctx, limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing runs failed: " + err.Error())
	}

	if runs == nil {
		runs = []domain.Run{}
	}

	return &ListRunsOutput{Body: runs}, nil
}

// GetRun returns a run. A running run carries live counters.
func (h *RunsHandler) GetRun(ctx context.Context, input *RunIDInput) (*GetRunOutput, error) {
	run, err := h.runs.GetRun(ctx, input.ID)
	if err != nil {
		return nil, runError(err)
	}

	if run.Status == domain.RunRunning && h.counters != nil {
		c, err := h.counters.Counters(ctx, run.ID)
		if err != nil {
			return nil, runError(err)
		}
		run.Counters = c
	}

	return &GetRunOutput{Body: *run}, nil
}

// ListNewInRun returns the listings first seen in a selectable run.
func (h *RunsHandler) ListNewInRun(ctx context.Context, input *RunIDInput) (*ListNewInRunOutput, error) {
	listings, err := h.selector.NewSince(ctx, input.ID)
	if err != nil {
		return nil, runError(err)
	}

	if listings == nil {
		listings = []domain.Listing{}
	}

	return &ListNewInRunOutput{Body: listings}, nil
}

// ListPriceChangesInRun returns the price transitions of a selectable run.
func (h *RunsHandler) ListPriceChangesInRun(
	ctx context.Context,
	input *RunIDInput,
) (*ListPriceChangesOutput, error) {
	changes, err := h.selector.PriceChangedSince(ctx, input.ID)
	if err != nil {
		return nil, runError(err)
	}

	if changes == nil {
		changes = []domain.PriceChange{}
	}

	return &ListPriceChangesOutput{Body: changes}, nil
}

// runError maps run ledger errors onto HTTP statuses.
func runError(err error) error {
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, store.ErrNotFound):
		return huma.Error404NotFound("run not found")
	case errors.Is(err, engine.ErrRunActive),
		errors.Is(err, engine.ErrRunUntrusted),
		errors.Is(err, engine.ErrRunDiscarded):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError("run lookup failed: " + err.Error())
	}
}

// RegisterRunRoutes registers run endpoints with the Huma API.
func RegisterRunRoutes(api huma.API, h *RunsHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/api/v1/runs",
		Summary:     "List ingestion runs",
		Description: "Returns the most recent ingestion runs, newest first.",
		Tags:        []string{"runs"},
	}, h.ListRuns)

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/api/v1/runs/{id}",
		Summary:     "Get an ingestion run",
		Description: "Returns a run with its counters, stop reason and trust flag.",
		Tags:        []string{"runs"},
		Errors:      []int{http.StatusNotFound},
	}, h.GetRun)

	huma.Register(api, huma.Operation{
		OperationID: "list-new-in-run",
		Method:      http.MethodGet,
		Path:        "/api/v1/runs/{id}/new",
		Summary:     "Listings new in a run",
		Description: "Returns the listings first seen in the run. " +
			"Running, aborted and discarded runs are refused with 409.",
		Tags:   []string{"runs"},
		Errors: []int{http.StatusNotFound, http.StatusConflict},
	}, h.ListNewInRun)

	huma.Register(api, huma.Operation{
		OperationID: "list-price-changes-in-run",
		Method:      http.MethodGet,
		Path:        "/api/v1/runs/{id}/price-changes",
		Summary:     "Price changes in a run",
		Description: "Returns the price ledger transitions appended by the run. " +
			"Running, aborted and discarded runs are refused with 409.",
		Tags:   []string{"runs"},
		Errors: []int{http.StatusNotFound, http.StatusConflict},
	}, h.ListPriceChangesInRun)
}
