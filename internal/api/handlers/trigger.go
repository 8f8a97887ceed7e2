package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/donaldgifford/market-ledger/internal/engine"
	domain "github.com/donaldgifford/market-ledger/pkg/types"
)

// Ingester defines the interface for starting a background run.
type Ingester interface {
	StartIngestion(
		ctx context.Context,
		timeout time.Duration,
		feeds ...string,
	) (*domain.Run, <-chan engine.RunResult, error)
}

// IngestHandler handles manual ingestion trigger requests.
type IngestHandler struct {
	ingester Ingester
	timeout  time.Duration
	log      *slog.Logger
}

// NewIngestHandler creates a new IngestHandler. Runs it starts are bounded
// by timeout when positive.
func NewIngestHandler(ing Ingester, timeout time.Duration, log *slog.Logger) *IngestHandler {
	if log == nil {
		log = slog.Default()
	}
	return &IngestHandler{ingester: ing, timeout: timeout, log: log}
}

// IngestInput selects the feeds to walk; none means the configured feeds.
type IngestInput struct {
	Feeds []string `query:"feed" doc:"Comma-separated feeds to walk (default: configured feeds)"`
}

// IngestOutput is the response body for the ingest endpoint.
type IngestOutput struct {
	Body struct {
		RunID  int64  `json:"run_id" example:"42"       doc:"Id of the started run"`
		Status string `json:"status" example:"accepted" doc:"Ingestion status"`
	}
}

// Ingest starts a run in the background and returns its id.
func (h *IngestHandler) Ingest(ctx context.Context, input *IngestInput) (*IngestOutput, error) {
	run, done, err := h.ingester.StartIngestion(ctx, h.timeout, input.Feeds...)
	if err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			return nil, huma.Error409Conflict("an ingestion run is already in progress")
		}
		if errors.Is(err, engine.ErrShuttingDown) {
			return nil, huma.Error503ServiceUnavailable("server is shutting down")
		}
		return nil, huma.Error500InternalServerError("starting ingestion failed: " + err.Error())
	}

	go func() {
		res := <-done
		if res.Err != nil {
			h.log.Error("triggered ingestion failed", "run_id", run.ID, "error", res.Err)
			return
		}
		h.log.Info("triggered ingestion finished",
			"run_id", res.Run.ID,
			"status", res.Run.Status,
			"stop_reason", res.Run.StopReason,
		)
	}()

	resp := &IngestOutput{}
	resp.Body.RunID = run.ID
	resp.Body.Status = "accepted"
	return resp, nil
}

// RegisterTriggerRoutes registers trigger endpoints with the Huma API.
func RegisterTriggerRoutes(api huma.API, h *IngestHandler) {
	huma.Register(api, huma.Operation{
		OperationID:   "trigger-ingestion",
		Method:        http.MethodPost,
		Path:          "/api/v1/ingest",
		DefaultStatus: http.StatusAccepted,
		Summary:       "Trigger an ingestion run",
		Description: "Starts one ingestion run over the configured feeds in the background. " +
			"Returns 409 while another run is active and 503 once the server is shutting down.",
		Tags:   []string{"ingest"},
		Errors: []int{http.StatusConflict, http.StatusInternalServerError, http.StatusServiceUnavailable},
	}, h.Ingest)
}
