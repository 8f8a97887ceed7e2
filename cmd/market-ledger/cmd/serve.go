package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humaecho"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/donaldgifford/market-ledger/internal/api/handlers"
	"github.com/donaldgifford/market-ledger/internal/api/middleware"
	"github.com/donaldgifford/market-ledger/internal/engine"
)

const shutdownTimeout = 10 * time.Second

var noSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "serve the API without periodic ingestion")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.log.Error("closing resources", "error", err)
		}
	}()

	eng, err := a.newEngine()
	if err != nil {
		return err
	}

	// Runs left running by a crashed process are aborted before serving.
	if ids, err := eng.Ledger().Recover(ctx); err != nil {
		return err
	} else if len(ids) > 0 {
		a.log.Warn("recovered stale runs", "run_ids", ids)
	}

	e := newServer(a, eng)

	var sched *engine.Scheduler
	if !noSchedule {
		sched, err = engine.NewScheduler(eng, a.cfg.Ingestion.Interval, a.cfg.Ingestion.Timeout, a.log)
		if err != nil {
			return fmt.Errorf("creating scheduler: %w", err)
		}
		sched.Start()
	}

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	a.log.Info("starting server", "addr", addr, "version", Version)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			a.log.Error("server error", "error", err)
		}
	}

	a.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Order matters: no new triggers, no new scheduled runs, then abort the
	// active run and wait for it to be finalized before the store closes.
	serverErr := e.Shutdown(shutdownCtx)

	var schedDone <-chan struct{}
	if sched != nil {
		schedDone = sched.Stop().Done()
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		a.log.Error("runs still active at shutdown", "error", err)
	}
	if schedDone != nil {
		select {
		case <-schedDone:
		case <-shutdownCtx.Done():
		}
	}

	if serverErr != nil {
		return fmt.Errorf("shutting down server: %w", serverErr)
	}

	a.log.Info("server stopped")
	return nil
}

// newServer builds the Echo instance with probes, Prometheus metrics and
// the huma API mounted.
func newServer(a *app, eng *engine.Engine) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = a.cfg.Server.ReadTimeout
	e.Server.WriteTimeout = a.cfg.Server.WriteTimeout

	e.Use(
		middleware.Tracing(nil),
		middleware.RequestLog(a.log),
		middleware.Recovery(a.log),
		middleware.Metrics(),
	)

	handlers.RegisterHealthRoutes(e, handlers.NewHealthHandler(a.store))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := humaecho.New(e, huma.DefaultConfig("market-ledger API", Version))

	handlers.RegisterListingRoutes(api, handlers.NewListingsHandler(a.store))
	handlers.RegisterRunRoutes(api, handlers.NewRunsHandler(
		a.store,
		eng.Ledger(),
		engine.NewSelector(a.store),
	))
	handlers.RegisterTriggerRoutes(api, handlers.NewIngestHandler(eng, a.cfg.Ingestion.Timeout, a.log))

	return e
}
