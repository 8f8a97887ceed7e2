package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/donaldgifford/market-ledger/internal/collect"
	"github.com/donaldgifford/market-ledger/internal/config"
	"github.com/donaldgifford/market-ledger/internal/engine"
	"github.com/donaldgifford/market-ledger/internal/notify"
	"github.com/donaldgifford/market-ledger/internal/store"
	"github.com/donaldgifford/market-ledger/internal/tracing"
	"github.com/donaldgifford/market-ledger/pkg/logger"
	"github.com/donaldgifford/market-ledger/pkg/normalize"
)

// app holds the process-wide dependencies shared by the commands.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     store.Store
	logCloser io.Closer
	shutdown  tracing.ShutdownFunc
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newApp loads config, then opens the logger, tracing and the store, in
// that order. The store is migrated.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, logCloser, err := logger.NewWithFile(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	slog.SetDefault(log)

	shutdown, err := tracing.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	s, err := openStore(ctx, &cfg.Database)
	if err != nil {
		_ = shutdown(ctx)
		_ = logCloser.Close()
		return nil, err
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		_ = shutdown(ctx)
		_ = logCloser.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &app{
		cfg:       cfg,
		log:       log,
		store:     s,
		logCloser: logCloser,
		shutdown:  shutdown,
	}, nil
}

// Close flushes spans and releases the store and log file.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(
		a.shutdown(ctx),
		a.store.Close(),
		a.logCloser.Close(),
	)
}

func openStore(ctx context.Context, db *config.DatabaseConfig) (store.Store, error) {
	switch db.Driver {
	case config.DriverPostgres:
		pg, err := store.NewPostgresStore(ctx, db.DSN(), int32(db.PoolSize)) //nolint:gosec // bounded by config
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return pg, nil
	default:
		lite, err := store.NewSQLiteStore(db.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return lite, nil
	}
}

// newOpener returns the configured feed opener behind the shared rate
// limiter.
func newOpener(c *config.CollectionConfig) (collect.Opener, error) {
	var opener collect.Opener
	switch c.Source {
	case config.SourceHTTP:
		var opts []collect.HTTPOption
		if c.Token != "" {
			opts = append(opts, collect.WithBearerToken(c.Token))
		}
		o, err := collect.NewHTTPOpener(c.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		opener = o
	default:
		opener = collect.FileOpener{Dir: c.Dir}
	}
	return collect.NewRateLimitedOpener(opener, c.RateLimit.PerSecond, c.RateLimit.Burst), nil
}

// feedsFor resolves the default feed list: explicit feeds first, then the
// feed builder, then every *.jsonl file in the file source directory.
func feedsFor(c *config.CollectionConfig) ([]string, error) {
	if len(c.Feeds) > 0 {
		return c.Feeds, nil
	}
	if c.FeedBuilder.Enabled() {
		return collect.BuildFeedURLs(collect.FeedParams{
			Latitude:  c.FeedBuilder.Latitude,
			Longitude: c.FeedBuilder.Longitude,
			RadiusKM:  c.FeedBuilder.RadiusKM,
			Query:     c.FeedBuilder.Query,
			Category:  c.FeedBuilder.Category,
		}), nil
	}
	if c.Source != config.SourceFile {
		return nil, nil
	}

	matches, err := filepath.Glob(filepath.Join(c.Dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing feeds in %s: %w", c.Dir, err)
	}
	feeds := make([]string, 0, len(matches))
	for _, m := range matches {
		feeds = append(feeds, filepath.Base(m))
	}
	sort.Strings(feeds)
	return feeds, nil
}

func (a *app) newEngine(opts ...engine.EngineOption) (*engine.Engine, error) {
	c := &a.cfg.Collection

	opener, err := newOpener(c)
	if err != nil {
		return nil, err
	}
	feeds, err := feedsFor(c)
	if err != nil {
		return nil, err
	}
	if len(feeds) == 0 {
		a.log.Warn("no feeds configured; runs will only walk feeds passed explicitly")
	}

	ctrl := collect.NewController(
		collect.WithNoGrowthLimit(c.NoGrowthLimit),
		collect.WithMaxItems(c.MaxItems),
		collect.WithMaxIterations(c.MaxIterations),
		collect.WithRetryPolicy(c.Retry.Policy()),
		collect.WithControllerLogger(a.log),
	)

	base := []engine.EngineOption{
		engine.WithLogger(a.log),
		engine.WithController(ctrl),
		engine.WithNormalizer(normalize.New(
			normalize.WithDefaultCurrency(a.cfg.Ingestion.DefaultCurrency),
		)),
		engine.WithWorkers(a.cfg.Ingestion.Workers),
		engine.WithEngineCommitRetry(a.cfg.Ingestion.CommitRetry.Policy()),
		engine.WithNotifier(a.newNotifier()),
	}
	return engine.NewEngine(a.store, opener, feeds, append(base, opts...)...), nil
}

func (a *app) newNotifier() notify.Notifier {
	d := a.cfg.Notifications.Discord
	if !d.Enabled {
		return notify.NewNoOpNotifier(a.log)
	}
	return notify.NewDiscordNotifier(d.WebhookURL)
}

// newLedger returns a run ledger that never recovers on its own.
func (a *app) newLedger() *engine.RunLedger {
	return engine.NewRunLedger(a.store,
		engine.WithLedgerLogger(a.log),
		engine.WithLedgerStartupRecovery(false),
	)
}

// withApp runs fn with a fully opened app and closes it afterwards.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			a.log.Error("closing resources", "error", err)
		}
	}()
	return fn(a)
}
