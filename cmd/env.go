package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/recon-cli/internal/baseline"
	"github.com/sells-group/recon-cli/internal/fetcher"
	"github.com/sells-group/recon-cli/internal/monitoring"
	"github.com/sells-group/recon-cli/internal/normalize"
	"github.com/sells-group/recon-cli/internal/recon"
	"github.com/sells-group/recon-cli/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "recon.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Pool())
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens the configured store and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// engineEnv holds the store, feed loader, alerter and engine used by the
// reconcile, batch, serve and worker commands.
type engineEnv struct {
	Store   store.Store
	Loader  *fetcher.Loader
	Alerter *monitoring.Alerter
	Engine  *recon.Engine
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine validates config for mode, opens the store and builds the
// engine. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	aliases := normalize.DefaultAliases()
	if cfg.Normalize.AliasesFile != "" {
		a, err := normalize.LoadAliasFile(cfg.Normalize.AliasesFile)
		if err != nil {
			return nil, eris.Wrap(err, "load aliases")
		}
		aliases = a
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	loader := fetcher.NewLoader(
		fetcher.NewHTTPFetcher(cfg.HTTP()),
		fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: time.Duration(cfg.Feed.TimeoutSecs) * time.Second}),
		cfg.Loader(),
	)
	alerter := monitoring.NewAlerter(cfg.Monitoring)

	engCfg := cfg.Engine()
	eng, err := recon.New(st, loader, aliases, engCfg,
		recon.WithNotifier(alerter),
		recon.WithBaselineCache(baseline.NewCache(engCfg.Baseline)),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Debug("engine initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("max_concurrent_feeds", engCfg.Batch.MaxConcurrentFeeds),
	)
	return &engineEnv{Store: st, Loader: loader, Alerter: alerter, Engine: eng}, nil
}
