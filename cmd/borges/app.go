package main

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/borges-library/borges/internal/cache"
	"github.com/borges-library/borges/internal/config"
	"github.com/borges-library/borges/internal/db"
	"github.com/borges-library/borges/internal/pool"
	"github.com/borges-library/borges/internal/protocol"
	"github.com/borges-library/borges/internal/query"
	"github.com/borges-library/borges/internal/retry"
)

// gateway is the façade surface the commands use.
type gateway interface {
	Query(ctx context.Context, text string, scopeIDs []string) (*query.Response, error)
	HealthCheck(ctx context.Context) *query.Health
	CacheStats() cache.Stats
	Forget(text string, scopeIDs []string) bool
	ClearCache()
}

// runtime holds the wired components of one process.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	gw       gateway
	db       *sql.DB // nil when history is disabled
	registry *prometheus.Registry

	// start launches background work such as the session reaper. Optional.
	start func(ctx context.Context)
	close func() error
}

// Start runs background work until ctx is done.
func (rt *runtime) Start(ctx context.Context) {
	if rt.start != nil {
		rt.start(ctx)
	}
}

// Close releases the runtime's resources.
func (rt *runtime) Close() error {
	if rt.close == nil {
		return nil
	}
	return rt.close()
}

// newRuntime wires the gateway from cfg. The journal lives in baseDir.
func newRuntime(cfg *config.Config, baseDir string, logger *slog.Logger) (*runtime, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	httpClient, err := protocol.NewHTTPClient()
	if err != nil {
		return nil, fmt.Errorf("http client: %w", err)
	}

	clientVersion := cfg.ClientVersion
	if clientVersion == "" {
		clientVersion = Version
	}
	client, err := protocol.New(protocol.Options{
		URL:           cfg.UpstreamURL,
		Token:         cfg.UpstreamToken,
		ClientName:    cfg.ClientName,
		ClientVersion: clientVersion,
		CallTimeout:   cfg.CallTimeout.Std(),
		HTTPClient:    httpClient,
		Logger:        logger.With("component", "protocol"),
	})
	if err != nil {
		return nil, err
	}

	sessions, err := pool.New(client, pool.Options{
		MaxSize:      cfg.PoolMaxSize,
		TTL:          cfg.SessionTTL.Std(),
		ReapInterval: cfg.ReapInterval.Std(),
		Logger:       logger.With("component", "pool"),
		Registerer:   reg,
	})
	if err != nil {
		return nil, err
	}

	results, err := cache.New(cache.Options[query.Result]{
		MaxEntries: cfg.CacheMaxEntries,
		MaxBytes:   cfg.CacheMaxBytes,
		DefaultTTL: cfg.CacheTTL.Std(),
		Registerer: reg,
		Name:       "query",
	})
	if err != nil {
		sessions.Close()
		return nil, err
	}

	var (
		database *sql.DB
		journal  query.Journal
	)
	if !cfg.DisableHistory {
		database, err = db.Init(baseDir)
		if err != nil {
			sessions.Close()
			return nil, fmt.Errorf("initialize database: %w", err)
		}
		db.ConfigurePool(database, cfg)
		journal = db.Journal{DB: database}
	}

	svc, err := query.New(query.Deps{
		Client: client,
		Pool:   sessions,
		Cache:  results,
		Retry: retry.Executor{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.BaseDelay.Std(),
		},
		Config: query.Config{
			Tool:          cfg.QueryTool,
			ToolArguments: cfg.ToolArguments,
			CacheTTL:      cfg.CacheTTL.Std(),
			Upstream:      cfg.UpstreamURL,
		},
		Logger:  logger.With("component", "query"),
		Journal: journal,
	})
	if err != nil {
		sessions.Close()
		if database != nil {
			database.Close()
		}
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		gw:       svc,
		db:       database,
		registry: reg,
		start:    sessions.Start,
		close: func() error {
			err := sessions.Close()
			if database != nil {
				err = stderrors.Join(err, database.Close())
			}
			return err
		},
	}, nil
}
