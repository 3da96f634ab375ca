// Package kerfgate is the public API for embedding the kerfgate feasibility
// gateway.
//
// Shop-floor integrations import this package to construct and run the server
// without forking it:
//
//	app, err := kerfgate.New(
//	    kerfgate.WithVersion(version),
//	    kerfgate.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kerfgate (root) imports
// internal/*, but internal/* never imports kerfgate (root).
package kerfgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kerfworks/kerfgate/internal/artifact"
	"github.com/kerfworks/kerfgate/internal/auth"
	"github.com/kerfworks/kerfgate/internal/config"
	"github.com/kerfworks/kerfgate/internal/engine"
	"github.com/kerfworks/kerfgate/internal/ledger"
	"github.com/kerfworks/kerfgate/internal/mcp"
	"github.com/kerfworks/kerfgate/internal/presets"
	"github.com/kerfworks/kerfgate/internal/ratelimit"
	"github.com/kerfworks/kerfgate/internal/server"
	"github.com/kerfworks/kerfgate/internal/storage"
	"github.com/kerfworks/kerfgate/internal/storage/sqlite"
	"github.com/kerfworks/kerfgate/internal/telemetry"
	"github.com/kerfworks/kerfgate/internal/toolpath"
	"github.com/kerfworks/kerfgate/internal/workflow"
	"github.com/kerfworks/kerfgate/migrations"
)

// Idempotency records older than these cutoffs are swept by the background
// cleanup loop (Postgres backend only).
const (
	idempotencyCleanupInterval = 10 * time.Minute
	idempotencyCompletedTTL    = 24 * time.Hour
	idempotencyAbandonedTTL    = time.Hour
)

// App is the kerfgate server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	pgDB         *storage.DB // nil when the SQLite backend is selected
	closeStore   func()
	srv          *server.Server
	sweeper      *workflow.Sweeper
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the kerfgate server. It connects to the selected store,
// runs migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger := o.logger
	if logger == nil {
		logger = newLogger(cfg.LogLevel)
	}

	logger.Info("kerfgate starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the storage backend. Both backends expose the same method set,
	// so every consumer below accepts either.
	var (
		pgDB         *storage.DB
		closeStore   func()
		serverStore  server.Store
		idemStore    server.IdempotencyStore
		wfStore      workflow.Store
		artifactRepo artifact.Repository
		ledgerRepo   ledger.Repository
	)
	switch cfg.Store {
	case "postgres":
		db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(context.Background(), extraFS); err != nil {
				db.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}
		pgDB = db
		closeStore = db.Close
		serverStore, idemStore = db, db
		wfStore, artifactRepo, ledgerRepo = db, db, db
	case "sqlite":
		db, err := sqlite.Open(context.Background(), cfg.SQLitePath, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		closeStore = db.Close
		serverStore = db
		wfStore, artifactRepo, ledgerRepo = db, db, db
		logger.Info("idempotency keys: disabled (sqlite backend)")
	default:
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}

	fail := func(err error) (*App, error) {
		closeStore()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	reg, err := presets.Default()
	if err != nil {
		return fail(fmt.Errorf("presets: %w", err))
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.GreenThreshold = cfg.GreenThreshold
	engineCfg.YellowThreshold = cfg.YellowThreshold

	artifacts := artifact.NewStore(artifactRepo, logger)

	wfSvc, err := workflow.NewService(workflow.Params{
		Store:           wfStore,
		Engine:          engine.New(logger),
		EngineConfig:    engineCfg,
		Ledger:          ledger.New(ledgerRepo, logger),
		Artifacts:       artifacts,
		Generator:       toolpath.Reference{},
		GenerateTimeout: cfg.GenerateTimeout,
		Logger:          logger,
	})
	if err != nil {
		return fail(fmt.Errorf("workflow: %w", err))
	}

	sweeper := workflow.NewSweeper(wfSvc, cfg.SweepInterval, cfg.StaleAfter, logger)

	mcpSrv := mcp.New(wfSvc, reg, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			Store:               serverStore,
			Idem:                idemStore,
			WorkflowSvc:         wfSvc,
			Artifacts:           artifacts,
			Presets:             reg,
			JWTMgr:              jwtMgr,
			Sweeper:             sweeper,
			Logger:              logger,
			Version:             version,
			StoreKind:           cfg.Store,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		},
		JWTMgr:       jwtMgr,
		Limiter:      limiter,
		Logger:       logger,
		MCPServer:    mcpSrv.MCPServer(),
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := srv.Handlers().SeedAdmin(context.Background(), cfg.AdminOperatorID, cfg.AdminAPIKey); err != nil {
		return fail(fmt.Errorf("admin seed: %w", err))
	}

	return &App{
		cfg:          cfg,
		pgDB:         pgDB,
		closeStore:   closeStore,
		srv:          srv,
		sweeper:      sweeper,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background sweeper and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.sweeper.Run(ctx)
	if a.pgDB != nil {
		go a.idempotencyCleanupLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes the rate limiter,
// store, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kerfgate shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	_ = a.limiter.Close()
	a.closeStore()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kerfgate stopped")
	return nil
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(idempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.pgDB.CleanupIdempotencyKeys(opCtx, idempotencyCompletedTTL, idempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
