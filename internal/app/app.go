// Package app assembles the scorebook runtime for a workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"path/filepath"

	"scorebook/internal/config"
	"scorebook/internal/db"
	"scorebook/internal/engine"
	"scorebook/internal/events"
	"scorebook/internal/migrate"
	"scorebook/internal/ratelimit"
	"scorebook/internal/repo"
)

const badgerDir = "ops"

// App owns the stores behind an Engine.
type App struct {
	Config *config.Config
	Engine engine.Engine
	Hub    *events.Hub
	// PublicExport guards the unauthenticated export route.
	PublicExport *ratelimit.Guard

	store repo.Store
	sqlDB *sql.DB
}

// Open opens the configured stores in workspace, migrating SQLite as needed.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *log.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	a := &App{Config: cfg}

	switch cfg.Storage.Backend {
	case config.BackendBadger:
		dataDir, err := db.EnsureWorkspace(workspace)
		if err != nil {
			return nil, err
		}
		kv, err := repo.OpenKV(filepath.Join(dataDir, badgerDir))
		if err != nil {
			return nil, err
		}
		a.store = kv
	default:
		conn, err := a.openSQL(ctx, workspace)
		if err != nil {
			return nil, err
		}
		a.store = repo.Repo{DB: conn}
	}

	var hits ratelimit.Store
	if cfg.RateLimit.Backend == config.BackendSQLite {
		conn, err := a.openSQL(ctx, workspace)
		if err != nil {
			a.Close()
			return nil, err
		}
		hits = ratelimit.SQLStore{DB: conn}
	} else {
		hits = ratelimit.NewMemory()
	}

	a.Hub = events.NewHub(events.HubConfig{
		QueueSize: cfg.Broadcast.QueueSize,
		JoinRate:  cfg.Broadcast.JoinRate,
		JoinBurst: cfg.Broadcast.JoinBurst,
		Logger:    logger,
	})
	a.Engine = engine.New(a.store, cfg)
	a.Engine.Logger = logger
	a.Engine.Publisher = a.Hub
	a.Engine.Limiter = &ratelimit.Guard{
		Store:  hits,
		Limit:  cfg.RateLimit.Propose.Limit,
		Window: cfg.RateLimit.Propose.Window,
		Mode:   ratelimit.FailOpen,
		Logger: logger,
	}
	a.PublicExport = &ratelimit.Guard{
		Store:  hits,
		Limit:  cfg.RateLimit.PublicExport.Limit,
		Window: cfg.RateLimit.PublicExport.Window,
		Mode:   ratelimit.FailClosed,
		Logger: logger,
	}
	return a, nil
}

func (a *App) openSQL(ctx context.Context, workspace string) (*sql.DB, error) {
	if a.sqlDB != nil {
		return a.sqlDB, nil
	}
	conn, err := db.Open(db.Config{Workspace: workspace, BusyTimeoutMS: a.Config.Storage.BusyTimeoutMS})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	a.sqlDB = conn
	return conn, nil
}

// Close releases the stores.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if _, shared := a.store.(repo.Repo); a.sqlDB != nil && !shared {
		if cerr := a.sqlDB.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
