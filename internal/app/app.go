package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yungbote/appforge-backend/internal/data/db"
	"github.com/yungbote/appforge-backend/internal/data/repos"
	apphttp "github.com/yungbote/appforge-backend/internal/http"
	"github.com/yungbote/appforge-backend/internal/jobs/worker"
	"github.com/yungbote/appforge-backend/internal/modules/builder/reuse"
	"github.com/yungbote/appforge-backend/internal/observability"
	"github.com/yungbote/appforge-backend/internal/platform/logger"
	"github.com/yungbote/appforge-backend/internal/realtime"
	"github.com/yungbote/appforge-backend/internal/realtime/bus"
	"github.com/yungbote/appforge-backend/internal/services"
)

// Core is the database-only slice used by CLI commands.
type Core struct {
	Log   *logger.Logger
	Cfg   Config
	DB    *gorm.DB
	Repos repos.Set
	dbs   *db.Service
}

func NewCore(log *logger.Logger, cfg Config) (*Core, error) {
	dbs, err := db.Open(log, db.Config{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		SlowQuery:    cfg.Database.SlowQuery.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Core{
		Log:   log,
		Cfg:   cfg,
		DB:    dbs.DB(),
		Repos: repos.NewSet(dbs.DB(), log),
		dbs:   dbs,
	}, nil
}

func (c *Core) Migrate() error {
	if err := db.AutoMigrateAll(c.DB); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// Library serves stats and doctor without a keyword index.
func (c *Core) Library() services.LibraryService {
	return services.NewLibraryService(c.Log, c.Repos.Library, c.Repos.Decisions, nil, reuseConfig(c.Cfg.Reuse))
}

func (c *Core) Close() {
	if c == nil || c.dbs == nil {
		return
	}
	_ = c.dbs.Close()
}

type App struct {
	*Core
	Hub      *realtime.Hub
	Bus      bus.Bus
	Events   services.EventLog
	Sessions services.SessionService
	Worker   *worker.Worker
	Janitor  *services.Janitor
	Server   *apphttp.Server

	keywords *reuse.KeywordIndex
	closers  []io.Closer
	shutdown func(context.Context) error
}

// New wires the full service: database, pipeline, worker pool, janitor and
// the HTTP edge.
func New(ctx context.Context, log *logger.Logger, cfg Config) (*App, error) {
	observability.Init(cfg.Observability.MetricsEnabled)
	shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.Observability.OtelEnabled,
		ServiceName: cfg.Server.ServiceName,
		Environment: cfg.Server.Environment,
		Version:     cfg.Server.Version,
		Endpoint:    cfg.Observability.OtelEndpoint,
		Headers:     cfg.Observability.OtelHeaders,
		Insecure:    cfg.Observability.OtelInsecure,
		SampleRatio: cfg.Observability.SampleRatio,
	})

	core, err := NewCore(log, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Core: core, shutdown: shutdown}
	if err := core.Migrate(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Run blocks until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return errors.New("app not initialized")
	}
	g, gctx := errgroup.WithContext(ctx)
	if err := a.Bus.StartForwarder(gctx, a.Hub.Broadcast); err != nil {
		return fmt.Errorf("start event forwarder: %w", err)
	}
	if err := a.Janitor.Start(gctx); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	g.Go(func() error { return a.Worker.Run(gctx) })
	g.Go(func() error { return a.Server.Run(gctx, a.Cfg.Server.Addr) })
	return g.Wait()
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Bus != nil {
		_ = a.Bus.Close()
	}
	if a.keywords != nil {
		_ = a.keywords.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	if a.shutdown != nil {
		_ = a.shutdown(context.Background())
	}
	a.Core.Close()
	a.Log.Sync()
}
