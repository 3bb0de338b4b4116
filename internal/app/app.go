package app

import (
	"context"
	"fmt"
	"io"

	goredis "github.com/redis/go-redis/v9"
	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"github.com/yungbote/arc-reactor/internal/data/db"
	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/batch"
	"github.com/yungbote/arc-reactor/internal/platform/gcp"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
	"github.com/yungbote/arc-reactor/internal/platform/objectstore"
	"github.com/yungbote/arc-reactor/internal/platform/redisstream"
	"github.com/yungbote/arc-reactor/internal/temporalx"
)

// Options picks the optional backends a process needs. The database is
// always wired.
type Options struct {
	// Files wires the run file store used by submission and file listing.
	Files bool
	// Batch wires the Batch gateway used by submission, cancel and the sweeper.
	Batch bool
	// BatchIfConfigured wires the gateway only when GCP_PROJECT is set.
	// Without it submission and reconcile answer 503.
	BatchIfConfigured bool
	// Redis requires REDIS_ADDR. Without it Redis is wired only when set.
	Redis bool
	// Temporal dials the Temporal frontend.
	Temporal bool
}

type Clients struct {
	Redis    *goredis.Client
	Temporal temporalsdkclient.Client
	Batch    *batch.GCPGateway
	Files    objectstore.Store
}

type App struct {
	Log      *logger.Logger
	Cfg      Config
	DB       *gorm.DB
	Metrics  *observability.Metrics
	Clients  Clients
	Repos    Repos
	Services Services

	pg           *db.PostgresService
	shutdownOTel func(context.Context) error
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg := LoadConfig()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &App{Log: log, Cfg: cfg}

	a.Metrics = observability.Init(log)
	a.shutdownOTel = observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	pg, err := db.NewPostgresService(log, cfg.PostgresDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	a.pg = pg
	a.DB = pg.DB()
	if cfg.AutoMigrate {
		if err := a.Migrate(); err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres automigrate: %w", err)
		}
	}

	if err := a.wireClients(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	a.Repos = wireRepos(a.DB, log)
	services, err := wireServices(a)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Services = services
	return a, nil
}

func (a *App) wireClients(ctx context.Context, opts Options) error {
	log, cfg := a.Log, a.Cfg
	log.Info("Wiring clients...")

	if opts.Redis || cfg.RedisAddr != "" {
		rdb, err := redisstream.NewClient(log)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		a.Clients.Redis = rdb
	}

	if opts.Files {
		if cfg.StorageErr != nil {
			return fmt.Errorf("object storage config: %w", cfg.StorageErr)
		}
		store, err := resolveRunFileStore(ctx, log, cfg.Storage, a.Metrics)
		if err != nil {
			return err
		}
		a.Clients.Files = store
	}

	switch {
	case wantBatch(opts, cfg.Batch):
		gw, err := batch.NewGateway(ctx, log, cfg.Batch, a.Metrics, gcp.ClientOptionsFromEnv()...)
		if err != nil {
			return fmt.Errorf("init batch gateway: %w", err)
		}
		a.Clients.Batch = gw
	case opts.BatchIfConfigured:
		log.Warn("GCP_PROJECT not set; batch submission and reconcile are disabled")
	}

	if opts.Temporal {
		tc, err := temporalx.NewClient(ctx, log, cfg.Temporal)
		if err != nil {
			return fmt.Errorf("init temporal client: %w", err)
		}
		if tc == nil {
			return fmt.Errorf("TEMPORAL_ADDRESS is required")
		}
		a.Clients.Temporal = tc
	}
	return nil
}

func wantBatch(opts Options, cfg batch.Config) bool {
	return opts.Batch || (opts.BatchIfConfigured && cfg.Configured())
}

// StartCollectors runs the background metric collectors until ctx is done.
func (a *App) StartCollectors(ctx context.Context) {
	if a == nil || a.Metrics == nil {
		return
	}
	a.Metrics.StartPostgresCollector(ctx, a.Log, a.DB)
	a.Metrics.StartRunStatusCollector(ctx, a.Log, a.DB)
	if a.Clients.Redis != nil {
		a.Metrics.StartRedisCollector(ctx, a.Log, a.Clients.Redis)
	}
}

func (a *App) Migrate() error {
	if err := db.AutoMigrateAll(a.DB); err != nil {
		return err
	}
	a.Log.Info("Migrations applied")
	return nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Clients.Temporal != nil {
		a.Clients.Temporal.Close()
	}
	if a.Clients.Batch != nil {
		_ = a.Clients.Batch.Close()
	}
	if c, ok := a.Clients.Files.(io.Closer); ok {
		_ = c.Close()
	}
	if a.Clients.Redis != nil {
		_ = a.Clients.Redis.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
	if a.shutdownOTel != nil {
		_ = a.shutdownOTel(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
