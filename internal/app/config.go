package app

import (
	"fmt"
	"time"

	"github.com/yungbote/arc-reactor/internal/data/db"
	"github.com/yungbote/arc-reactor/internal/platform/batch"
	"github.com/yungbote/arc-reactor/internal/platform/envutil"
	"github.com/yungbote/arc-reactor/internal/platform/objectstore"
	"github.com/yungbote/arc-reactor/internal/platform/redisstream"
	"github.com/yungbote/arc-reactor/internal/services"
	"github.com/yungbote/arc-reactor/internal/temporalx"
)

type Config struct {
	ServiceName string
	Environment string
	Version     string
	LogMode     string

	Port          string
	InternalToken string
	AdminEmails   []string
	CORSOrigins   []string
	SignURLTTL    time.Duration

	PostgresDSN string
	AutoMigrate bool

	Storage objectstore.Config
	// StorageErr is kept so only commands that touch run files fail on it.
	StorageErr error

	Batch     batch.Config
	Reconcile services.ReconcilerConfig

	RedisAddr string
	Stream    redisstream.StreamConfig

	Temporal temporalx.Config
}

func LoadConfig() Config {
	storage, storageErr := objectstore.ResolveConfigFromEnv()
	return Config{
		ServiceName: envutil.String("SERVICE_NAME", "arc-reactor"),
		Environment: envutil.String("ENVIRONMENT", "development"),
		Version:     envutil.String("SERVICE_VERSION", "dev"),
		LogMode:     envutil.String("LOG_MODE", "development"),

		Port:          envutil.String("PORT", "8080"),
		InternalToken: envutil.String("INTERNAL_SERVICE_TOKEN", ""),
		AdminEmails:   envutil.List("ADMIN_EMAILS"),
		CORSOrigins:   envutil.List("CORS_ORIGINS"),
		SignURLTTL:    envutil.Seconds("SIGNED_URL_TTL_SECONDS", time.Hour),

		PostgresDSN: db.DSN(),
		AutoMigrate: envutil.Bool("DB_AUTO_MIGRATE", false),

		Storage:    storage,
		StorageErr: storageErr,

		Batch: batch.LoadConfig(),
		Reconcile: services.ReconcilerConfig{
			StaleAfter:  time.Duration(envutil.Int("RECONCILE_STALE_MINUTES", int(services.DefaultStaleAfter/time.Minute))) * time.Minute,
			OrphanAfter: time.Duration(envutil.Int("RECONCILE_ORPHAN_HOURS", int(services.DefaultOrphanAfter/time.Hour))) * time.Hour,
			BatchQPS:    float64(envutil.Int("RECONCILE_BATCH_QPS", 5)),
		},

		RedisAddr: envutil.String("REDIS_ADDR", ""),
		Stream:    redisstream.LoadStreamConfig(),

		Temporal: temporalx.LoadConfig(),
	}
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%s", c.Port)
}
