package temporalx

import (
	"time"

	"github.com/yungbote/arc-reactor/internal/platform/envutil"
)

type Config struct {
	Address   string
	Namespace string
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string

	AutoRegisterNamespace bool
	RetentionDays         int

	DialTimeout time.Duration
	DialMaxWait time.Duration

	// SweepInterval is the pause between reconcile passes.
	SweepInterval time.Duration
}

func LoadConfig() Config {
	retention := envutil.Int("TEMPORAL_NAMESPACE_RETENTION_DAYS", 7)
	if retention < 1 || retention > 365 {
		retention = 7
	}
	return Config{
		Address:   envutil.String("TEMPORAL_ADDRESS", ""),
		Namespace: envutil.String("TEMPORAL_NAMESPACE", "arc-reactor"),
		TaskQueue: envutil.String("TEMPORAL_TASK_QUEUE", "arc-reactor"),

		ClientCertPath: envutil.String("TEMPORAL_CLIENT_CERT_PATH", ""),
		ClientKeyPath:  envutil.String("TEMPORAL_CLIENT_KEY_PATH", ""),
		ClientCAPath:   envutil.String("TEMPORAL_CLIENT_CA_PATH", ""),

		AutoRegisterNamespace: envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false),
		RetentionDays:         retention,

		DialTimeout: envutil.Seconds("TEMPORAL_DIAL_TIMEOUT_SECONDS", 5*time.Second),
		DialMaxWait: envutil.Seconds("TEMPORAL_DIAL_MAX_WAIT_SECONDS", 60*time.Second),

		SweepInterval: envutil.Seconds("RECONCILE_INTERVAL_SECONDS", 5*time.Minute),
	}
}

func (c Config) usesTLS() bool {
	return c.ClientCertPath != "" || c.ClientKeyPath != "" || c.ClientCAPath != ""
}
