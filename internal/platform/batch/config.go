package batch

import (
	"strings"
	"time"

	"github.com/yungbote/arc-reactor/internal/platform/envutil"
)

// Config is the static shape of every submitted job.
type Config struct {
	Project           string
	Region            string
	ServiceAccount    string
	OrchestratorImage string
	ReceiverURL       string

	MachineType    string
	CPUMilli       int64
	MemoryMiB      int64
	MaxRunDuration time.Duration
	MaxRetryCount  int32

	MaxAttempts  uint
	RetryBackoff time.Duration
}

// Configured reports whether a project is set.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.Project) != ""
}

func LoadConfig() Config {
	return Config{
		Project:           envutil.String("GCP_PROJECT", ""),
		Region:            envutil.String("GCP_REGION", "us-central1"),
		ServiceAccount:    envutil.String("BATCH_SERVICE_ACCOUNT", ""),
		OrchestratorImage: envutil.String("ORCHESTRATOR_IMAGE", ""),
		ReceiverURL:       envutil.String("WEBLOG_RECEIVER_URL", ""),
		MachineType:       envutil.String("BATCH_MACHINE_TYPE", "e2-standard-2"),
		CPUMilli:          int64(envutil.Int("BATCH_CPU_MILLI", 2000)),
		MemoryMiB:         int64(envutil.Int("BATCH_MEMORY_MIB", 4096)),
		MaxRunDuration:    7 * 24 * time.Hour,
		MaxRetryCount:     2,
		MaxAttempts:       3,
		RetryBackoff:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MachineType == "" {
		c.MachineType = "e2-standard-2"
	}
	if c.CPUMilli <= 0 {
		c.CPUMilli = 2000
	}
	if c.MemoryMiB <= 0 {
		c.MemoryMiB = 4096
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = 7 * 24 * time.Hour
	}
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = 2
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	return c
}
