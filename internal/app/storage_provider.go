package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/gcp"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
	"github.com/yungbote/arc-reactor/internal/platform/objectstore"
)

var (
	newGCSStore = func(ctx context.Context, log *logger.Logger, cfg objectstore.Config) (objectstore.Store, error) {
		return gcp.NewRunFileStore(ctx, log, cfg)
	}
	newMinioStore = func(ctx context.Context, log *logger.Logger, cfg objectstore.Config) (objectstore.Store, error) {
		return objectstore.NewMinioStore(ctx, log, cfg)
	}
)

type StorageProviderBootstrapErrorCode string

const (
	StorageProviderBootstrapErrorInvalidMode         StorageProviderBootstrapErrorCode = "invalid_mode"
	StorageProviderBootstrapErrorMissingBucket       StorageProviderBootstrapErrorCode = "missing_bucket"
	StorageProviderBootstrapErrorMissingEmulatorHost StorageProviderBootstrapErrorCode = "missing_emulator_host"
	StorageProviderBootstrapErrorInvalidEmulatorHost StorageProviderBootstrapErrorCode = "invalid_emulator_host"
	StorageProviderBootstrapErrorMissingMinIO        StorageProviderBootstrapErrorCode = "missing_minio_settings"
	StorageProviderBootstrapErrorConnectFailed       StorageProviderBootstrapErrorCode = "connect_failed"
)

type StorageProviderBootstrapError struct {
	Code         StorageProviderBootstrapErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *StorageProviderBootstrapError) Error() string {
	if e == nil {
		return "object storage bootstrap failed"
	}
	return fmt.Sprintf(
		"object storage bootstrap failed (code=%s mode=%q emulator_host=%q): %v",
		e.Code,
		e.Mode,
		e.EmulatorHost,
		e.Cause,
	)
}

func (e *StorageProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveRunFileStore builds the run file store for the configured mode.
func resolveRunFileStore(ctx context.Context, log *logger.Logger, cfg objectstore.Config, metrics *observability.Metrics) (objectstore.Store, error) {
	if err := objectstore.Validate(cfg); err != nil {
		classified := classifyStorageProviderBootstrapError(cfg, err)
		code := storageProviderBootstrapErrorCode(classified)
		metrics.ObserveObjectStorageBootstrap(string(cfg.Mode), "error", string(code))
		log.Error(
			"Object storage provider selection failed",
			"mode", cfg.Mode,
			"mode_source", cfg.ModeSource(),
			"emulator_host", cfg.EmulatorHost,
			"error_code", code,
			"error", classified,
		)
		return nil, classified
	}

	log.Info(
		"Selecting object storage provider",
		"mode", cfg.Mode,
		"mode_source", cfg.ModeSource(),
		"bucket", cfg.Bucket,
		"emulator_host", cfg.EmulatorHost,
	)

	var (
		store objectstore.Store
		err   error
	)
	switch cfg.Mode {
	case objectstore.ModeMemory:
		store = objectstore.NewMemoryStore(cfg.Bucket)
	case objectstore.ModeMinIO:
		store, err = newMinioStore(ctx, log, cfg)
	default:
		store, err = newGCSStore(ctx, log, cfg)
	}
	if err != nil {
		classified := classifyStorageProviderBootstrapError(cfg, err)
		code := storageProviderBootstrapErrorCode(classified)
		metrics.ObserveObjectStorageBootstrap(string(cfg.Mode), "error", string(code))
		log.Error(
			"Object storage provider bootstrap failed",
			"mode", cfg.Mode,
			"mode_source", cfg.ModeSource(),
			"emulator_host", cfg.EmulatorHost,
			"error_code", code,
			"error", classified,
		)
		return nil, classified
	}
	metrics.ObserveObjectStorageBootstrap(string(cfg.Mode), "success", "none")
	return store, nil
}

func classifyStorageProviderBootstrapError(cfg objectstore.Config, err error) error {
	code := StorageProviderBootstrapErrorConnectFailed
	var cfgErr *objectstore.ConfigError
	if errors.As(err, &cfgErr) {
		switch cfgErr.Code {
		case objectstore.ConfigErrorInvalidMode:
			code = StorageProviderBootstrapErrorInvalidMode
		case objectstore.ConfigErrorMissingBucket:
			code = StorageProviderBootstrapErrorMissingBucket
		case objectstore.ConfigErrorMissingEmulatorHost:
			code = StorageProviderBootstrapErrorMissingEmulatorHost
		case objectstore.ConfigErrorInvalidEmulatorHost:
			code = StorageProviderBootstrapErrorInvalidEmulatorHost
		case objectstore.ConfigErrorMissingMinIO:
			code = StorageProviderBootstrapErrorMissingMinIO
		}
	}
	return &StorageProviderBootstrapError{
		Code:         code,
		Mode:         string(cfg.Mode),
		EmulatorHost: cfg.EmulatorHost,
		Cause:        err,
	}
}

func storageProviderBootstrapErrorCode(err error) StorageProviderBootstrapErrorCode {
	var bootstrapErr *StorageProviderBootstrapError
	if errors.As(err, &bootstrapErr) {
		if bootstrapErr.Code != "" {
			return bootstrapErr.Code
		}
	}
	return StorageProviderBootstrapErrorConnectFailed
}
