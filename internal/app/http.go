package app

import (
	"context"

	httpapi "github.com/yungbote/arc-reactor/internal/http"
	httpH "github.com/yungbote/arc-reactor/internal/http/handlers"
)

// ServerMode selects which routes a process mounts.
type ServerMode int

const (
	// ServeAll mounts the API, internal and receiver routes.
	ServeAll ServerMode = iota
	// ServeReceiver mounts only the public webhook relay and the health check.
	ServeReceiver
)

func (a *App) healthChecks() map[string]httpH.Pinger {
	checks := map[string]httpH.Pinger{
		"postgres": func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.Clients.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.Clients.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// NewServer builds the HTTP server for mode.
func (a *App) NewServer(mode ServerMode) *httpapi.Server {
	log, cfg, svc := a.Log, a.Cfg, a.Services
	log.Info("Wiring handlers...")

	rc := httpapi.RouterConfig{
		Log:           log,
		Metrics:       a.Metrics,
		ServiceName:   cfg.ServiceName,
		CORSOrigins:   cfg.CORSOrigins,
		AdminEmails:   cfg.AdminEmails,
		InternalToken: cfg.InternalToken,
		HealthHandler: httpH.NewHealthHandler(a.healthChecks()),
		WeblogHandler: httpH.NewWeblogHandler(log, svc.Runs, svc.Publisher),
	}
	if mode == ServeAll {
		rc.IngestHandler = httpH.NewIngestHandler(log, svc.Ingest, svc.Reconciler)
		rc.PipelineHandler = httpH.NewPipelineHandler(svc.Catalog)
		rc.RunHandler = httpH.NewRunHandler(httpH.RunHandlerDeps{
			Runs:       svc.Runs,
			Tasks:      svc.Tasks,
			Submission: svc.Submission,
			Files:      a.Clients.Files,
			SignTTL:    cfg.SignURLTTL,
		})
	}
	return httpapi.NewServer(rc)
}
