package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yungbote/arc-reactor/internal/data/aggregates"
	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	httpH "github.com/yungbote/arc-reactor/internal/http/handlers"
	"github.com/yungbote/arc-reactor/internal/platform/redisstream"
	"github.com/yungbote/arc-reactor/internal/services"
)

type Services struct {
	Catalog *services.Catalog
	Runs    services.RunStore
	Tasks   services.TaskStore
	Ingest  services.Ingestor

	// Nil unless the Batch gateway is wired.
	Submission services.SubmissionService
	Reconciler services.Reconciler

	// Publisher feeds the receiver. It appends to the Redis stream when Redis
	// is wired and ingests in-process otherwise.
	Publisher httpH.EventPublisher
}

func wireServices(a *App) (Services, error) {
	log := a.Log
	log.Info("Wiring services...")

	catalog, err := services.LoadCatalog()
	if err != nil {
		return Services{}, fmt.Errorf("load pipeline catalog: %w", err)
	}

	lifecycle := aggregates.NewRunLifecycleAggregate(aggregates.BaseDeps{
		DB:  a.DB,
		Log: log,
	})
	runs := services.NewRunStore(services.RunServiceDeps{
		DB:        a.DB,
		Log:       log,
		Runs:      a.Repos.Run,
		Lifecycle: lifecycle,
		Metrics:   a.Metrics,
		Bucket:    a.Cfg.Storage.Bucket,
	})
	tasks := services.NewTaskStore(log, a.Repos.Task)
	ingest := services.NewIngestor(services.IngestorDeps{
		DB:      a.DB,
		Log:     log,
		RunRepo: a.Repos.Run,
		Runs:    runs,
		Tasks:   tasks,
		Events:  a.Repos.EventLog,
		Metrics: a.Metrics,
	})

	out := Services{
		Catalog: catalog,
		Runs:    runs,
		Tasks:   tasks,
		Ingest:  ingest,
	}

	if a.Clients.Batch != nil {
		out.Reconciler = services.NewReconciler(services.ReconcilerDeps{
			Log:     log,
			Runs:    runs,
			Batch:   a.Clients.Batch,
			Metrics: a.Metrics,
			Config:  a.Cfg.Reconcile,
		})
		if a.Clients.Files != nil {
			out.Submission = services.NewSubmissionService(services.SubmissionDeps{
				Log:     log,
				Runs:    runs,
				Catalog: catalog,
				Files:   a.Clients.Files,
				Batch:   a.Clients.Batch,
				Metrics: a.Metrics,
			})
		}
	}

	if a.Clients.Redis != nil {
		out.Publisher = redisstream.NewPublisher(log, a.Clients.Redis, a.Cfg.Stream)
	} else {
		log.Warn("REDIS_ADDR not set; weblog events are ingested in-process")
		out.Publisher = &inlinePublisher{ingest: ingest}
	}
	return out, nil
}

// inlinePublisher applies events immediately instead of queueing them.
type inlinePublisher struct {
	ingest services.Ingestor
}

func (p *inlinePublisher) Publish(ctx context.Context, runID string, event json.RawMessage) (string, error) {
	data, err := types.EncodeEnvelope(runID, event)
	if err != nil {
		return "", err
	}
	res, err := p.ingest.IngestData(ctx, data)
	if err != nil {
		return "", err
	}
	return string(res.Outcome), nil
}

// StreamHandler adapts the ingestor to the stream consumer's ack contract.
// Skipped and duplicate events ack like applied ones.
func StreamHandler(ingest services.Ingestor) redisstream.Handler {
	return func(ctx context.Context, data string) error {
		_, err := ingest.IngestData(ctx, data)
		return err
	}
}
