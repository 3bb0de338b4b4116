package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/arc-reactor/internal/http/handlers"
	httpMW "github.com/yungbote/arc-reactor/internal/http/middleware"
	"github.com/yungbote/arc-reactor/internal/observability"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
)

// RouterConfig lists the handlers to mount. A nil handler leaves its routes
// out, which is how the receiver-only process is built.
type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics

	ServiceName   string
	CORSOrigins   []string
	AdminEmails   []string
	InternalToken string

	HealthHandler   *httpH.HealthHandler
	RunHandler      *httpH.RunHandler
	PipelineHandler *httpH.PipelineHandler
	WeblogHandler   *httpH.WeblogHandler
	IngestHandler   *httpH.IngestHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.CORSOrigins))

	// Public
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}
	if cfg.WeblogHandler != nil {
		r.POST("/weblog/:run_id/:secret", cfg.WeblogHandler.Receive)
	}

	// Internal
	if cfg.IngestHandler != nil {
		internal := r.Group("/internal")
		internal.Use(httpMW.RequireInternalToken(cfg.InternalToken))
		internal.POST("/weblog/events", cfg.IngestHandler.Push)
		internal.POST("/reconcile", cfg.IngestHandler.Reconcile)
	}

	// API
	if cfg.RunHandler == nil && cfg.PipelineHandler == nil {
		return r
	}
	api := r.Group("/api")
	api.Use(httpMW.RequireIdentity(cfg.AdminEmails))
	{
		if cfg.PipelineHandler != nil {
			api.GET("/pipelines", cfg.PipelineHandler.ListPipelines)
		}
		if cfg.RunHandler != nil {
			api.POST("/runs", cfg.RunHandler.SubmitRun)
			api.GET("/runs", cfg.RunHandler.ListRuns)
			api.GET("/runs/:id", cfg.RunHandler.GetRun)
			api.POST("/runs/:id/cancel", cfg.RunHandler.CancelRun)
			api.POST("/runs/:id/recover", cfg.RunHandler.RecoverRun)
			api.GET("/runs/:id/tasks", cfg.RunHandler.ListTasks)
			api.GET("/runs/:id/files", cfg.RunHandler.ListFiles)
			api.GET("/runs/:id/stream", cfg.RunHandler.StreamRun)
		}
	}
	return r
}
