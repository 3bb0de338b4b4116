package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/http/response"
	"github.com/yungbote/arc-reactor/internal/platform/logger"
	"github.com/yungbote/arc-reactor/internal/services"
)

const maxWeblogBody = 1 << 20

// EventPublisher forwards an engine event to the ingest stream.
type EventPublisher interface {
	Publish(ctx context.Context, runID string, event json.RawMessage) (string, error)
}

// WeblogHandler is the public relay for engine callbacks.
type WeblogHandler struct {
	log       *logger.Logger
	runs      services.RunStore
	publisher EventPublisher
}

func NewWeblogHandler(log *logger.Logger, runs services.RunStore, publisher EventPublisher) *WeblogHandler {
	return &WeblogHandler{
		log:       log.With("handler", "WeblogHandler"),
		runs:      runs,
		publisher: publisher,
	}
}

// POST /weblog/:run_id/:secret
func (h *WeblogHandler) Receive(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := h.runs.GetRun(ctx, c.Param("run_id"))
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	if !types.SecretMatches(c.Param("secret"), run.WeblogSecretHash) {
		h.log.Warn("Weblog secret mismatch", "run_id", run.RunID, "client_ip", c.ClientIP())
		response.RespondError(c, http.StatusForbidden, "forbidden", errors.New("invalid weblog secret"))
		return
	}
	if run.IsTerminal() {
		response.RespondError(c, http.StatusConflict, "run_terminal", errors.New("run is already "+string(run.Status)))
		return
	}

	body, err := readBody(c, maxWeblogBody)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if !json.Valid(body) {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("body is not JSON"))
		return
	}
	if _, err := h.publisher.Publish(ctx, run.RunID, body); err != nil {
		if errors.Is(err, types.ErrMalformedEvent) {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
		h.log.Error("Weblog publish failed", "run_id", run.RunID, "error", err)
		response.RespondError(c, http.StatusServiceUnavailable, "publish_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// IngestHandler serves the push endpoint and the manual sweep trigger.
type IngestHandler struct {
	log        *logger.Logger
	ingest     services.Ingestor
	reconciler services.Reconciler
}

func NewIngestHandler(log *logger.Logger, ingest services.Ingestor, reconciler services.Reconciler) *IngestHandler {
	return &IngestHandler{
		log:        log.With("handler", "IngestHandler"),
		ingest:     ingest,
		reconciler: reconciler,
	}
}

// POST /internal/weblog/events
//
// Malformed messages answer 200 so the push subscription drops them; store
// errors answer 500 so they are redelivered.
func (h *IngestHandler) Push(c *gin.Context) {
	body, err := readBody(c, maxWeblogBody)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	res, err := h.ingest.IngestPush(c.Request.Context(), body)
	switch {
	case errors.Is(err, types.ErrMalformedEvent):
		h.log.Warn("Rejected malformed push message", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "rejected", "reason": err.Error()})
	case err != nil:
		response.RespondError(c, http.StatusInternalServerError, "ingest_failed", err)
	default:
		c.JSON(http.StatusOK, res)
	}
}

// POST /internal/reconcile
func (h *IngestHandler) Reconcile(c *gin.Context) {
	if h.reconciler == nil {
		response.RespondErr(c, errSubmissionDisabled)
		return
	}
	report, err := h.reconciler.Sweep(c.Request.Context())
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, report)
}
