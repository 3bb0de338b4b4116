package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/arc-reactor/internal/domain/runs"
	"github.com/yungbote/arc-reactor/internal/http/response"
	"github.com/yungbote/arc-reactor/internal/platform/apierr"
	"github.com/yungbote/arc-reactor/internal/platform/ctxutil"
	"github.com/yungbote/arc-reactor/internal/platform/objectstore"
	"github.com/yungbote/arc-reactor/internal/services"
)

var errSubmissionDisabled = apierr.New(http.StatusServiceUnavailable, "batch_unavailable", errors.New("batch submission is not configured"))

type RunHandlerDeps struct {
	Runs       services.RunStore
	Tasks      services.TaskStore
	Submission services.SubmissionService
	Files      objectstore.Store
	// SignTTL is how long file download URLs stay valid; zero skips signing.
	SignTTL time.Duration
	// PollEvery and StreamFor bound the status stream.
	PollEvery time.Duration
	StreamFor time.Duration
}

type RunHandler struct {
	runs      services.RunStore
	tasks     services.TaskStore
	submit    services.SubmissionService
	files     objectstore.Store
	signTTL   time.Duration
	pollEvery time.Duration
	streamFor time.Duration
}

func NewRunHandler(deps RunHandlerDeps) *RunHandler {
	h := &RunHandler{
		runs:      deps.Runs,
		tasks:     deps.Tasks,
		submit:    deps.Submission,
		files:     deps.Files,
		signTTL:   deps.SignTTL,
		pollEvery: deps.PollEvery,
		streamFor: deps.StreamFor,
	}
	if h.pollEvery <= 0 {
		h.pollEvery = 2 * time.Second
	}
	if h.streamFor <= 0 {
		h.streamFor = 600 * time.Second
	}
	return h
}

type submitRunRequest struct {
	Pipeline        string         `json:"pipeline" binding:"required"`
	PipelineVersion string         `json:"pipeline_version"`
	SamplesheetCSV  string         `json:"samplesheet_csv" binding:"required"`
	ConfigContent   string         `json:"config_content"`
	Params          map[string]any `json:"params"`
	SourceNGSRuns   []string       `json:"source_ngs_runs"`
	SourceProject   string         `json:"source_project"`
}

// POST /api/runs
func (h *RunHandler) SubmitRun(c *gin.Context) {
	if h.submit == nil {
		response.RespondErr(c, errSubmissionDisabled)
		return
	}
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	id := ctxutil.GetIdentity(c.Request.Context())
	run, err := h.submit.SubmitRun(c.Request.Context(), services.Submission{
		Owner:          id.Email,
		OwnerName:      id.Name,
		Pipeline:       req.Pipeline,
		Version:        req.PipelineVersion,
		SamplesheetCSV: req.SamplesheetCSV,
		ConfigContent:  req.ConfigContent,
		Params:         req.Params,
		SourceNGSRuns:  req.SourceNGSRuns,
		SourceProject:  req.SourceProject,
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"run": run})
}

// GET /api/runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	id := ctxutil.GetIdentity(c.Request.Context())
	filter := types.RunFilter{Pipeline: strings.TrimSpace(c.Query("pipeline"))}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		st, ok := types.ParseStatus(raw)
		if !ok {
			response.RespondError(c, http.StatusBadRequest, "invalid_status", errors.New("unknown status "+raw))
			return
		}
		filter.Status = st
	}
	if id.IsAdmin {
		filter.UserEmail = strings.TrimSpace(c.Query("user_email"))
	} else {
		filter.UserEmail = id.Email
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "0"))

	out, err := h.runs.ListRuns(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, out)
}

// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, ok := h.loadOwned(c)
	if !ok {
		return
	}
	response.RespondOK(c, gin.H{"run": run})
}

// POST /api/runs/:id/cancel
func (h *RunHandler) CancelRun(c *gin.Context) {
	run, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if h.submit == nil {
		response.RespondErr(c, errSubmissionDisabled)
		return
	}
	out, err := h.submit.CancelRun(c.Request.Context(), run.RunID)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"run": out})
}

type recoverRunRequest struct {
	Notes          string         `json:"notes"`
	OverrideParams map[string]any `json:"override_params"`
	ReuseWorkDir   bool           `json:"reuse_work_dir"`
}

// POST /api/runs/:id/recover
func (h *RunHandler) RecoverRun(c *gin.Context) {
	parent, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if h.submit == nil {
		response.RespondErr(c, errSubmissionDisabled)
		return
	}
	var req recoverRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
			return
		}
	}
	id := ctxutil.GetIdentity(c.Request.Context())
	run, err := h.submit.RecoverRun(c.Request.Context(), services.RecoveryRequest{
		ParentRunID:    parent.RunID,
		Owner:          id.Email,
		OwnerName:      id.Name,
		Notes:          req.Notes,
		OverrideParams: req.OverrideParams,
		ReuseWorkDir:   req.ReuseWorkDir,
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondCreated(c, gin.H{"run": run})
}

// GET /api/runs/:id/tasks
func (h *RunHandler) ListTasks(c *gin.Context) {
	run, ok := h.loadOwned(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	tasks, err := h.tasks.ListTasks(ctx, run.RunID, types.TaskFilter{
		Status:  strings.TrimSpace(c.Query("status")),
		Process: strings.TrimSpace(c.Query("process")),
	})
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	summary, err := h.tasks.Summary(ctx, run.RunID)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"tasks": tasks, "summary": summary})
}

// GET /api/runs/:id/files
func (h *RunHandler) ListFiles(c *gin.Context) {
	run, ok := h.loadOwned(c)
	if !ok {
		return
	}
	files, err := objectstore.ListRunFiles(c.Request.Context(), h.files, run.RunID, h.signTTL)
	if err != nil {
		response.RespondErr(c, err)
		return
	}
	response.RespondOK(c, gin.H{"files": files})
}

// loadOwned fetches the :id run and checks the caller may see it. It writes
// the error response itself.
func (h *RunHandler) loadOwned(c *gin.Context) (*types.Run, bool) {
	run, err := h.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.RespondErr(c, err)
		return nil, false
	}
	if !ctxutil.GetIdentity(c.Request.Context()).CanAccess(run.UserEmail) {
		response.RespondErr(c, apierr.Forbidden(errors.New("run belongs to another user")))
		return nil, false
	}
	return run, true
}
