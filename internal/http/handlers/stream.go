package handlers

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	types "github.com/yungbote/arc-reactor/internal/domain/runs"
)

type statusEvent struct {
	RunID        string          `json:"run_id"`
	Status       types.RunStatus `json:"status"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// GET /api/runs/:id/stream
//
// Emits a status event whenever (status, updated_at) changes and a done
// event once the run is terminal or the stream times out.
func (h *RunHandler) StreamRun(c *gin.Context) {
	run, ok := h.loadOwned(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ticker := time.NewTicker(h.pollEvery)
	defer ticker.Stop()
	deadline := time.NewTimer(h.streamFor)
	defer deadline.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	var (
		lastStatus  types.RunStatus
		lastUpdated time.Time
	)
	c.Stream(func(w io.Writer) bool {
		if run.Status != lastStatus || !run.UpdatedAt.Equal(lastUpdated) {
			c.SSEvent("status", statusEvent{
				RunID:        run.RunID,
				Status:       run.Status,
				UpdatedAt:    run.UpdatedAt,
				ErrorMessage: run.ErrorMessage,
			})
			lastStatus, lastUpdated = run.Status, run.UpdatedAt
		}
		if run.IsTerminal() {
			c.SSEvent("done", gin.H{"status": run.Status})
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			c.SSEvent("done", gin.H{"status": run.Status, "timeout": true})
			return false
		case <-ticker.C:
		}
		fresh, err := h.runs.GetRun(ctx, run.RunID)
		if err != nil {
			c.SSEvent("error", gin.H{"message": err.Error()})
			return false
		}
		run = fresh
		return true
	})
}
