package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/arc-reactor/internal/http/response"
	"github.com/yungbote/arc-reactor/internal/services"
)

type PipelineHandler struct {
	catalog *services.Catalog
}

func NewPipelineHandler(catalog *services.Catalog) *PipelineHandler {
	return &PipelineHandler{catalog: catalog}
}

// GET /api/pipelines
func (h *PipelineHandler) ListPipelines(c *gin.Context) {
	response.RespondOK(c, gin.H{"pipelines": h.catalog.List()})
}
