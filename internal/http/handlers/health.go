package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/kbchat-backend/internal/http/response"
	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

// ReadinessProbe reports whether the knowledge store behind retrieval is reachable.
type ReadinessProbe interface {
	KnowledgeEnabled() bool
	KnowledgeReady(ctx context.Context) error
}

type HealthHandler struct {
	log   *logger.Logger
	probe ReadinessProbe
}

func NewHealthHandler(log *logger.Logger, probe ReadinessProbe) *HealthHandler {
	return &HealthHandler{log: log.With("handler", "HealthHandler"), probe: probe}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// GET /readyz
func (h *HealthHandler) Ready(c *gin.Context) {
	if h.probe == nil || !h.probe.KnowledgeEnabled() {
		response.RespondOK(c, gin.H{"status": "ok", "knowledge": "disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.probe.KnowledgeReady(ctx); err != nil {
		h.log.Warn("Vector store heartbeat failed", "error", err)
		response.RespondError(c, http.StatusServiceUnavailable, "knowledge_unavailable", err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok", "knowledge": "ok"})
}
