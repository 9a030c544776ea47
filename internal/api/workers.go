package api

import (
	"net/http"

	"whatsapp-dispatch/internal/health"
	"whatsapp-dispatch/internal/logger"

	"github.com/gin-gonic/gin"
)

type WorkerHandler struct {
	Beats health.Recorder
	Log   logger.Logger
}

func NewWorkerHandler(beats health.Recorder, log logger.Logger) *WorkerHandler {
	return &WorkerHandler{Beats: beats, Log: log}
}

// GetWorkers lists the latest heartbeat of every live device worker.
func (h *WorkerHandler) GetWorkers(c *gin.Context) {
	beats, err := h.Beats.List(c.Request.Context())
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, beats)
}
