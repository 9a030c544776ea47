package api

import (
	"errors"
	"net/http"
	"strconv"

	"whatsapp-dispatch/internal/apperr"
	"whatsapp-dispatch/internal/campaign"
	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/sequence"
	"whatsapp-dispatch/internal/store"

	"github.com/gin-gonic/gin"
)

// respondError maps service errors onto HTTP status codes.
func respondError(c *gin.Context, log logger.Logger, err error) {
	switch {
	case apperr.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, sequence.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotCancelable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Error("request failed", map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}
