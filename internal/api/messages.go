package api

import (
	"net/http"
	"strconv"
	"time"

	"whatsapp-dispatch/internal/apperr"
	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/models"
	"whatsapp-dispatch/internal/store"

	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	Messages *store.MessageStore
	Location *time.Location
	Log      logger.Logger
}

func NewMessageHandler(messages *store.MessageStore, loc *time.Location, log logger.Logger) *MessageHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &MessageHandler{Messages: messages, Location: loc, Log: log}
}

// parseFilter reads the query filters. from and to are calendar days in the
// display timezone; to is inclusive, so the range ends at the start of the
// following day.
func (h *MessageHandler) parseFilter(c *gin.Context) (store.Filter, error) {
	f := store.Filter{
		DeviceID: c.Query("device_id"),
		Status:   c.Query("status"),
	}
	if f.Status != "" {
		switch f.Status {
		case models.MessagePending, models.MessageProcessing, models.MessageSent, models.MessageFailed:
		default:
			return f, apperr.Validation("unknown status %q", f.Status)
		}
	}

	var err error
	if f.CampaignID, err = optionalUint(c, "campaign_id"); err != nil {
		return f, err
	}
	if f.SequenceID, err = optionalUint(c, "sequence_id"); err != nil {
		return f, err
	}
	if v := c.Query("from"); v != "" {
		day, err := time.ParseInLocation("2006-01-02", v, h.Location)
		if err != nil {
			return f, apperr.Validation("from must be YYYY-MM-DD")
		}
		f.From = day.UTC()
	}
	if v := c.Query("to"); v != "" {
		day, err := time.ParseInLocation("2006-01-02", v, h.Location)
		if err != nil {
			return f, apperr.Validation("to must be YYYY-MM-DD")
		}
		f.To = day.AddDate(0, 0, 1).UTC()
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, apperr.Validation("from must not be after to")
	}
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, apperr.Validation("limit must be a non-negative integer")
		}
	}
	if v := c.Query("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, apperr.Validation("offset must be a non-negative integer")
		}
	}
	return f, nil
}

func optionalUint(c *gin.Context, name string) (uint, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, apperr.Validation("%s must be a positive integer", name)
	}
	return uint(n), nil
}

// GetStats returns delivered, pending and failed counts for the filter.
func (h *MessageHandler) GetStats(c *gin.Context) {
	f, err := h.parseFilter(c)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	stats, err := h.Messages.Stats(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *MessageHandler) GetMessages(c *gin.Context) {
	f, err := h.parseFilter(c)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	msgs, err := h.Messages.List(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// CancelMessage deletes a message that has not been claimed yet.
func (h *MessageHandler) CancelMessage(c *gin.Context) {
	if err := h.Messages.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message cancelled"})
}
