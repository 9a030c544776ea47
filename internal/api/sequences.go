package api

import (
	"net/http"

	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/sequence"
	"whatsapp-dispatch/internal/store"

	"github.com/gin-gonic/gin"
)

type SequenceHandler struct {
	Sequences *sequence.Service
	Messages  *store.MessageStore
	Log       logger.Logger
}

func NewSequenceHandler(sequences *sequence.Service, messages *store.MessageStore, log logger.Logger) *SequenceHandler {
	return &SequenceHandler{Sequences: sequences, Messages: messages, Log: log}
}

func (h *SequenceHandler) CreateSequence(c *gin.Context) {
	var req sequence.Definition
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.Sequences.CreateSequence(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *SequenceHandler) ListSequences(c *gin.Context) {
	list, err := h.Sequences.List(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetSequence returns the sequence, its steps, contact progress and message
// counts.
func (h *SequenceHandler) GetSequence(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	seq, err := h.Sequences.Get(ctx, id)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	contacts, err := h.Sequences.ContactCounts(ctx, id)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	stats, err := h.Messages.Stats(ctx, store.Filter{SequenceID: id})
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence": seq, "contacts": contacts, "stats": stats})
}
