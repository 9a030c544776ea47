package api

import (
	"net/http"

	"whatsapp-dispatch/internal/campaign"
	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/store"

	"github.com/gin-gonic/gin"
)

type CampaignHandler struct {
	Campaigns *campaign.Service
	Messages  *store.MessageStore
	Log       logger.Logger
}

func NewCampaignHandler(campaigns *campaign.Service, messages *store.MessageStore, log logger.Logger) *CampaignHandler {
	return &CampaignHandler{Campaigns: campaigns, Messages: messages, Log: log}
}

// CreateCampaign stores a campaign. Date and time are read in the display
// timezone.
func (h *CampaignHandler) CreateCampaign(c *gin.Context) {
	var req campaign.Definition
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.Campaigns.CreateCampaign(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *CampaignHandler) ListCampaigns(c *gin.Context) {
	list, err := h.Campaigns.List(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetCampaign returns the campaign with its delivery counts.
func (h *CampaignHandler) GetCampaign(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	found, err := h.Campaigns.Get(ctx, id)
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	stats, err := h.Messages.Stats(ctx, store.Filter{CampaignID: id})
	if err != nil {
		respondError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": found, "stats": stats})
}
