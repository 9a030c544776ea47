package api

import (
	"time"

	"whatsapp-dispatch/internal/campaign"
	"whatsapp-dispatch/internal/health"
	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/sequence"
	"whatsapp-dispatch/internal/store"
	"whatsapp-dispatch/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Campaigns *campaign.Service
	Sequences *sequence.Service
	Messages  *store.MessageStore
	Beats     health.Recorder
	Hub       *ws.Hub
	Location  *time.Location
	Log       logger.Logger
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func requestLog(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
	}
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(d.Log), cors())

	campaigns := NewCampaignHandler(d.Campaigns, d.Messages, d.Log)
	sequences := NewSequenceHandler(d.Sequences, d.Messages, d.Log)
	messages := NewMessageHandler(d.Messages, d.Location, d.Log)
	workers := NewWorkerHandler(d.Beats, d.Log)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/campaigns", campaigns.CreateCampaign)
		apiGroup.GET("/campaigns", campaigns.ListCampaigns)
		apiGroup.GET("/campaigns/:id", campaigns.GetCampaign)

		apiGroup.POST("/sequences", sequences.CreateSequence)
		apiGroup.GET("/sequences", sequences.ListSequences)
		apiGroup.GET("/sequences/:id", sequences.GetSequence)

		apiGroup.GET("/messages/stats", messages.GetStats)
		apiGroup.GET("/messages", messages.GetMessages)
		apiGroup.DELETE("/messages/:id", messages.CancelMessage)

		apiGroup.GET("/workers", workers.GetWorkers)
	}

	if d.Hub != nil {
		r.GET("/ws", gin.WrapF(d.Hub.ServeWs))
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
