// Package campaign evaluates due campaigns against matching leads and turns
// them into broadcast messages.
package campaign

import (
	"context"
	"fmt"
	"time"

	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/metrics"
	"whatsapp-dispatch/internal/models"
	"whatsapp-dispatch/internal/store"

	"gorm.io/gorm"
)

// LeadSource is the read side of the lead and device directory.
type LeadSource interface {
	ListDevices(ctx context.Context, userID string) ([]models.Device, error)
	FindMatchingLeads(ctx context.Context, deviceID, niche, targetStatus string) ([]models.Lead, error)
}

type Trigger struct {
	db           *gorm.DB
	leads        LeadSource
	log          logger.Logger
	enqueueDelay time.Duration
}

func NewTrigger(db *gorm.DB, leads LeadSource, log logger.Logger, enqueueDelay time.Duration) *Trigger {
	return &Trigger{db: db, leads: leads, log: log, enqueueDelay: enqueueDelay}
}

// Tick fires every pending campaign whose scheduled time has passed. A
// campaign that fails is left pending and retried on the next tick; the
// others still run.
func (t *Trigger) Tick(ctx context.Context, now time.Time) error {
	now = now.UTC()
	var due []models.Campaign
	err := t.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.CampaignPending, now).
		Order("scheduled_at").
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("load due campaigns: %w", err)
	}

	for _, c := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := t.Fire(ctx, c, now)
		if err != nil {
			t.log.WithError(err).Error("campaign tick failed", map[string]interface{}{"campaign_id": c.ID})
			continue
		}
		t.log.Info("campaign finished", map[string]interface{}{"campaign_id": c.ID, "enqueued": n})
	}
	return nil
}

// Fire enqueues one message per matching lead and finishes the campaign, all
// in one transaction. It returns the number of new rows.
func (t *Trigger) Fire(ctx context.Context, c models.Campaign, now time.Time) (int, error) {
	devices, err := t.leads.ListDevices(ctx, c.UserID)
	if err != nil {
		return 0, err
	}

	type target struct {
		device string
		lead   models.Lead
	}
	var targets []target
	for _, d := range devices {
		leads, err := t.leads.FindMatchingLeads(ctx, d.ID, c.Niche, c.TargetStatus)
		if err != nil {
			return 0, err
		}
		if c.Limit > 0 && len(leads) > c.Limit {
			leads = leads[:c.Limit]
		}
		for _, l := range leads {
			targets = append(targets, target{device: d.ID, lead: l})
		}
	}

	inserted := 0
	finished := false
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tg := range targets {
			msg := &models.BroadcastMessage{
				DeviceID:        tg.device,
				RecipientPhone:  tg.lead.Phone,
				RecipientName:   tg.lead.Name,
				Content:         c.Message,
				MediaURL:        c.ImageURL,
				ScheduledAt:     now.Add(t.enqueueDelay),
				MinDelaySeconds: c.MinDelaySeconds,
				MaxDelaySeconds: c.MaxDelaySeconds,
			}
			msg.SetOrigin(models.CampaignOrigin(c.ID))
			ok, err := store.Enqueue(ctx, tx, msg)
			if err != nil {
				return err
			}
			if ok {
				inserted++
			}
		}

		res := tx.Model(&models.Campaign{}).
			Where("id = ? AND status = ?", c.ID, models.CampaignPending).
			Updates(map[string]interface{}{
				"status":      models.CampaignFinished,
				"finished_at": now,
				"version":     gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return fmt.Errorf("finish campaign %d: %w", c.ID, res.Error)
		}
		finished = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.MessagesEnqueued.WithLabelValues(models.OriginCampaign.String()).Add(float64(inserted))
	if finished {
		metrics.CampaignsFinished.Inc()
	}
	return inserted, nil
}
