package store

import (
	"context"
	"fmt"
	"time"

	"whatsapp-dispatch/internal/models"

	"gorm.io/gorm"
)

// Filter narrows status queries. Zero values are ignored. From is inclusive,
// To is exclusive; both apply to scheduled_at.
type Filter struct {
	DeviceID   string
	CampaignID uint
	SequenceID uint
	Status     string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

type StatusCounts struct {
	Sent       int64 `json:"sent"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.DeviceID != "" {
		q = q.Where("device_id = ?", f.DeviceID)
	}
	if f.CampaignID != 0 {
		q = q.Where("campaign_id = ?", f.CampaignID)
	}
	if f.SequenceID != 0 {
		q = q.Where("sequence_id = ?", f.SequenceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		q = q.Where("scheduled_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("scheduled_at < ?", f.To.UTC())
	}
	return q
}

// Stats counts messages per status. Every predicate, including the date
// range, is evaluated by the database.
func (s *MessageStore) Stats(ctx context.Context, f Filter) (StatusCounts, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	q := f.apply(s.db.WithContext(ctx).Model(&models.BroadcastMessage{}))
	if err := q.Select("status, COUNT(*) AS count").Group("status").Scan(&rows).Error; err != nil {
		return StatusCounts{}, fmt.Errorf("message stats: %w", err)
	}

	var out StatusCounts
	for _, r := range rows {
		switch r.Status {
		case models.MessageSent:
			out.Sent = r.Count
		case models.MessagePending:
			out.Pending = r.Count
		case models.MessageProcessing:
			out.Processing = r.Count
		case models.MessageFailed:
			out.Failed = r.Count
		}
		out.Total += r.Count
	}
	return out, nil
}

// List returns matching messages, most recently scheduled first.
func (s *MessageStore) List(ctx context.Context, f Filter) ([]models.BroadcastMessage, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var msgs []models.BroadcastMessage
	q := f.apply(s.db.WithContext(ctx).Model(&models.BroadcastMessage{}))
	if err := q.Order("scheduled_at DESC").Limit(limit).Offset(f.Offset).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
