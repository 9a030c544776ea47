package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsapp-dispatch/internal/apperr"
	"whatsapp-dispatch/internal/models"

	"gorm.io/gorm"
)

const DefaultTargetStatus = "prospect"

var ErrNotFound = errors.New("campaign not found")

// Definition is the user-entered campaign. CampaignDate and TimeSchedule are
// wall-clock values in the service's display timezone.
type Definition struct {
	UserID          string `json:"user_id"`
	Title           string `json:"title"`
	Niche           string `json:"niche"`
	TargetStatus    string `json:"target_status"`
	Message         string `json:"message"`
	ImageURL        string `json:"image_url"`
	CampaignDate    string `json:"campaign_date"`
	TimeSchedule    string `json:"time_schedule"`
	MinDelaySeconds int    `json:"min_delay_seconds"`
	MaxDelaySeconds int    `json:"max_delay_seconds"`
	Limit           int    `json:"limit"`
}

type Service struct {
	db  *gorm.DB
	loc *time.Location
}

func NewService(db *gorm.DB, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{db: db, loc: loc}
}

// ScheduledAt converts a wall-clock date and time in loc to UTC.
func ScheduledAt(date, clock string, loc *time.Location) (time.Time, error) {
	if strings.TrimSpace(clock) == "" {
		clock = "00:00"
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(date)+" "+strings.TrimSpace(clock), loc)
	if err != nil {
		return time.Time{}, apperr.Validation("campaign_date/time_schedule must be YYYY-MM-DD and HH:MM: %v", err)
	}
	return t.UTC(), nil
}

func normalizeDelays(min, max int) (int, int) {
	if min < 0 {
		min = 0
	}
	if max < 0 {
		max = 0
	}
	if max < min {
		min, max = max, min
	}
	return min, max
}

func (s *Service) CreateCampaign(ctx context.Context, def Definition) (*models.Campaign, error) {
	if strings.TrimSpace(def.UserID) == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if strings.TrimSpace(def.Niche) == "" {
		return nil, apperr.Validation("niche is required")
	}
	if strings.TrimSpace(def.Message) == "" && strings.TrimSpace(def.ImageURL) == "" {
		return nil, apperr.Validation("message or image_url is required")
	}
	if def.Limit < 0 {
		return nil, apperr.Validation("limit must not be negative")
	}
	at, err := ScheduledAt(def.CampaignDate, def.TimeSchedule, s.loc)
	if err != nil {
		return nil, err
	}
	target := strings.TrimSpace(def.TargetStatus)
	if target == "" {
		target = DefaultTargetStatus
	}
	minDelay, maxDelay := normalizeDelays(def.MinDelaySeconds, def.MaxDelaySeconds)

	c := &models.Campaign{
		UserID:          def.UserID,
		Title:           def.Title,
		Niche:           strings.TrimSpace(def.Niche),
		TargetStatus:    target,
		Message:         def.Message,
		ImageURL:        def.ImageURL,
		CampaignDate:    def.CampaignDate,
		TimeSchedule:    def.TimeSchedule,
		Timezone:        s.loc.String(),
		ScheduledAt:     at,
		MinDelaySeconds: minDelay,
		MaxDelaySeconds: maxDelay,
		Limit:           def.Limit,
		Status:          models.CampaignPending,
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uint) (*models.Campaign, error) {
	var c models.Campaign
	err := s.db.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns campaigns, newest first. An empty userID lists all.
func (s *Service) List(ctx context.Context, userID string) ([]models.Campaign, error) {
	var out []models.Campaign
	q := s.db.WithContext(ctx).Order("scheduled_at DESC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return out, nil
}
