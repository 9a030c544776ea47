package sequence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"whatsapp-dispatch/internal/apperr"
	"whatsapp-dispatch/internal/models"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("sequence not found")

type StepDefinition struct {
	Day               int    `json:"day"`
	Trigger           string `json:"trigger"`
	NextTrigger       string `json:"next_trigger"`
	TriggerDelayHours int    `json:"trigger_delay_hours"`
	IsEntryPoint      bool   `json:"is_entry_point"`
	Content           string `json:"content"`
	MediaURL          string `json:"media_url"`
	MinDelaySeconds   int    `json:"min_delay_seconds"`
	MaxDelaySeconds   int    `json:"max_delay_seconds"`
}

type Definition struct {
	UserID          string           `json:"user_id"`
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	Niche           string           `json:"niche"`
	Trigger         string           `json:"trigger"`
	Active          *bool            `json:"active"`
	MinDelaySeconds int              `json:"min_delay_seconds"`
	MaxDelaySeconds int              `json:"max_delay_seconds"`
	Steps           []StepDefinition `json:"steps"`
}

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

func delays(min, max int) (int, int) {
	if min < 0 {
		min = 0
	}
	if max < 0 {
		max = 0
	}
	if max < min {
		return max, min
	}
	return min, max
}

// buildSteps validates the step graph and returns the rows to store, ordered
// by day. When no step is flagged as an entry point the lowest day becomes one.
func buildSteps(defs []StepDefinition) ([]models.SequenceStep, error) {
	if len(defs) == 0 {
		return nil, apperr.Validation("a sequence needs at least one step")
	}

	steps := make([]models.SequenceStep, 0, len(defs))
	byTrigger := make(map[string]int, len(defs))
	for i, d := range defs {
		trigger := strings.TrimSpace(d.Trigger)
		if trigger == "" {
			return nil, apperr.Validation("step %d has no trigger", i+1)
		}
		if _, dup := byTrigger[trigger]; dup {
			return nil, apperr.Validation("trigger %q is used by more than one step", trigger)
		}
		if strings.TrimSpace(d.Content) == "" && strings.TrimSpace(d.MediaURL) == "" {
			return nil, apperr.Validation("step %q has no content or media", trigger)
		}
		byTrigger[trigger] = i
		minDelay, maxDelay := delays(d.MinDelaySeconds, d.MaxDelaySeconds)
		steps = append(steps, models.SequenceStep{
			Day:               d.Day,
			Trigger:           trigger,
			NextTrigger:       strings.TrimSpace(d.NextTrigger),
			TriggerDelayHours: d.TriggerDelayHours,
			IsEntryPoint:      d.IsEntryPoint,
			Content:           d.Content,
			MediaURL:          d.MediaURL,
			MinDelaySeconds:   minDelay,
			MaxDelaySeconds:   maxDelay,
		})
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Day < steps[j].Day })

	hasEntry := false
	for _, s := range steps {
		hasEntry = hasEntry || s.IsEntryPoint
	}
	if !hasEntry {
		steps[0].IsEntryPoint = true
	}

	// Every chain must end, either at an empty next trigger or at one that no
	// step carries.
	index := make(map[string]models.SequenceStep, len(steps))
	for _, s := range steps {
		index[s.Trigger] = s
	}
	for _, s := range steps {
		seen := map[string]bool{s.Trigger: true}
		cur := s
		for cur.NextTrigger != "" {
			nxt, ok := index[cur.NextTrigger]
			if !ok {
				break
			}
			if seen[nxt.Trigger] {
				return nil, apperr.Validation("next_trigger chain from %q loops back to %q", s.Trigger, nxt.Trigger)
			}
			seen[nxt.Trigger] = true
			cur = nxt
		}
	}
	return steps, nil
}

func (s *Service) CreateSequence(ctx context.Context, def Definition) (*models.Sequence, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	steps, err := buildSteps(def.Steps)
	if err != nil {
		return nil, err
	}

	trigger := strings.TrimSpace(def.Trigger)
	if trigger == "" {
		for _, st := range steps {
			if st.IsEntryPoint {
				trigger = st.Trigger
				break
			}
		}
	}
	active := true
	if def.Active != nil {
		active = *def.Active
	}
	minDelay, maxDelay := delays(def.MinDelaySeconds, def.MaxDelaySeconds)

	seq := &models.Sequence{
		UserID:          def.UserID,
		Name:            name,
		Description:     def.Description,
		Niche:           def.Niche,
		Trigger:         trigger,
		Active:          active,
		MinDelaySeconds: minDelay,
		MaxDelaySeconds: maxDelay,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(seq).Error; err != nil {
			return err
		}
		for i := range steps {
			steps[i].SequenceID = seq.ID
		}
		return tx.Create(&steps).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}
	seq.Steps = steps
	return seq, nil
}

func (s *Service) Get(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("day, id") }).
		First(&seq, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

// List returns sequences without their steps. An empty userID lists all.
func (s *Service) List(ctx context.Context, userID string) ([]models.Sequence, error) {
	var out []models.Sequence
	q := s.db.WithContext(ctx).Order("id DESC")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	return out, nil
}

// ContactCounts groups a sequence's contacts by status.
func (s *Service) ContactCounts(ctx context.Context, id uint) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&models.SequenceContact{}).
		Select("status, COUNT(*) AS n").
		Where("sequence_id = ?", id).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count contacts for sequence %d: %w", id, err)
	}
	out := map[string]int64{
		models.ContactActive:    0,
		models.ContactPending:   0,
		models.ContactCompleted: 0,
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
