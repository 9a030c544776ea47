// Package sequence runs the per-contact drip state machine. A contact enters
// through an entry-point step, and each fire emits that step's message and
// moves the contact to the step whose trigger equals the current step's
// next trigger.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/metrics"
	"whatsapp-dispatch/internal/models"
	"whatsapp-dispatch/internal/store"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errStale aborts a fire transaction when another tick moved the contact first.
var errStale = errors.New("contact changed concurrently")

type LeadFinder interface {
	FindLeadByTrigger(ctx context.Context, trigger string) ([]models.Lead, error)
}

type Engine struct {
	db    *gorm.DB
	leads LeadFinder
	log   logger.Logger
	batch int
}

func NewEngine(db *gorm.DB, leads LeadFinder, log logger.Logger, batch int) *Engine {
	if batch <= 0 {
		batch = 200
	}
	return &Engine{db: db, leads: leads, log: log, batch: batch}
}

type TickResult struct {
	Enrolled  int
	Promoted  int64
	Fired     int
	Completed int
}

// Tick enrolls new contacts, promotes pending contacts whose wait is over and
// fires every active contact that is due.
func (e *Engine) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	var err error
	now = now.UTC()

	if res.Enrolled, err = e.Enroll(ctx, now); err != nil {
		return res, err
	}
	if res.Promoted, err = e.PromoteDue(ctx, now); err != nil {
		return res, err
	}
	res.Fired, res.Completed, err = e.FireDue(ctx, now)
	if res.Enrolled+res.Fired > 0 || res.Promoted > 0 {
		e.log.Info("sequence tick", map[string]interface{}{
			"enrolled":  res.Enrolled,
			"promoted":  res.Promoted,
			"fired":     res.Fired,
			"completed": res.Completed,
		})
	}
	return res, err
}

// Enroll creates a contact row for every lead carrying an entry-point trigger
// of an active sequence. The unique (sequence_id, contact_phone) index turns
// repeat enrollment, including after completion, into a no-op.
func (e *Engine) Enroll(ctx context.Context, now time.Time) (int, error) {
	var seqs []models.Sequence
	err := e.db.WithContext(ctx).
		Preload("Steps", "is_entry_point = ?", true).
		Where("active = ?", true).
		Order("id").
		Find(&seqs).Error
	if err != nil {
		return 0, fmt.Errorf("load active sequences: %w", err)
	}

	enrolled := 0
	for _, seq := range seqs {
		for _, step := range seq.Steps {
			leads, err := e.leads.FindLeadByTrigger(ctx, step.Trigger)
			if err != nil {
				return enrolled, err
			}
			for _, lead := range leads {
				if strings.TrimSpace(lead.Phone) == "" {
					continue
				}
				c := newContact(seq, step, lead, now)
				res := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&c)
				if res.Error != nil {
					return enrolled, fmt.Errorf("enroll %s in sequence %d: %w", lead.Phone, seq.ID, res.Error)
				}
				if res.RowsAffected == 1 {
					enrolled++
					metrics.SequenceTransitions.WithLabelValues(c.Status).Inc()
				}
			}
		}
	}
	return enrolled, nil
}

func newContact(seq models.Sequence, entry models.SequenceStep, lead models.Lead, now time.Time) models.SequenceContact {
	c := models.SequenceContact{
		SequenceID:      seq.ID,
		ContactPhone:    lead.Phone,
		ContactName:     lead.Name,
		DeviceID:        lead.DeviceID,
		CurrentStep:     entry.Day,
		CurrentStepID:   entry.ID,
		CurrentTrigger:  entry.Trigger,
		Status:          models.ContactActive,
		NextTriggerTime: now.Add(entry.Delay()),
	}
	if entry.Delay() > 0 {
		c.Status = models.ContactPending
	}
	return c
}

// PromoteDue makes pending contacts whose next_trigger_time has passed active.
func (e *Engine) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	res := e.db.WithContext(ctx).Model(&models.SequenceContact{}).
		Where("status = ? AND next_trigger_time <= ?", models.ContactPending, now).
		Updates(map[string]interface{}{
			"status":  models.ContactActive,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("promote due contacts: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		metrics.SequenceTransitions.WithLabelValues(models.ContactActive).Add(float64(res.RowsAffected))
	}
	return res.RowsAffected, nil
}

type stepIndex struct {
	byID      map[uint]models.SequenceStep
	byTrigger map[uint]map[string]models.SequenceStep
	seqs      map[uint]models.Sequence
}

func (ix stepIndex) next(current models.SequenceStep) (models.SequenceStep, bool) {
	if strings.TrimSpace(current.NextTrigger) == "" {
		return models.SequenceStep{}, false
	}
	s, ok := ix.byTrigger[current.SequenceID][current.NextTrigger]
	return s, ok
}

// FireDue fires up to one batch of due active contacts. It returns how many
// messages were emitted and how many contacts completed.
func (e *Engine) FireDue(ctx context.Context, now time.Time) (int, int, error) {
	var due []models.SequenceContact
	err := e.db.WithContext(ctx).
		Where("status = ? AND next_trigger_time <= ?", models.ContactActive, now).
		Where("sequence_id IN (?)", e.db.Model(&models.Sequence{}).Select("id").Where("active = ?", true)).
		Order("next_trigger_time").
		Limit(e.batch).
		Find(&due).Error
	if err != nil {
		return 0, 0, fmt.Errorf("load due contacts: %w", err)
	}
	if len(due) == 0 {
		return 0, 0, nil
	}

	ix, err := e.loadSteps(ctx, due)
	if err != nil {
		return 0, 0, err
	}

	fired, completed := 0, 0
	for _, c := range due {
		if ctx.Err() != nil {
			return fired, completed, ctx.Err()
		}
		sent, done, err := e.fire(ctx, ix, c, now)
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			e.log.WithError(err).Error("sequence fire failed", map[string]interface{}{
				"contact_id":  c.ID,
				"sequence_id": c.SequenceID,
			})
			continue
		}
		if sent {
			fired++
		}
		if done {
			completed++
		}
	}
	return fired, completed, nil
}

func (e *Engine) loadSteps(ctx context.Context, contacts []models.SequenceContact) (stepIndex, error) {
	ids := make([]uint, 0, len(contacts))
	seen := map[uint]bool{}
	for _, c := range contacts {
		if !seen[c.SequenceID] {
			seen[c.SequenceID] = true
			ids = append(ids, c.SequenceID)
		}
	}

	var seqs []models.Sequence
	if err := e.db.WithContext(ctx).Preload("Steps").Where("id IN ?", ids).Find(&seqs).Error; err != nil {
		return stepIndex{}, fmt.Errorf("load sequence steps: %w", err)
	}

	ix := stepIndex{
		byID:      map[uint]models.SequenceStep{},
		byTrigger: map[uint]map[string]models.SequenceStep{},
		seqs:      map[uint]models.Sequence{},
	}
	for _, seq := range seqs {
		ix.seqs[seq.ID] = seq
		ix.byTrigger[seq.ID] = map[string]models.SequenceStep{}
		for _, st := range seq.Steps {
			ix.byID[st.ID] = st
			ix.byTrigger[seq.ID][st.Trigger] = st
		}
	}
	return ix, nil
}

// fire emits the message for the contact's current step and moves the contact
// on, in one transaction. The contact update is guarded by its version, so of
// two concurrent ticks only one succeeds and the other gets errStale.
func (e *Engine) fire(ctx context.Context, ix stepIndex, c models.SequenceContact, now time.Time) (sent, completed bool, err error) {
	current, ok := ix.byID[c.CurrentStepID]
	if !ok || current.SequenceID != c.SequenceID {
		// The bound step was removed from the sequence.
		err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return transition(tx, c, completeUpdates(now))
		})
		if err == nil {
			metrics.SequenceTransitions.WithLabelValues(models.ContactCompleted).Inc()
		}
		return false, err == nil, err
	}

	updates := completeUpdates(now)
	next, hasNext := ix.next(current)
	if hasNext {
		status := models.ContactActive
		if next.Delay() > 0 {
			status = models.ContactPending
		}
		updates = map[string]interface{}{
			"status":            status,
			"current_step":      next.Day,
			"current_step_id":   next.ID,
			"current_trigger":   next.Trigger,
			"next_trigger_time": now.Add(next.Delay()),
		}
	}

	seq := ix.seqs[c.SequenceID]
	msg := stepMessage(seq, current, c, now)
	inserted := false
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, c, updates); err != nil {
			return err
		}
		ok, err := store.Enqueue(ctx, tx, msg)
		inserted = ok
		return err
	})
	if err != nil {
		return false, false, err
	}

	if inserted {
		metrics.MessagesEnqueued.WithLabelValues(models.OriginSequence.String()).Inc()
	}
	metrics.SequenceTransitions.WithLabelValues(updates["status"].(string)).Inc()
	return inserted, !hasNext, nil
}

func completeUpdates(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":       models.ContactCompleted,
		"completed_at": now,
	}
}

func transition(tx *gorm.DB, c models.SequenceContact, updates map[string]interface{}) error {
	updates["version"] = gorm.Expr("version + 1")
	res := tx.Model(&models.SequenceContact{}).
		Where("id = ? AND version = ? AND status = ?", c.ID, c.Version, models.ContactActive).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("advance contact %d: %w", c.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return errStale
	}
	return nil
}

func stepMessage(seq models.Sequence, step models.SequenceStep, c models.SequenceContact, now time.Time) *models.BroadcastMessage {
	minDelay, maxDelay := step.MinDelaySeconds, step.MaxDelaySeconds
	if minDelay <= 0 && maxDelay <= 0 {
		minDelay, maxDelay = seq.MinDelaySeconds, seq.MaxDelaySeconds
	}
	msg := &models.BroadcastMessage{
		DeviceID:        c.DeviceID,
		RecipientPhone:  c.ContactPhone,
		RecipientName:   c.ContactName,
		Content:         step.Content,
		MediaURL:        step.MediaURL,
		ScheduledAt:     now,
		MinDelaySeconds: minDelay,
		MaxDelaySeconds: maxDelay,
	}
	msg.SetOrigin(models.SequenceOrigin(seq.ID, step.ID))
	return msg
}
