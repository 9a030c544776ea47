// Package store owns the broadcast_messages table: enqueueing, the atomic
// claim-lock, the stale-lease sweep and every delivery state transition.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"whatsapp-dispatch/internal/apperr"
	"whatsapp-dispatch/internal/database"
	"whatsapp-dispatch/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound      = errors.New("message not found")
	ErrNotCancelable = errors.New("message is not pending")
)

type MessageStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source. Used by tests.
func (s *MessageStore) WithClock(now func() time.Time) *MessageStore {
	s.now = now
	return s
}

// Enqueue inserts msg unless a row for the same origin and recipient already
// exists. It reports whether a row was written. tx may be a transaction.
func Enqueue(ctx context.Context, tx *gorm.DB, msg *models.BroadcastMessage) (bool, error) {
	if msg.Origin().Kind == models.OriginUnknown {
		return false, apperr.Validation("message for %s has no origin", msg.RecipientPhone)
	}
	if msg.Status == "" {
		msg.Status = models.MessagePending
	}
	msg.ScheduledAt = msg.ScheduledAt.UTC()

	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("enqueue message for %s: %w", msg.RecipientPhone, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *MessageStore) Enqueue(ctx context.Context, msg *models.BroadcastMessage) (bool, error) {
	return Enqueue(ctx, s.db, msg)
}

// ClaimDue moves up to batchSize due pending messages of deviceID to
// processing under workerID and returns them oldest-due first. Selection and
// transition happen in one statement, so concurrent callers never receive the
// same row.
func (s *MessageStore) ClaimDue(ctx context.Context, deviceID string, batchSize int, workerID string) ([]models.BroadcastMessage, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := s.now()

	due := s.db.Model(&models.BroadcastMessage{}).
		Select("id").
		Where("device_id = ? AND status = ? AND scheduled_at <= ?", deviceID, models.MessagePending, now).
		Order("scheduled_at").
		Limit(batchSize)
	if database.IsPostgres(s.db) {
		due = due.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var claimed []models.BroadcastMessage
	err := s.db.WithContext(ctx).
		Model(&claimed).
		Clauses(clause.Returning{}).
		Where("id IN (?)", due).
		Where("status = ?", models.MessagePending).
		Updates(map[string]interface{}{
			"status":               models.MessageProcessing,
			"processing_worker_id": workerID,
			"claimed_at":           now,
			"updated_at":           now,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("claim due messages for device %s: %w", deviceID, err)
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].ScheduledAt.Before(claimed[j].ScheduledAt)
	})
	return claimed, nil
}

// RenewClaim refreshes claimed_at on a row workerID still holds. It reports
// false when the claim was swept or taken by another worker, in which case the
// caller must not send the message.
func (s *MessageStore) RenewClaim(ctx context.Context, id, workerID string) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&models.BroadcastMessage{}).
		Where("id = ? AND status = ? AND processing_worker_id = ?", id, models.MessageProcessing, workerID).
		Updates(map[string]interface{}{
			"claimed_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("renew claim on message %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseClaims hands unsent rows held by workerID back to pending without
// counting an attempt.
func (s *MessageStore) ReleaseClaims(ctx context.Context, ids []string, workerID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.BroadcastMessage{}).
		Where("id IN ? AND status = ? AND processing_worker_id = ?", ids, models.MessageProcessing, workerID).
		Updates(map[string]interface{}{
			"status":               models.MessagePending,
			"processing_worker_id": nil,
			"claimed_at":           nil,
			"updated_at":           s.now(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release claims: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// SweepStale returns processing rows whose claim is older than lease to
// pending. The attempt counter is left alone.
func (s *MessageStore) SweepStale(ctx context.Context, lease time.Duration) (int64, error) {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&models.BroadcastMessage{}).
		Where("status = ? AND claimed_at < ?", models.MessageProcessing, now.Add(-lease)).
		Updates(map[string]interface{}{
			"status":               models.MessagePending,
			"processing_worker_id": nil,
			"claimed_at":           nil,
			"updated_at":           now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep stale claims: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// MarkSent records a delivery. A row that was swept back to pending after the
// send is still marked, which keeps it from being delivered twice.
func (s *MessageStore) MarkSent(ctx context.Context, id string) error {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&models.BroadcastMessage{}).
		Where("id = ? AND status IN ?", id, []string{models.MessagePending, models.MessageProcessing}).
		Updates(map[string]interface{}{
			"status":               models.MessageSent,
			"sent_at":              now,
			"processing_worker_id": nil,
			"error_code":           "",
			"error_message":        "",
			"updated_at":           now,
		})
	if res.Error != nil {
		return fmt.Errorf("mark message %s sent: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue handles a transient failure: the message goes back to pending with
// scheduled_at pushed out by backoff, or to failed once maxAttempts is
// reached. It reports the resulting status. The update only applies while
// workerID still holds the claim.
func (s *MessageStore) Requeue(ctx context.Context, msg models.BroadcastMessage, workerID string, cause error, backoff time.Duration, maxAttempts int) (string, error) {
	now := s.now()
	attempts := msg.Attempts + 1
	updates := map[string]interface{}{
		"attempts":             attempts,
		"processing_worker_id": nil,
		"claimed_at":           nil,
		"error_code":           string(apperr.CodeOf(cause)),
		"error_message":        cause.Error(),
		"updated_at":           now,
	}
	status := models.MessagePending
	if attempts >= maxAttempts {
		status = models.MessageFailed
		updates["error_code"] = string(apperr.CodeRetriesExhausted)
		updates["error_message"] = fmt.Sprintf("gave up after %d attempts: %s", attempts, cause.Error())
	} else {
		updates["scheduled_at"] = now.Add(backoff)
	}
	updates["status"] = status

	res := s.db.WithContext(ctx).
		Model(&models.BroadcastMessage{}).
		Where("id = ? AND status = ? AND processing_worker_id = ?", msg.ID, models.MessageProcessing, workerID).
		Updates(updates)
	if res.Error != nil {
		return "", fmt.Errorf("requeue message %s: %w", msg.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrNotFound
	}
	return status, nil
}

// MarkFailed records a permanent failure.
func (s *MessageStore) MarkFailed(ctx context.Context, id, workerID string, cause error) error {
	now := s.now()
	res := s.db.WithContext(ctx).
		Model(&models.BroadcastMessage{}).
		Where("id = ? AND status = ? AND processing_worker_id = ?", id, models.MessageProcessing, workerID).
		Updates(map[string]interface{}{
			"status":               models.MessageFailed,
			"processing_worker_id": nil,
			"error_code":           string(apperr.CodeOf(cause)),
			"error_message":        cause.Error(),
			"updated_at":           now,
		})
	if res.Error != nil {
		return fmt.Errorf("mark message %s failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel deletes a message that has not been claimed yet.
func (s *MessageStore) Cancel(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, models.MessagePending).
		Delete(&models.BroadcastMessage{})
	if res.Error != nil {
		return fmt.Errorf("cancel message %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.BroadcastMessage{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("cancel message %s: %w", id, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrNotCancelable
}

func (s *MessageStore) Get(ctx context.Context, id string) (*models.BroadcastMessage, error) {
	var msg models.BroadcastMessage
	err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// CountSentSince counts messages the device delivered at or after since.
func (s *MessageStore) CountSentSince(ctx context.Context, deviceID string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.BroadcastMessage{}).
		Where("device_id = ? AND status = ? AND sent_at >= ?", deviceID, models.MessageSent, since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count sent for device %s: %w", deviceID, err)
	}
	return count, nil
}
