package store

import (
	"context"
	"fmt"
	"time"

	"whatsapp-dispatch/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AcquireDeviceLease makes workerID the only sender for deviceID until ttl
// elapses. It succeeds when the lease is free, expired or already held by
// workerID, and renews it in that case.
func (s *MessageStore) AcquireDeviceLease(ctx context.Context, deviceID, workerID string, ttl time.Duration) (bool, error) {
	now := s.now()
	db := s.db.WithContext(ctx)

	created := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.DeviceLease{
		DeviceID:  deviceID,
		WorkerID:  workerID,
		ExpiresAt: now.Add(ttl),
	})
	if created.Error != nil {
		return false, fmt.Errorf("create lease for device %s: %w", deviceID, created.Error)
	}
	if created.RowsAffected == 1 {
		return true, nil
	}

	res := db.Model(&models.DeviceLease{}).
		Where("device_id = ? AND (worker_id = ? OR expires_at < ?)", deviceID, workerID, now).
		Updates(map[string]interface{}{
			"worker_id":  workerID,
			"expires_at": now.Add(ttl),
			"version":    gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("renew lease for device %s: %w", deviceID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *MessageStore) ReleaseDeviceLease(ctx context.Context, deviceID, workerID string) error {
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND worker_id = ?", deviceID, workerID).
		Delete(&models.DeviceLease{}).Error
	if err != nil {
		return fmt.Errorf("release lease for device %s: %w", deviceID, err)
	}
	return nil
}
