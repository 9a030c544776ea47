// Package directory reads leads and devices. Both tables are written by other
// services; this package only queries them.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"whatsapp-dispatch/internal/models"

	"gorm.io/gorm"
)

var ErrDeviceNotFound = errors.New("device not found")

type Directory struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// tokenMatch matches value against a comma separated column, ignoring case and
// spaces around the tokens. The column is quoted because trigger is a keyword.
func tokenMatch(column string) string {
	return fmt.Sprintf(`(',' || LOWER(REPLACE("%s", ' ', '')) || ',') LIKE ?`, column)
}

func tokenPattern(v string) string {
	return "%," + strings.ToLower(strings.ReplaceAll(v, " ", "")) + ",%"
}

// FindMatchingLeads returns the device's leads tagged with niche whose status
// equals targetStatus.
func (d *Directory) FindMatchingLeads(ctx context.Context, deviceID, niche, targetStatus string) ([]models.Lead, error) {
	var leads []models.Lead
	err := d.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Where(tokenMatch("niche"), tokenPattern(niche)).
		Where("target_status = ?", targetStatus).
		Order("id").
		Find(&leads).Error
	if err != nil {
		return nil, fmt.Errorf("find leads for device %s: %w", deviceID, err)
	}
	return leads, nil
}

// FindLeadByTrigger returns every lead carrying trigger.
func (d *Directory) FindLeadByTrigger(ctx context.Context, trigger string) ([]models.Lead, error) {
	if strings.TrimSpace(trigger) == "" {
		return nil, nil
	}
	var leads []models.Lead
	err := d.db.WithContext(ctx).
		Where(tokenMatch("trigger"), tokenPattern(trigger)).
		Order("id").
		Find(&leads).Error
	if err != nil {
		return nil, fmt.Errorf("find leads by trigger %q: %w", trigger, err)
	}
	return leads, nil
}

func (d *Directory) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var dev models.Device
	err := d.db.WithContext(ctx).First(&dev, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return &dev, nil
}

// ListDevices returns the devices owned by userID.
func (d *Directory) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	var devs []models.Device
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&devs).Error; err != nil {
		return nil, fmt.Errorf("list devices for user %s: %w", userID, err)
	}
	return devs, nil
}

func (d *Directory) ListOnlineDevices(ctx context.Context) ([]models.Device, error) {
	var devs []models.Device
	if err := d.db.WithContext(ctx).Where("status = ?", models.DeviceOnline).Order("id").Find(&devs).Error; err != nil {
		return nil, fmt.Errorf("list online devices: %w", err)
	}
	return devs, nil
}
