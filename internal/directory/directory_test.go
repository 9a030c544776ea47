package directory

import (
	"context"
	"testing"

	"whatsapp-dispatch/internal/database/databasetest"
	"whatsapp-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) *Directory {
	db := databasetest.NewTestDB(t)
	require.NoError(t, db.Create(&[]models.Device{
		{ID: "dev-1", UserID: "u1", Status: models.DeviceOnline},
		{ID: "dev-2", UserID: "u1", Status: models.DeviceOffline},
		{ID: "dev-3", UserID: "u2", Status: models.DeviceOnline},
	}).Error)
	require.NoError(t, db.Create(&[]models.Lead{
		{DeviceID: "dev-1", Phone: "601", Niche: "Beauty, Skincare", TargetStatus: "prospect", Trigger: "promo1,vip"},
		{DeviceID: "dev-1", Phone: "602", Niche: "beauty", TargetStatus: "customer", Trigger: "promo1"},
		{DeviceID: "dev-1", Phone: "603", Niche: "beautyx", TargetStatus: "prospect", Trigger: "promo10"},
		{DeviceID: "dev-2", Phone: "604", Niche: "beauty", TargetStatus: "prospect", Trigger: "VIP"},
	}).Error)
	return New(db)
}

func TestFindMatchingLeads(t *testing.T) {
	d := seed(t)
	leads, err := d.FindMatchingLeads(context.Background(), "dev-1", "beauty", "prospect")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "601", leads[0].Phone)

	leads, err = d.FindMatchingLeads(context.Background(), "dev-1", "skincare", "prospect")
	require.NoError(t, err)
	assert.Len(t, leads, 1)
}

func TestFindLeadByTriggerMatchesWholeTokens(t *testing.T) {
	d := seed(t)

	leads, err := d.FindLeadByTrigger(context.Background(), "promo1")
	require.NoError(t, err)
	var phones []string
	for _, l := range leads {
		phones = append(phones, l.Phone)
	}
	assert.Equal(t, []string{"601", "602"}, phones)

	leads, err = d.FindLeadByTrigger(context.Background(), "vip")
	require.NoError(t, err)
	assert.Len(t, leads, 2)

	leads, err = d.FindLeadByTrigger(context.Background(), " ")
	require.NoError(t, err)
	assert.Empty(t, leads)
}

func TestDevices(t *testing.T) {
	d := seed(t)
	ctx := context.Background()

	dev, err := d.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.True(t, dev.Online())

	_, err = d.GetDevice(ctx, "nope")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	owned, err := d.ListDevices(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, owned, 2)

	online, err := d.ListOnlineDevices(ctx)
	require.NoError(t, err)
	require.Len(t, online, 2)
	assert.Equal(t, "dev-1", online[0].ID)
	assert.Equal(t, "dev-3", online[1].ID)
}
