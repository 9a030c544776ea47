package database

import (
	"context"
	"testing"
	"time"

	"whatsapp-dispatch/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestCopyTablesIsRerunnable(t *testing.T) {
	ctx := context.Background()
	src := newTestDB(t)
	dst := newTestDB(t)

	at := time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC)
	c := models.Campaign{UserID: "u1", Niche: "skincare", Message: "hi", ScheduledAt: at}
	require.NoError(t, src.Create(&c).Error)
	seq := models.Sequence{Name: "Welcome", Active: true, Steps: []models.SequenceStep{
		{Day: 1, Trigger: "w1", NextTrigger: "w2", IsEntryPoint: true, Content: "a"},
		{Day: 2, Trigger: "w2", Content: "b"},
	}}
	require.NoError(t, src.Create(&seq).Error)
	require.NoError(t, src.Create(&models.SequenceContact{SequenceID: seq.ID, ContactPhone: "60111", Status: models.ContactActive}).Error)
	for i, phone := range []string{"60111", "60112", "60113"} {
		require.NoError(t, src.Create(&models.BroadcastMessage{
			ID:             "m" + phone,
			DeviceID:       "dev-1",
			RecipientPhone: phone,
			CampaignID:     &c.ID,
			Status:         models.MessagePending,
			ScheduledAt:    at.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	counts, err := CopyTables(ctx, src, dst, 2)
	require.NoError(t, err)
	assert.Equal(t, []TableCount{
		{Table: "campaigns", Copied: 1},
		{Table: "sequences", Copied: 1},
		{Table: "sequence_steps", Copied: 2},
		{Table: "sequence_contacts", Copied: 1},
		{Table: "broadcast_messages", Copied: 3},
	}, counts)

	var got models.Campaign
	require.NoError(t, dst.First(&got, c.ID).Error)
	assert.Equal(t, at, got.ScheduledAt.UTC())

	counts, err = CopyTables(ctx, src, dst, 2)
	require.NoError(t, err)
	for _, tc := range counts {
		assert.Zero(t, tc.Copied, tc.Table)
	}

	var n int64
	require.NoError(t, dst.Model(&models.SequenceStep{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}

func TestSyncSerials(t *testing.T) {
	assert.NoError(t, SyncSerials(context.Background(), newTestDB(t)))

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	for _, table := range serialTables {
		mock.ExpectExec(`SELECT setval\(pg_get_serial_sequence\('` + table + `', 'id'\).* FROM ` + table).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	require.NoError(t, SyncSerials(context.Background(), gdb))
	assert.NoError(t, mock.ExpectationsWereMet())
}
