package database

import (
	"context"
	"fmt"

	"whatsapp-dispatch/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TableCount is the number of rows copied into one table.
type TableCount struct {
	Table  string
	Copied int64
}

// serialTables have auto-increment ids that postgres tracks in a sequence.
var serialTables = []string{"campaigns", "sequences", "sequence_steps", "sequence_contacts"}

// CopyTables moves the engine-owned tables from src to dst, parents first.
// Rows whose primary key already exists in dst are skipped, so a failed copy
// can simply be run again. Leads, devices and leases are not copied.
func CopyTables(ctx context.Context, src, dst *gorm.DB, batch int) ([]TableCount, error) {
	if batch <= 0 {
		batch = 500
	}
	steps := []struct {
		table string
		copy  func(context.Context, *gorm.DB, *gorm.DB, int) (int64, error)
	}{
		{"campaigns", copyTable[models.Campaign]},
		{"sequences", copyTable[models.Sequence]},
		{"sequence_steps", copyTable[models.SequenceStep]},
		{"sequence_contacts", copyTable[models.SequenceContact]},
		{"broadcast_messages", copyTable[models.BroadcastMessage]},
	}

	out := make([]TableCount, 0, len(steps))
	for _, s := range steps {
		n, err := s.copy(ctx, src, dst, batch)
		if err != nil {
			return out, fmt.Errorf("copy %s: %w", s.table, err)
		}
		out = append(out, TableCount{Table: s.table, Copied: n})
	}
	return out, nil
}

func copyTable[T any](ctx context.Context, src, dst *gorm.DB, batch int) (int64, error) {
	var rows []T
	var copied int64
	err := src.WithContext(ctx).FindInBatches(&rows, batch, func(_ *gorm.DB, _ int) error {
		res := dst.WithContext(ctx).
			Omit(clause.Associations).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&rows)
		if res.Error != nil {
			return res.Error
		}
		copied += res.RowsAffected
		return nil
	}).Error
	return copied, err
}

// SyncSerials moves each postgres id sequence past the largest stored id.
// Needed after rows were inserted with explicit ids, as CopyTables does.
// It is a no-op on other databases.
func SyncSerials(ctx context.Context, db *gorm.DB) error {
	if !IsPostgres(db) {
		return nil
	}
	for _, table := range serialTables {
		query := "SELECT setval(pg_get_serial_sequence('" + table + "', 'id'), coalesce(max(id), 0) + 1, false) FROM " + table
		if err := db.WithContext(ctx).Exec(query).Error; err != nil {
			return fmt.Errorf("sync sequence for %s: %w", table, err)
		}
	}
	return nil
}
