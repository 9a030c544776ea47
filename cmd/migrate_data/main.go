// Command migrate_data copies the dispatch tables from a local SQLite file
// into the configured postgres database and then resyncs the id sequences.
package main

import (
	"context"
	"log"
	"os"

	"whatsapp-dispatch/internal/config"
	"whatsapp-dispatch/internal/database"
	"whatsapp-dispatch/internal/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg := logger.NewStructured(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.Database.Driver != "postgres" {
		log.Fatalf("database.driver must be postgres to migrate into, got %q", cfg.Database.Driver)
	}
	source := cfg.Database.Path
	if len(os.Args) > 1 {
		source = os.Args[1]
	}

	sqliteDB, err := gorm.Open(sqlite.Open(source), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		log.Fatalf("Failed to connect to SQLite: %v", err)
	}
	pgDB, err := database.InitGorm(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}

	ctx := context.Background()
	lg.Info("starting data migration", map[string]interface{}{"source": source})
	counts, err := database.CopyTables(ctx, sqliteDB, pgDB, 500)
	for _, c := range counts {
		lg.Info("table migrated", map[string]interface{}{"table": c.Table, "copied": c.Copied})
	}
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	if err := database.SyncSerials(ctx, pgDB); err != nil {
		log.Fatalf("Failed to sync sequences: %v", err)
	}
	lg.Info("migration completed", nil)
}
