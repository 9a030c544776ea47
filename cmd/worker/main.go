// Command worker runs device workers without the API or the scheduler. Any
// number of these can run next to the server; the device lease keeps one
// sender per device.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"whatsapp-dispatch/internal/config"
	"whatsapp-dispatch/internal/database"
	"whatsapp-dispatch/internal/directory"
	"whatsapp-dispatch/internal/health"
	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/store"
	"whatsapp-dispatch/internal/whatsapp"
	"whatsapp-dispatch/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zl.Sync()
	lg := logger.NewZapAdapter(zl)

	db, err := database.InitGorm(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	beats, err := health.NewRecorder(cfg)
	if err != nil {
		log.Fatalf("Failed to connect heartbeat store: %v", err)
	}
	defer beats.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := directory.New(db)
	pool := worker.NewPool(dir,
		worker.NewFactory(store.NewMessageStore(db), dir, whatsapp.NewClient(cfg), nil, beats, lg, worker.OptionsFromConfig(cfg)),
		cfg.Dispatch.DeviceRefresh, lg)

	lg.Info("worker pool starting", nil)
	if err := pool.Run(ctx); err != nil {
		lg.WithError(err).Error("worker pool stopped", nil)
	}
}
