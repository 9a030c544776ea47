package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-dispatch/internal/api"
	"whatsapp-dispatch/internal/campaign"
	"whatsapp-dispatch/internal/config"
	"whatsapp-dispatch/internal/database"
	"whatsapp-dispatch/internal/directory"
	"whatsapp-dispatch/internal/dispatch"
	"whatsapp-dispatch/internal/health"
	"whatsapp-dispatch/internal/logger"
	"whatsapp-dispatch/internal/sequence"
	"whatsapp-dispatch/internal/store"
	"whatsapp-dispatch/internal/whatsapp"
	"whatsapp-dispatch/internal/worker"
	"whatsapp-dispatch/internal/ws"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zl.Sync()
	lg := logger.NewZapAdapter(zl)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

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

	loc := cfg.Location()
	messages := store.NewMessageStore(db)
	dir := directory.New(db)
	hub := ws.NewHub(lg)
	go hub.Run(ctx)

	sched := dispatch.New(lg)
	err = sched.RegisterDefaults(cfg.Dispatch,
		campaign.NewTrigger(db, dir, lg, cfg.Dispatch.EnqueueDelay),
		sequence.NewEngine(db, dir, lg, cfg.Dispatch.SequenceBatch),
		messages,
	)
	if err != nil {
		log.Fatalf("Failed to register scheduled jobs: %v", err)
	}
	sched.Start(ctx)

	pool := worker.NewPool(dir,
		worker.NewFactory(messages, dir, whatsapp.NewClient(cfg), hub, beats, lg, worker.OptionsFromConfig(cfg)),
		cfg.Dispatch.DeviceRefresh, lg)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	router := api.NewRouter(api.Deps{
		Campaigns: campaign.NewService(db, loc),
		Sequences: sequence.NewService(db),
		Messages:  messages,
		Beats:     beats,
		Hub:       hub,
		Location:  loc,
		Log:       lg,
	})
	srv := &http.Server{Addr: ":" + cfg.App.Port, Handler: router}

	go func() {
		lg.Info("server starting", map[string]interface{}{"port": cfg.App.Port, "display_timezone": loc.String()})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.WithError(err).Error("server failed", nil)
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.WithError(err).Error("http shutdown failed", nil)
	}
	sched.Stop()
	<-poolDone
}
