package main

import (
	"context"
	"log"

	"whatsapp-dispatch/internal/config"
	"whatsapp-dispatch/internal/database"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	db, err := database.InitGorm(cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	log.Println("Syncing PostgreSQL sequences...")
	if err := database.SyncSerials(context.Background(), db); err != nil {
		log.Fatalf("%v", err)
	}
	log.Println("DONE!")
}
