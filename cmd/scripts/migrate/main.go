package main

import (
	"context"
	"log"
	"time"

	"github.com/wuwenbin0122/perps.ai/internal/db"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

// Creates the tables or indexes of the configured store and exits.
func main() {
	if err := utils.LoadEnvFiles(); err != nil {
		log.Fatalf("load env: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := db.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("migrate %s store: %v", cfg.StoreDriver, err)
	}
	defer store.Close(context.Background())

	log.Printf("%s store schema is up to date", cfg.StoreDriver)
}
