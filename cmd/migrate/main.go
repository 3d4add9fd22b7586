package main

import (
	"context"
	"log"

	"BananaPay/internal/config"
	"BananaPay/internal/db"
	"BananaPay/migrations"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.DB.Driver != "postgres" {
		log.Printf("db.driver is %s: schema is created on open, nothing to migrate", cfg.DB.Driver)
		return
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN, 2)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	applied, err := migrations.Apply(ctx, pool)
	for _, name := range applied {
		log.Printf("applied %s", name)
	}
	if err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
	if len(applied) == 0 {
		log.Printf("schema up to date")
	}
}
