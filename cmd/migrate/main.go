package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/ignite/dripline/internal/config"
	"github.com/ignite/dripline/internal/repository/postgres"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	listOnly := flag.Bool("list", false, "list embedded migrations and exit")
	flag.Parse()

	if *listOnly {
		files, err := postgres.Migrations()
		if err != nil {
			log.Fatalf("list migrations: %v", err)
		}
		for _, f := range files {
			fmt.Println(" ", f)
		}
		fmt.Printf("Total: %d migrations\n", len(files))
		return
	}

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		log.Fatalf("database.driver is %q; migrations only apply to postgres", cfg.Database.Driver)
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	applied, err := postgres.Migrate(ctx, db)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	for _, f := range applied {
		fmt.Printf("  ✓ %s\n", f)
	}
	fmt.Printf("Done: %d applied\n", len(applied))
}
