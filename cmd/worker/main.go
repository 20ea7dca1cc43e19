package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/dripline/internal/app"
	"github.com/ignite/dripline/internal/config"
	"github.com/ignite/dripline/internal/pkg/logger"
)

// The worker runs the dispatch loop without the HTTP API. Several workers
// may run against one database; the dispatch lock lets one tick at a time.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	once := flag.Bool("once", false, "run a single tick and exit")
	flag.Parse()

	log.Println("Starting dripline dispatch worker...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	app.ConfigureLogging(cfg)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	if *once {
		res, err := a.Dispatcher.Tick(ctx)
		if err != nil {
			log.Fatalf("Tick failed: %v", err)
		}
		log.Printf("Tick done: due=%d sent=%d failed=%d held=%d deferred=%d orphaned=%d lock_held=%v",
			res.Due, res.Sent, res.Failed, res.Held, res.Deferred, res.Orphaned, res.LockHeld)
		return
	}

	if err := a.Dispatcher.Start(); err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}
	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	a.Dispatcher.Stop()
	log.Println("Worker stopped")
}
