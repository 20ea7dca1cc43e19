package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/dripline/internal/api"
	"github.com/ignite/dripline/internal/app"
	"github.com/ignite/dripline/internal/config"
	"github.com/ignite/dripline/internal/metrics"
	"github.com/ignite/dripline/internal/pkg/logger"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v", addr, err)
	}
	return ln.Close()
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	log.Println("Starting dripline server...")

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	app.ConfigureLogging(cfg)
	defer logger.Sync()

	if err := checkPortAvailable(cfg.Server.Addr()); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer a.Close()

	if cfg.Dispatch.Enabled {
		if err := a.Dispatcher.Start(); err != nil {
			log.Fatalf("Failed to start dispatcher: %v", err)
		}
	} else {
		log.Println("Dispatch disabled; jobs are only sent via POST /api/dispatch/tick")
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Handler()
	}
	handlers := api.NewHandlers(a.Campaigns, a.Jobs, a.Sessions, a.Dispatcher)
	health := api.NewHealthChecker(a.DB, a.Redis, a.Sessions.GetStatus)
	server := api.NewServer(cfg.Server, handlers, health, cfg.Metrics.Path, metricsHandler)

	go func() {
		log.Printf("API server listening on %s", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	cancel()
	log.Println("Server stopped")
}
