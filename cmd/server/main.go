package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blueprints-rt/blueprints/api/handlers"
	"github.com/blueprints-rt/blueprints/internal/broker"
	"github.com/blueprints-rt/blueprints/internal/config"
	"github.com/blueprints-rt/blueprints/internal/db"
	"github.com/blueprints-rt/blueprints/internal/repository"
	"github.com/blueprints-rt/blueprints/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	// Initialize repository
	blueprintRepo := repository.NewBlueprintRepository(database)

	// Realtime endpoints
	stompBroker := broker.New(blueprintRepo, broker.Config{})
	relay := ws.NewService(blueprintRepo, ws.Config{DrawRate: cfg.DrawRate})
	defer relay.Close()

	// Initialize handlers
	blueprintHandler := handlers.NewBlueprintHandler(blueprintRepo)
	realtimeHandler := handlers.NewRealtimeHandler(stompBroker, relay)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewRouter(blueprintHandler, realtimeHandler),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stompBroker.Run(gctx)
	})
	g.Go(func() error {
		log.Printf("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server stopped: %v", err)
		db.CloseDB()
		os.Exit(1)
	}
}
