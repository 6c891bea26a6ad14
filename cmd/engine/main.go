package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawpeak/feature-engine/internal/api"
	"github.com/rawpeak/feature-engine/internal/db"
	"github.com/rawpeak/feature-engine/internal/jobs"
)

func main() {
	log.Println("Starting RawPeak LC-MS Feature Engine (isotope-wavelet pipeline)...")

	// ─── Environment ────────────────────────────────────────────────────
	// DATABASE_URL is optional: without it the engine serves synchronous
	// analysis only and skips persistence and the async run queue.
	// ────────────────────────────────────────────────────────────────────

	var dbConn *db.PostgresStore
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		conn, err := db.Connect(dbURL)
		if err != nil {
			log.Printf("Warning: Failed to connect to PostgreSQL, continuing without persisting runs. Error: %v", err)
		} else {
			dbConn = conn
			defer dbConn.Close()
			if err := dbConn.InitSchema(); err != nil {
				log.Printf("Warning: DB schema init failed: %v", err)
			}
		}
	} else {
		log.Println("DATABASE_URL not set; running without persistence")
	}

	// Setup WebSocket Hub
	wsHub := api.NewHub()
	go wsHub.Run()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The async run queue needs the database.
	if dbConn != nil {
		interval := 2 * time.Second
		if raw := os.Getenv("JOB_POLL_INTERVAL"); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil {
				interval = d
			} else {
				log.Printf("Warning: invalid JOB_POLL_INTERVAL %q: %v", raw, err)
			}
		}
		go jobs.NewPoller(dbConn, wsHub, interval).Run(ctx)
	}

	router := api.SetupRouter(dbConn, wsHub)

	port := getEnvOrDefault("PORT", "8080")
	log.Printf("Feature Engine API listening on :%s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("API server failed: %v", err)
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
