package main

import (
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"mstat/internal"
	"mstat/internal/api"
	"mstat/internal/config"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := internal.NewDefaultLogger()
	server := api.NewServer(cfg.Pipeline, logger)

	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // REML on large inputs can take a while
	}

	logger.Info("Listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
