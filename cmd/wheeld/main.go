package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/executor"
	"github.com/tstrasser/wheelhouse/internal/gaprisk"
	"github.com/tstrasser/wheelhouse/internal/pipeline"
	"github.com/tstrasser/wheelhouse/internal/server"
	"github.com/tstrasser/wheelhouse/internal/storage"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&envPath, "env", ".env", "Path to optional .env credentials file")
	flag.Parse()

	logger := log.New(os.Stdout, "[WHEEL] ", log.LstdFlags|log.Lshortfile)

	// Credentials land in the process environment before config.Load expands
	// the ${VAR} references in the config file.
	if err := godotenv.Load(envPath); err != nil {
		logger.Printf("No %s file found, using system environment variables", envPath)
	}
	requireEnv(logger, "ALPACA_API_KEY", "ALPACA_API_SECRET")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	logger.Printf("Starting wheel service in %s mode", cfg.Environment.Mode)
	if cfg.IsPaper() {
		logger.Println("🏳️ PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Println("💰 LIVE TRADING MODE - Real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	alpaca := broker.NewAlpacaClient(broker.Settings{
		APIBase:           cfg.Broker.APIBase,
		DataBase:          cfg.Broker.DataBase,
		APIKey:            cfg.Broker.APIKey,
		APISecret:         cfg.Broker.APISecret,
		RequestsPerMinute: cfg.Broker.RequestsPerMinute,
		Logger:            logger,
	})
	brk := broker.NewCircuitBreakerBroker(alpaca)

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open artifact storage at %s: %v", cfg.Storage.Path, err)
	}

	model := gaprisk.NewHistoricalModel(gaprisk.Params{
		GapThreshold: cfg.Scan.MaxOvernightGapPercent,
	})

	scanner := pipeline.NewScanner(brk, model, store, cfg, logger)
	runner := executor.NewRunner(brk, store, cfg, logger)
	monitor := executor.NewMonitor(brk, cfg, logger)

	httpLogger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		httpLogger.SetLevel(level)
	}

	srv := server.NewServer(server.Config{
		Port:         cfg.Server.Port,
		AuthToken:    cfg.Server.AuthToken,
		CycleTimeout: cfg.CycleTimeout(),
	}, scanner, runner, monitor, httpLogger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case sig := <-sigChan:
		logger.Printf("Received %s, shutting down...", sig)
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Shutdown error: %v", err)
	}
	logger.Println("Wheel service stopped")
}

// requireEnv fails fast when credentials are absent and logs each present
// value masked to its last four characters.
func requireEnv(logger *log.Logger, keys ...string) {
	var missing []string
	for _, key := range keys {
		val := os.Getenv(key)
		if val == "" {
			missing = append(missing, key)
			continue
		}
		masked := "***"
		if len(val) > 4 {
			masked = "***" + val[len(val)-4:]
		}
		logger.Printf("%s=%s", key, masked)
	}
	if len(missing) > 0 {
		logger.Fatalf("Missing required environment variables: %v", missing)
	}
}
