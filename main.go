package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"gridpilot/app"
	"gridpilot/config"
	"gridpilot/logger"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables from .env file if present (for local/dev runs)
	// In Docker Compose, variables are injected by the runtime and this is harmless.
	_ = godotenv.Load()

	logger.Init(nil)

	logger.Info("╔════════════════════════════════════════════════════════════╗")
	logger.Info("║    📐 GridPilot - unattended grid trading controller       ║")
	logger.Info("╚════════════════════════════════════════════════════════════╝")

	configPath := "config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("❌ Failed to load configuration: %v", err)
	}

	mode := "LIVE"
	if cfg.SimMode {
		mode = "SIMULATED"
	}
	logger.Infof("📋 Mode: %s, database: %s, API port: %d", mode, cfg.DBPath, cfg.APIServerPort)
	if !cfg.SimMode {
		logger.Warn("⚠️  Live trading mode: orders will reach the exchange!")
	}
	logger.Info("Press Ctrl+C to stop")
	logger.Info(strings.Repeat("=", 60))

	a, err := app.New(cfg)
	if err != nil {
		logger.Fatalf("❌ Failed to assemble application: %v", err)
	}
	a.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("📛 Received exit signal, shutting down gracefully...")
	case err := <-a.APIErrors():
		logger.Errorf("❌ API server failed: %v", err)
	}

	a.Shutdown()
}
