package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/agents"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/config"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/logger"
	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/server"
)

func main() {
	logger.Init()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("[Main] Invalid configuration: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("[Main] Shutting down")
		cancel()
	}()

	logger.Info("[Main] Starting AudioConnector server on port %d (provider: %s)", cfg.Port, cfg.AgentProvider)
	srv := server.New(cfg, agents.New)
	if err := srv.Start(ctx); err != nil {
		logger.Error("[Main] Server error: %v", err)
		os.Exit(1)
	}
}
