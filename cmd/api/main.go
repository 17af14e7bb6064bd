package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dewei/PriceRadar/pkg/api"
	"github.com/dewei/PriceRadar/pkg/app"
	"github.com/dewei/PriceRadar/pkg/config"
	"github.com/dewei/PriceRadar/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig(config.ResolvePath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.App.LogLevel, cfg.App.LogFormat)
	log.WithField("env", cfg.App.Env).Info("starting API service")

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialise: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.StartHealthChecks(ctx, 30*time.Second)

	if cfg.Engine.Enabled {
		sched, err := a.NewScheduler()
		if err != nil {
			log.Fatalf("failed to create scheduler: %v", err)
		}
		sched.Start()
		defer sched.Stop()
	} else {
		log.Info("engine.enabled is false, cycles are left to a separate engine process")
	}

	handlers := api.NewHandlers(api.Deps{
		Alerts:         a.Store.Alerts,
		Settings:       a.Store.Settings,
		DefaultWebhook: cfg.Notification.DefaultWebhookURL,
		Proxy:          a.Prices,
		Pinger:         a.Store,
		Monitor:        a.Monitor,
		Cycles:         a.Engine,
		Gatherer:       a.Registry,
	})

	server := api.NewServer(cfg.API.Port, cfg.API.ReadTimeout, cfg.API.WriteTimeout)
	server.SetupRoutes(handlers)
	if err := server.Start(ctx); err != nil {
		log.Errorf("API server stopped: %v", err)
	}
	log.Info("API service stopped")
}
