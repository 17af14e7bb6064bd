package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/dewei/PriceRadar/pkg/collector"
	"github.com/dewei/PriceRadar/pkg/config"
	"github.com/dewei/PriceRadar/pkg/database"
	"github.com/dewei/PriceRadar/pkg/engine"
	"github.com/dewei/PriceRadar/pkg/logger"
	"github.com/dewei/PriceRadar/pkg/messaging"
	"github.com/dewei/PriceRadar/pkg/metrics"
	"github.com/dewei/PriceRadar/pkg/model"
	"github.com/dewei/PriceRadar/pkg/monitor"
	"github.com/dewei/PriceRadar/pkg/notification"
	"github.com/dewei/PriceRadar/pkg/repository"
	"github.com/dewei/PriceRadar/pkg/scheduler"
)

// AlertStore everything the API, CLI and engine need from alert persistence
type AlertStore interface {
	Create(ctx context.Context, alert *model.Alert) (*model.Alert, error)
	FindByID(ctx context.Context, id string) (*model.Alert, error)
	FindByStatus(ctx context.Context, statuses []model.Status) ([]*model.Alert, error)
	List(ctx context.Context) ([]*model.Alert, error)
	Save(ctx context.Context, alert *model.Alert) (*model.Alert, error)
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[model.Status]int64, error)
}

// SettingsStore key/value settings persistence
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (*model.AppSetting, error)
	PutSetting(ctx context.Context, key string, value *string) (*model.AppSetting, error)
}

// Store the selected persistence backend
type Store struct {
	Alerts   AlertStore
	Settings SettingsStore
	Postgres *database.Postgres // nil for the memory driver

	ping  func(ctx context.Context) error
	close func() error
	lock  engine.CycleLock
}

// TryLock takes the cycle lock of the backend, shared by every process on the same database
func (s *Store) TryLock(ctx context.Context) (func(), bool, error) {
	return s.lock.TryLock(ctx)
}

// Ping checks the backend is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.ping(ctx)
}

// Close releases the backend
func (s *Store) Close() error {
	return s.close()
}

// OpenStore opens the backend named by storage.driver. Postgres tables are migrated on open.
func OpenStore(cfg *config.Config) (*Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		repo := repository.NewRepository()
		return &Store{
			Alerts:   repo,
			Settings: repo,
			ping:     repo.Ping,
			close:    func() error { return nil },
			lock:     repo,
		}, nil
	case "postgres":
		db, err := database.NewPostgres(cfg)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return &Store{
			Alerts:   db.Alert(),
			Settings: db.Settings(),
			Postgres: db,
			ping:     db.Ping,
			close:    db.Close,
			lock:     db,
		}, nil
	}
	return nil, &model.ConfigurationError{Component: "storage", Reason: fmt.Sprintf("unknown driver %q", cfg.Storage.Driver)}
}

// App the wired evaluation service
type App struct {
	Config     *config.Config
	Store      *Store
	Prices     *collector.PriceAPIClient
	Webhooks   *notification.SettingsWebhookProvider
	Dispatcher *notification.Dispatcher
	Engine     *engine.Engine
	Monitor    *monitor.Monitor
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	NATS       *messaging.NATSClient

	log *logrus.Entry
}

// New opens storage and the optional event bus and wires the engine
func New(cfg *config.Config) (*App, error) {
	log := logger.WithComponent("app")

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	mon := monitor.NewMonitor(func(component, status, message string) {
		log.WithFields(logrus.Fields{"health": component, "state": status}).Warnf("component health changed: %s", message)
	})
	for _, c := range []string{"database", "price_source", "notifier"} {
		mon.RegisterComponent(c)
	}

	prices := collector.NewPriceAPIClient(cfg.PriceAPI.BaseURL, cfg.PriceAPI.Timeout, cfg.PriceAPI.RateLimit, cfg.PriceAPI.Burst)
	if !prices.Configured() {
		log.Warn("EXTERNAL_API_BASE_URL is not set, every price fetch will fail")
		mon.UpdateStatus("price_source", monitor.StatusMisconfigured, "EXTERNAL_API_BASE_URL is not set")
	}

	webhooks := notification.NewSettingsWebhookProvider(store.Settings, cfg.Notification.DefaultWebhookURL)
	dispatcher := notification.NewDispatcher(webhooks, cfg.Notification.Timeout, cfg.Notification.Footer)

	a := &App{
		Config:     cfg,
		Store:      store,
		Prices:     prices,
		Webhooks:   webhooks,
		Dispatcher: dispatcher,
		Monitor:    mon,
		Metrics:    m,
		Registry:   registry,
		log:        log,
	}

	opts := engine.Options{
		FetchConcurrency: cfg.Engine.FetchConcurrency,
		CycleTimeout:     cfg.Engine.CycleTimeout,
		RecoverNoWebhook: cfg.Engine.RecoverNoWebhook,
		Lock:             store,
		Health:           mon,
		Metrics:          m,
	}

	if cfg.NATS.URL != "" {
		nc, err := messaging.NewNATSClient(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.WithError(err).Warn("NATS unavailable, alert events will not be published")
		} else {
			a.NATS = nc
			opts.Events = nc
		}
	}

	a.Engine = engine.NewEngine(store.Alerts, prices, dispatcher, webhooks, opts)
	return a, nil
}

// Cycle the scheduler job. A cycle held by another process is a skip, not a failure.
func (a *App) Cycle(ctx context.Context) error {
	_, err := a.Engine.RunCycle(ctx)
	if errors.Is(err, engine.ErrCycleBusy) {
		return nil
	}
	return err
}

// NewScheduler builds the cycle scheduler from engine.schedule
func (a *App) NewScheduler() (*scheduler.Scheduler, error) {
	s, err := scheduler.New(a.Config.Engine.Schedule, a.Cycle)
	if err != nil {
		return nil, err
	}
	s.SetMetrics(a.Metrics)
	return s, nil
}

// StartHealthChecks pings the database now and then every interval until ctx is done.
// A non-positive interval only runs the first check.
func (a *App) StartHealthChecks(ctx context.Context, interval time.Duration) {
	_ = a.Monitor.Check(ctx, "database", a.Store.Ping)
	if interval > 0 {
		a.Monitor.StartChecking(ctx, "database", a.Store.Ping, interval)
	}
}

// Close releases the event bus and storage
func (a *App) Close() {
	if a.NATS != nil {
		if err := a.NATS.Close(); err != nil {
			a.log.WithError(err).Warn("failed to close NATS")
		}
	}
	if err := a.Store.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close storage")
	}
}
