package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dewei/PriceRadar/pkg/collector"
	"github.com/dewei/PriceRadar/pkg/logger"
	"github.com/dewei/PriceRadar/pkg/messaging"
	"github.com/dewei/PriceRadar/pkg/metrics"
	"github.com/dewei/PriceRadar/pkg/model"
	"github.com/dewei/PriceRadar/pkg/monitor"
	"github.com/dewei/PriceRadar/pkg/notification"
)

const (
	componentPriceSource = "price_source"
	componentNotifier    = "notifier"
)

// ErrCycleBusy another engine holds the cycle lock
var ErrCycleBusy = errors.New("another engine is running a cycle")

// workingSet statuses loaded at the start of every cycle
var workingSet = []model.Status{model.StatusActive, model.StatusMonitoringStay, model.StatusError}

// AlertStore persistence the engine reads and writes alerts through
type AlertStore interface {
	FindByStatus(ctx context.Context, statuses []model.Status) ([]*model.Alert, error)
	FindByID(ctx context.Context, id string) (*model.Alert, error)
	Save(ctx context.Context, alert *model.Alert) (*model.Alert, error)
}

// statusCounter optional store capability used to refresh the per-status gauge
type statusCounter interface {
	CountByStatus(ctx context.Context) (map[model.Status]int64, error)
}

// Notifier delivers one alert notification
type Notifier interface {
	Notify(ctx context.Context, alert *model.Alert, quote *model.Quote) notification.Result
}

// EventPublisher receives alert events after they are persisted
type EventPublisher interface {
	PublishEvent(ctx context.Context, kind string, event model.AlertEvent) error
}

// CycleLock serialises cycles of every engine sharing one store, across processes.
// ok is false when another holder has it; release must be called once the cycle ends.
type CycleLock interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// HealthReporter receives component health updates
type HealthReporter interface {
	UpdateStatus(component, status, message string)
}

// Options tunables and optional collaborators
type Options struct {
	FetchConcurrency int
	CycleTimeout     time.Duration
	RecoverNoWebhook bool

	Lock    CycleLock
	Events  EventPublisher
	Health  HealthReporter
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine runs evaluation cycles
type Engine struct {
	store    AlertStore
	prices   collector.PriceSource
	notifier Notifier
	webhooks notification.WebhookProvider

	concurrency      int
	cycleTimeout     time.Duration
	recoverNoWebhook bool

	lock    CycleLock
	events  EventPublisher
	health  HealthReporter
	metrics *metrics.Metrics
	now     func() time.Time
	log     *logrus.Entry

	mu     sync.RWMutex
	last   CycleSummary
	lastAt time.Time
}

// NewEngine creates an engine
func NewEngine(store AlertStore, prices collector.PriceSource, notifier Notifier, webhooks notification.WebhookProvider, opts Options) *Engine {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:            store,
		prices:           prices,
		notifier:         notifier,
		webhooks:         webhooks,
		concurrency:      opts.FetchConcurrency,
		cycleTimeout:     opts.CycleTimeout,
		recoverNoWebhook: opts.RecoverNoWebhook,
		lock:             opts.Lock,
		events:           opts.Events,
		health:           opts.Health,
		metrics:          opts.Metrics,
		now:              opts.Now,
		log:              logger.WithComponent("engine"),
	}
}

// CycleSummary counters for one cycle
type CycleSummary struct {
	Alerts           int           `json:"alerts"`
	Pairs            int           `json:"pairs"`
	FetchFailures    int           `json:"fetch_failures"`
	Recovered        int           `json:"recovered"`
	Errored          int           `json:"errored"`
	WebhookResets    int           `json:"webhook_resets"`
	Evaluated        int           `json:"evaluated"`
	Skipped          int           `json:"skipped"`
	Triggered        int           `json:"triggered"`
	Notified         int           `json:"notified"`
	DeliveryFailures int           `json:"delivery_failures"`
	NoWebhook        int           `json:"no_webhook"`
	SaveFailures     int           `json:"save_failures"`
	Stale            int           `json:"stale"`
	Duration         time.Duration `json:"duration"`
}

func (s *CycleSummary) add(o CycleSummary) {
	s.FetchFailures += o.FetchFailures
	s.Recovered += o.Recovered
	s.Errored += o.Errored
	s.SaveFailures += o.SaveFailures
	s.Stale += o.Stale
}

func (s CycleSummary) fields() logrus.Fields {
	return logrus.Fields{
		"alerts":            s.Alerts,
		"pairs":             s.Pairs,
		"fetch_failures":    s.FetchFailures,
		"recovered":         s.Recovered,
		"errored":           s.Errored,
		"webhook_resets":    s.WebhookResets,
		"evaluated":         s.Evaluated,
		"skipped":           s.Skipped,
		"triggered":         s.Triggered,
		"notified":          s.Notified,
		"delivery_failures": s.DeliveryFailures,
		"no_webhook":        s.NoWebhook,
		"save_failures":     s.SaveFailures,
		"stale":             s.Stale,
		"duration":          s.Duration.String(),
	}
}

// RunCycle fetches quotes for every monitored pair, then evaluates each alert once.
// Per-alert and per-pair failures are absorbed into the summary; an error is returned only when
// the working set cannot be loaded, the cycle is interrupted or panics, or ErrCycleBusy when
// another engine holds the cycle lock.
func (e *Engine) RunCycle(ctx context.Context) (sum CycleSummary, err error) {
	if e.lock != nil {
		release, ok, lerr := e.lock.TryLock(ctx)
		if lerr != nil {
			return sum, fmt.Errorf("acquire cycle lock: %w", lerr)
		}
		if !ok {
			e.log.Warn("another engine holds the cycle lock, skipping this cycle")
			e.metrics.CycleSkipped()
			return sum, ErrCycleBusy
		}
		defer release()
	}

	start := time.Now()
	if e.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cycleTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
			e.log.Error(err)
		}
		sum.Duration = time.Since(start)
		e.metrics.CycleCompleted(sum.Duration, err)
		e.refreshGauge(ctx)
		e.remember(sum)
		if err == nil {
			e.log.WithFields(sum.fields()).Info("cycle complete")
		}
	}()

	webhook := e.resolveWebhook(ctx)
	if webhook != "" && e.recoverNoWebhook {
		sum.WebhookResets = e.resetNoWebhook(ctx, &sum)
	}

	alerts, err := e.store.FindByStatus(ctx, workingSet)
	if err != nil {
		return sum, fmt.Errorf("load working set: %w", err)
	}
	sum.Alerts = len(alerts)
	if len(alerts) == 0 {
		e.log.Debug("no alerts to check")
		return sum, nil
	}

	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}

	quotes := e.fetchQuotes(ctx, alerts, &sum)

	for i, id := range ids {
		if ctx.Err() != nil {
			e.log.Warnf("cycle interrupted, %d alert(s) left unevaluated", len(ids)-i)
			return sum, fmt.Errorf("cycle interrupted: %w", ctx.Err())
		}
		e.evaluateAlert(ctx, id, quotes, &sum)
	}

	if sum.Triggered > 0 {
		switch {
		case sum.Notified > 0 && sum.DeliveryFailures == 0 && sum.NoWebhook == 0:
			e.reportHealth(componentNotifier, monitor.StatusHealthy, "")
		case sum.DeliveryFailures > 0:
			e.reportHealth(componentNotifier, monitor.StatusUnhealthy, fmt.Sprintf("%d deliveries failed", sum.DeliveryFailures))
		}
	}
	return sum, nil
}

func (e *Engine) remember(sum CycleSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = sum
	e.lastAt = e.now()
}

// LastCycle summary of the most recent cycle; ok is false before the first one finishes
func (e *Engine) LastCycle() (sum CycleSummary, at time.Time, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, e.lastAt, !e.lastAt.IsZero()
}

// resolveWebhook reads the webhook once per cycle for the warning and the recovery pre-phase
func (e *Engine) resolveWebhook(ctx context.Context) string {
	if e.webhooks == nil {
		return ""
	}
	url, err := e.webhooks.Get(ctx)
	if err != nil {
		e.log.WithError(err).Warn("failed to resolve webhook url")
		return ""
	}
	if url == "" {
		e.log.Warn("no discord webhook configured, triggered alerts will move to ERROR_NO_WEBHOOK")
		e.reportHealth(componentNotifier, monitor.StatusMisconfigured, "no webhook url configured")
	}
	return url
}

// resetNoWebhook returns alerts parked in ERROR_NO_WEBHOOK to ACTIVE once a webhook exists again
func (e *Engine) resetNoWebhook(ctx context.Context, sum *CycleSummary) int {
	parked, err := e.store.FindByStatus(ctx, []model.Status{model.StatusErrorNoWebhook})
	if err != nil {
		e.log.WithError(err).Warn("failed to load ERROR_NO_WEBHOOK alerts")
		return 0
	}

	reset := 0
	now := e.now()
	for _, a := range parked {
		a.Status = model.StatusActive
		if e.save(ctx, a, sum) {
			reset++
			e.statusChanged(ctx, a, model.StatusErrorNoWebhook, now)
		}
	}
	if reset > 0 {
		e.log.Infof("webhook configured, reset %d alert(s) from ERROR_NO_WEBHOOK to ACTIVE", reset)
	}
	return reset
}

func (e *Engine) evaluateAlert(ctx context.Context, id string, quotes map[model.Pair]model.QuoteResult, sum *CycleSummary) {
	log := e.log.WithField("alert_id", id)

	a, err := e.store.FindByID(ctx, id)
	if err != nil {
		log.WithError(err).Error("failed to re-read alert")
		sum.SaveFailures++
		return
	}
	if a == nil {
		log.Info("alert deleted during cycle, skipping")
		sum.Stale++
		return
	}
	log = log.WithFields(logrus.Fields{"ticker": a.Ticker, "asset_type": a.AssetType})

	if !a.Status.Evaluable() {
		log.WithField("status", a.Status).Debug("skipping condition check")
		sum.Skipped++
		return
	}

	from := a.Status
	now := e.now()

	qr, ok := quotes[a.Pair()]
	if !ok || !qr.OK() {
		log.Warn("no price available for alert outside ERROR state, marking ERROR")
		a.Status = model.StatusError
		a.MarkFetchFailed(now)
		sum.Errored++
		if e.save(ctx, a, sum) {
			e.statusChanged(ctx, a, from, now)
		}
		return
	}

	price := qr.Quote.Price
	a.MarkChecked(price, now)

	t := decide(a, price, now)
	a.Status = t.Next
	sum.Evaluated++

	log.WithFields(logrus.Fields{
		"price":  price,
		"target": a.TargetPrice,
		"holds":  t.Holds,
		"from":   from,
		"to":     a.Status,
		"notify": t.Notify,
	}).Debug("condition evaluated")

	notified := false
	if t.Notify {
		sum.Triggered++
		res := e.notifier.Notify(ctx, a, qr.Quote)
		e.metrics.Notification(res.Kind)

		switch {
		case res.Success:
			sum.Notified++
			notified = true
			if a.InitialTriggerTimestamp == nil &&
				(a.Status == model.StatusTriggeredOnce || a.Status == model.StatusMonitoringStay) {
				a.InitialTriggerTimestamp = &now
			}
			a.LastTriggeredTimestamp = &now
		case res.Kind == model.DeliveryNoWebhookURL:
			sum.NoWebhook++
			a.Status = model.StatusErrorNoWebhook
			log.Warn("alert triggered without a webhook, marking ERROR_NO_WEBHOOK")
		default:
			sum.DeliveryFailures++
			log.WithError(res.Err).Warnf("notification failed, status stays %s", a.Status)
		}
	}

	if !e.save(ctx, a, sum) {
		return
	}
	if notified {
		e.publish(ctx, messaging.EventTriggered, model.NewAlertEvent(a, from, true, now))
	}
	e.statusChanged(ctx, a, from, now)
}

// save persists a, counting stale and failed writes instead of returning them
func (e *Engine) save(ctx context.Context, a *model.Alert, sum *CycleSummary) bool {
	_, err := e.store.Save(ctx, a)
	if err == nil {
		return true
	}

	log := e.log.WithFields(logrus.Fields{"alert_id": a.ID, "status": a.Status})
	if errors.Is(err, model.ErrStaleEntity) {
		log.Warn("alert changed or deleted since it was read, skipping")
		sum.Stale++
		return false
	}
	log.WithError(err).Error("failed to save alert")
	sum.SaveFailures++
	return false
}

func (e *Engine) statusChanged(ctx context.Context, a *model.Alert, from model.Status, at time.Time) {
	if a.Status == from {
		return
	}
	e.metrics.Transition(from, a.Status)
	e.publish(ctx, messaging.EventStatus, model.NewAlertEvent(a, from, false, at))
}

func (e *Engine) publish(ctx context.Context, kind string, event model.AlertEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishEvent(ctx, kind, event); err != nil {
		e.log.WithError(err).WithField("alert_id", event.AlertID).Warnf("failed to publish %s event", kind)
	}
}

func (e *Engine) reportHealth(component, status, message string) {
	if e.health != nil {
		e.health.UpdateStatus(component, status, message)
	}
}

func (e *Engine) refreshGauge(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	counter, ok := e.store.(statusCounter)
	if !ok {
		return
	}
	counts, err := counter.CountByStatus(ctx)
	if err != nil {
		e.log.WithError(err).Debug("failed to count alerts by status")
		return
	}
	e.metrics.SetAlertCounts(counts)
}
