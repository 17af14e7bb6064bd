package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dewei/PriceRadar/pkg/messaging"
	"github.com/dewei/PriceRadar/pkg/model"
	"github.com/dewei/PriceRadar/pkg/monitor"
	"github.com/dewei/PriceRadar/pkg/notification"
	"github.com/dewei/PriceRadar/pkg/repository"
)

type mockPrices struct {
	mock.Mock
}

func (m *mockPrices) GetLatest(ctx context.Context, ticker string, assetType model.AssetType) (*model.Quote, error) {
	args := m.Called(ctx, ticker, assetType)
	q, _ := args.Get(0).(*model.Quote)
	return q, args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, alert *model.Alert, quote *model.Quote) notification.Result {
	args := m.Called(ctx, alert, quote)
	return args.Get(0).(notification.Result)
}

type staticWebhook struct {
	mu  sync.Mutex
	url string
}

func (w *staticWebhook) Get(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.url, nil
}

func (w *staticWebhook) set(url string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.url = url
}

type published struct {
	kind  string
	event model.AlertEvent
}

type eventRecorder struct {
	mu     sync.Mutex
	events []published
}

func (r *eventRecorder) PublishEvent(ctx context.Context, kind string, event model.AlertEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{kind: kind, event: event})
	return nil
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.kind+":"+string(e.event.ToStatus))
	}
	return out
}

type harness struct {
	repo     *repository.Repository
	prices   *mockPrices
	notifier *mockNotifier
	webhook  *staticWebhook
	events   *eventRecorder
	health   *monitor.Monitor
	lock     CycleLock
	now      time.Time
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     repository.NewRepository(),
		prices:   &mockPrices{},
		notifier: &mockNotifier{},
		webhook:  &staticWebhook{url: "https://discord.example/hook"},
		events:   &eventRecorder{},
		health:   monitor.NewMonitor(nil),
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = h.build(h.repo)
	return h
}

func (h *harness) build(store AlertStore) *Engine {
	return NewEngine(store, h.prices, h.notifier, h.webhook, Options{
		FetchConcurrency: 2,
		RecoverNoWebhook: true,
		Lock:             h.lock,
		Events:           h.events,
		Health:           h.health,
		Now:              func() time.Time { return h.now },
	})
}

func (h *harness) create(t *testing.T, a *model.Alert) string {
	t.Helper()
	created, err := h.repo.Create(context.Background(), a)
	require.NoError(t, err)
	return created.ID
}

func (h *harness) get(t *testing.T, id string) *model.Alert {
	t.Helper()
	a, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a
}

func (h *harness) run(t *testing.T) CycleSummary {
	t.Helper()
	sum, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	return sum
}

func (h *harness) quote(ticker string, asset model.AssetType, price float64) *mock.Call {
	return h.prices.On("GetLatest", mock.Anything, ticker, asset).
		Return(&model.Quote{Ticker: ticker, AssetType: asset, Price: price}, nil)
}

func (h *harness) notifyReturns(res notification.Result) *mock.Call {
	return h.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(res)
}

func TestRunCycle_RisesAboveTriggersOnce(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 150, Status: model.StatusActive})
	h.quote("AAPL", model.AssetStock, 151)
	h.notifyReturns(notification.Result{Success: true})

	sum := h.run(t)
	assert.Equal(t, 1, sum.Triggered)
	assert.Equal(t, 1, sum.Notified)

	a := h.get(t, id)
	assert.Equal(t, model.StatusTriggeredOnce, a.Status)
	require.NotNil(t, a.LastCheckedPrice)
	assert.Equal(t, 151.0, *a.LastCheckedPrice)
	require.NotNil(t, a.InitialTriggerTimestamp)
	assert.Equal(t, h.now, *a.InitialTriggerTimestamp)
	assert.Equal(t, h.now, *a.LastTriggeredTimestamp)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)

	assert.Equal(t, []string{"triggered:TRIGGERED_ONCE", "status:TRIGGERED_ONCE"}, h.events.kinds())
}

func TestRunCycle_OneShotFinality(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionFallsBelow, TargetPrice: 150, Status: model.StatusActive})
	h.quote("AAPL", model.AssetStock, 140)
	h.notifyReturns(notification.Result{Success: true})

	h.run(t)
	for i := 0; i < 3; i++ {
		h.now = h.now.Add(time.Hour)
		sum := h.run(t)
		assert.Equal(t, 0, sum.Alerts)
	}

	assert.Equal(t, model.StatusTriggeredOnce, h.get(t, id).Status)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)
	h.prices.AssertNumberOfCalls(t, "GetLatest", 1)
}

func TestRunCycle_StayWithinWindow(t *testing.T) {
	h := newHarness(t)
	last := h.now.Add(-10 * time.Minute)
	id := h.create(t, &model.Alert{
		Ticker: "MSFT", AssetType: model.AssetStock, Condition: model.ConditionStaysAbove, TargetPrice: 100,
		RenotificationFrequencyMinutes: 30, Status: model.StatusMonitoringStay, LastTriggeredTimestamp: &last,
	})
	h.quote("MSFT", model.AssetStock, 105)
	h.notifyReturns(notification.Result{Success: true})

	sum := h.run(t)
	assert.Equal(t, 0, sum.Triggered)
	a := h.get(t, id)
	assert.Equal(t, model.StatusMonitoringStay, a.Status)
	assert.Equal(t, last, *a.LastTriggeredTimestamp)
	h.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)

	// 30 minutes after the last notification
	h.now = h.now.Add(20 * time.Minute)
	sum = h.run(t)
	assert.Equal(t, 1, sum.Notified)
	a = h.get(t, id)
	assert.Equal(t, h.now, *a.LastTriggeredTimestamp)
	assert.Equal(t, h.now, *a.InitialTriggerTimestamp)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestRunCycle_StayRevertsToActive(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "XAU", AssetType: model.AssetCurrency, Condition: model.ConditionStaysBelow, TargetPrice: 50, Status: model.StatusMonitoringStay})
	h.quote("XAU", model.AssetCurrency, 60)

	sum := h.run(t)
	assert.Equal(t, 0, sum.Triggered)
	assert.Equal(t, model.StatusActive, h.get(t, id).Status)
	h.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []string{"status:ACTIVE"}, h.events.kinds())
}

func TestRunCycle_StayOnce(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "ETH", AssetType: model.AssetCrypto, Condition: model.ConditionStaysAbove, TargetPrice: 2000, Status: model.StatusActive})
	h.quote("ETH", model.AssetCrypto, 2500)
	h.notifyReturns(notification.Result{Success: true})

	for i := 0; i < 5; i++ {
		h.run(t)
		h.now = h.now.Add(3 * time.Hour)
	}

	assert.Equal(t, model.StatusMonitoringStay, h.get(t, id).Status)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestRunCycle_StayRepeat(t *testing.T) {
	h := newHarness(t)
	h.create(t, &model.Alert{Ticker: "ETH", AssetType: model.AssetCrypto, Condition: model.ConditionStaysBelow, TargetPrice: 2000, RenotificationFrequencyMinutes: 15, Status: model.StatusActive})
	h.quote("ETH", model.AssetCrypto, 1900)
	h.notifyReturns(notification.Result{Success: true})

	// cycles every 5 minutes for an hour: entry at t=0, then t=15, 30, 45, 60
	for i := 0; i <= 12; i++ {
		h.run(t)
		h.now = h.now.Add(5 * time.Minute)
	}
	h.notifier.AssertNumberOfCalls(t, "Notify", 5)
}

func TestRunCycle_RenotifyKeepsInitialTrigger(t *testing.T) {
	h := newHarness(t)
	initial := h.now.Add(-2 * time.Hour)
	last := h.now.Add(-20 * time.Minute)
	id := h.create(t, &model.Alert{
		Ticker: "BTC", AssetType: model.AssetCrypto, Condition: model.ConditionStaysAbove, TargetPrice: 60000,
		RenotificationFrequencyMinutes: 15, Status: model.StatusMonitoringStay,
		InitialTriggerTimestamp: &initial, LastTriggeredTimestamp: &last,
	})
	h.quote("BTC", model.AssetCrypto, 61000)
	h.notifyReturns(notification.Result{Success: true})

	for i := 0; i < 3; i++ {
		sum := h.run(t)
		assert.Equal(t, 1, sum.Notified)

		a := h.get(t, id)
		require.NotNil(t, a.InitialTriggerTimestamp)
		assert.Equal(t, initial, *a.InitialTriggerTimestamp)
		assert.Equal(t, h.now, *a.LastTriggeredTimestamp)

		h.now = h.now.Add(15 * time.Minute)
	}
	h.notifier.AssertNumberOfCalls(t, "Notify", 3)
}

func TestRunCycle_DedupAndFetchFailure(t *testing.T) {
	h := newHarness(t)
	id1 := h.create(t, &model.Alert{Ticker: "BTCUSD", AssetType: model.AssetCrypto, Condition: model.ConditionRisesAbove, TargetPrice: 70000, Status: model.StatusActive})
	price := 65000.0
	id2 := h.create(t, &model.Alert{Ticker: "BTCUSD", AssetType: model.AssetCrypto, Condition: model.ConditionStaysBelow, TargetPrice: 60000, Status: model.StatusMonitoringStay, LastCheckedPrice: &price})
	h.prices.On("GetLatest", mock.Anything, "BTCUSD", model.AssetCrypto).
		Return(nil, &model.FetchError{Pair: model.Pair{Ticker: "BTCUSD", AssetType: model.AssetCrypto}, Status: 503, Reason: "API error"})

	sum := h.run(t)
	h.prices.AssertNumberOfCalls(t, "GetLatest", 1)
	assert.Equal(t, 1, sum.Pairs)
	assert.Equal(t, 1, sum.FetchFailures)
	assert.Equal(t, 2, sum.Errored)
	assert.Equal(t, 2, sum.Skipped)

	for _, id := range []string{id1, id2} {
		a := h.get(t, id)
		assert.Equal(t, model.StatusError, a.Status)
		assert.Nil(t, a.LastCheckedPrice)
		assert.Equal(t, h.now, *a.LastCheckedTimestamp)
	}
	assert.Equal(t, monitor.StatusUnhealthy, h.health.GetStatus(componentPriceSource).Status)

	// already in ERROR: only the timestamp moves
	h.now = h.now.Add(time.Minute)
	sum = h.run(t)
	assert.Equal(t, 0, sum.Errored)
	assert.Equal(t, h.now, *h.get(t, id1).LastCheckedTimestamp)
	h.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycle_DedupManyAlerts(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 10; i++ {
		h.create(t, &model.Alert{Ticker: "SPY", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1000, Status: model.StatusActive})
	}
	h.create(t, &model.Alert{Ticker: "QQQ", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1000, Status: model.StatusActive})
	h.quote("SPY", model.AssetStock, 500)
	h.quote("QQQ", model.AssetStock, 400)

	sum := h.run(t)
	assert.Equal(t, 11, sum.Alerts)
	assert.Equal(t, 2, sum.Pairs)
	assert.Equal(t, 11, sum.Evaluated)
	h.prices.AssertNumberOfCalls(t, "GetLatest", 2)
}

func TestRunCycle_AutoRecovery(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "BTCUSD", AssetType: model.AssetCrypto, Condition: model.ConditionRisesAbove, TargetPrice: 70000, Status: model.StatusError})
	h.quote("BTCUSD", model.AssetCrypto, 65000)

	sum := h.run(t)
	assert.Equal(t, 1, sum.Recovered)
	assert.Equal(t, 1, sum.Evaluated)

	a := h.get(t, id)
	assert.Equal(t, model.StatusActive, a.Status)
	require.NotNil(t, a.LastCheckedPrice)
	assert.Equal(t, 65000.0, *a.LastCheckedPrice)
	assert.Equal(t, []string{"status:ACTIVE"}, h.events.kinds())
}

func TestRunCycle_RecoveredAlertCanTriggerSameCycle(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "BTCUSD", AssetType: model.AssetCrypto, Condition: model.ConditionRisesAbove, TargetPrice: 60000, Status: model.StatusError})
	h.quote("BTCUSD", model.AssetCrypto, 65000)
	h.notifyReturns(notification.Result{Success: true})

	h.run(t)
	assert.Equal(t, model.StatusTriggeredOnce, h.get(t, id).Status)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestRunCycle_WebhookMissing(t *testing.T) {
	h := newHarness(t)
	h.webhook.set("")
	id := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionStaysAbove, TargetPrice: 150, Status: model.StatusActive})
	h.quote("AAPL", model.AssetStock, 151)
	h.notifyReturns(notification.Result{Kind: model.DeliveryNoWebhookURL})

	sum := h.run(t)
	assert.Equal(t, 1, sum.NoWebhook)
	a := h.get(t, id)
	assert.Equal(t, model.StatusErrorNoWebhook, a.Status)
	assert.Nil(t, a.LastTriggeredTimestamp)
	assert.Nil(t, a.InitialTriggerTimestamp)
	assert.Equal(t, monitor.StatusMisconfigured, h.health.GetStatus(componentNotifier).Status)

	// parked alerts are neither fetched nor evaluated while no webhook resolves
	sum = h.run(t)
	assert.Equal(t, 0, sum.Alerts)
	assert.Equal(t, model.StatusErrorNoWebhook, h.get(t, id).Status)

	h.webhook.set("https://discord.example/hook")
	h.notifier.ExpectedCalls = nil
	h.notifyReturns(notification.Result{Success: true})

	sum = h.run(t)
	assert.Equal(t, 1, sum.WebhookResets)
	assert.Equal(t, 1, sum.Notified)
	a = h.get(t, id)
	assert.Equal(t, model.StatusMonitoringStay, a.Status)
	assert.Equal(t, h.now, *a.InitialTriggerTimestamp)
}

func TestRunCycle_NoRecoveryWhenDisabled(t *testing.T) {
	h := newHarness(t)
	h.engine.recoverNoWebhook = false
	id := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 150, Status: model.StatusErrorNoWebhook})

	sum := h.run(t)
	assert.Equal(t, 0, sum.WebhookResets)
	assert.Equal(t, model.StatusErrorNoWebhook, h.get(t, id).Status)
}

func TestRunCycle_DeliveryFailureKeepsTransition(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 150, Status: model.StatusActive})
	h.quote("AAPL", model.AssetStock, 151)
	h.notifyReturns(notification.Result{Kind: model.DeliveryFailed, Err: errors.New("502 from discord")})

	sum := h.run(t)
	assert.Equal(t, 1, sum.DeliveryFailures)

	a := h.get(t, id)
	assert.Equal(t, model.StatusTriggeredOnce, a.Status)
	assert.Nil(t, a.LastTriggeredTimestamp)
	assert.Nil(t, a.InitialTriggerTimestamp)
	assert.Equal(t, monitor.StatusUnhealthy, h.health.GetStatus(componentNotifier).Status)
	assert.Equal(t, []string{"status:TRIGGERED_ONCE"}, h.events.kinds())
}

func TestRunCycle_PausedExcluded(t *testing.T) {
	h := newHarness(t)
	h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 150, Status: model.StatusPaused})

	sum := h.run(t)
	assert.Equal(t, 0, sum.Alerts)
	h.prices.AssertNotCalled(t, "GetLatest", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycle_FetchPanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	bad := h.create(t, &model.Alert{Ticker: "BAD", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1, Status: model.StatusActive})
	good := h.create(t, &model.Alert{Ticker: "GOOD", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1, Status: model.StatusActive})
	h.prices.On("GetLatest", mock.Anything, "BAD", model.AssetStock).
		Panic("upstream exploded")
	h.quote("GOOD", model.AssetStock, 2)
	h.notifyReturns(notification.Result{Success: true})

	sum := h.run(t)
	assert.Equal(t, 1, sum.FetchFailures)
	assert.Equal(t, model.StatusError, h.get(t, bad).Status)
	assert.Equal(t, model.StatusTriggeredOnce, h.get(t, good).Status)
	assert.Equal(t, monitor.StatusDegraded, h.health.GetStatus(componentPriceSource).Status)
}

func TestRunCycle_ConfigurationError(t *testing.T) {
	h := newHarness(t)
	h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1, Status: model.StatusActive})
	h.prices.On("GetLatest", mock.Anything, "AAPL", model.AssetStock).
		Return(nil, &model.ConfigurationError{Component: "price_api", Reason: "no base url"})

	sum := h.run(t)
	assert.Equal(t, 1, sum.Errored)
	assert.Equal(t, monitor.StatusMisconfigured, h.health.GetStatus(componentPriceSource).Status)
}

// hookStore lets a test interfere between the engine's reads and writes
type hookStore struct {
	*repository.Repository
	beforeFind func(id string)
	saveErr    map[string]error
}

func (s *hookStore) FindByID(ctx context.Context, id string) (*model.Alert, error) {
	if s.beforeFind != nil {
		s.beforeFind(id)
	}
	return s.Repository.FindByID(ctx, id)
}

func (s *hookStore) Save(ctx context.Context, a *model.Alert) (*model.Alert, error) {
	if err := s.saveErr[a.ID]; err != nil {
		return nil, err
	}
	return s.Repository.Save(ctx, a)
}

func TestRunCycle_DeletedDuringCycle(t *testing.T) {
	h := newHarness(t)
	gone := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1, Status: model.StatusActive})
	kept := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionFallsBelow, TargetPrice: 1, Status: model.StatusActive})
	h.quote("AAPL", model.AssetStock, 5)
	h.notifyReturns(notification.Result{Success: true})

	store := &hookStore{Repository: h.repo, beforeFind: func(id string) {
		if id == gone {
			_ = h.repo.Delete(context.Background(), id)
		}
	}}
	h.engine = h.build(store)

	sum := h.run(t)
	assert.Equal(t, 1, sum.Stale)
	assert.Equal(t, 1, sum.Evaluated)
	assert.Equal(t, model.StatusActive, h.get(t, kept).Status)
	h.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunCycle_ConcurrentEditIsNotOverwritten(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 150, Status: model.StatusActive})
	h.quote("AAPL", model.AssetStock, 151)

	// an API edit lands after the engine re-reads the alert but before it saves
	h.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			edit := h.get(t, id)
			edit.Status = model.StatusPaused
			_, err := h.repo.Save(context.Background(), edit)
			require.NoError(t, err)
		}).
		Return(notification.Result{Success: true})

	sum := h.run(t)
	assert.Equal(t, 1, sum.Stale)
	assert.Equal(t, model.StatusPaused, h.get(t, id).Status)
	assert.Empty(t, h.events.kinds())
}

func TestRunCycle_SaveFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	broken := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1, Status: model.StatusActive})
	fine := h.create(t, &model.Alert{Ticker: "MSFT", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1, Status: model.StatusActive})
	h.quote("AAPL", model.AssetStock, 2)
	h.quote("MSFT", model.AssetStock, 2)
	h.notifyReturns(notification.Result{Success: true})

	store := &hookStore{Repository: h.repo, saveErr: map[string]error{broken: errors.New("connection reset")}}
	h.engine = h.build(store)

	sum := h.run(t)
	assert.Equal(t, 1, sum.SaveFailures)
	assert.Equal(t, model.StatusActive, h.get(t, broken).Status)
	assert.Equal(t, model.StatusTriggeredOnce, h.get(t, fine).Status)
}

type failingStore struct {
	AlertStore
}

func (failingStore) FindByStatus(ctx context.Context, statuses []model.Status) ([]*model.Alert, error) {
	return nil, errors.New("database unavailable")
}

func TestRunCycle_LoadFailure(t *testing.T) {
	h := newHarness(t)
	h.engine = h.build(failingStore{})

	_, err := h.engine.RunCycle(context.Background())
	assert.Error(t, err)
}

func TestRunCycle_PublishesTriggeredEvent(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionStaysAbove, TargetPrice: 150, Status: model.StatusActive})
	h.quote("AAPL", model.AssetStock, 160)
	h.notifyReturns(notification.Result{Success: true})

	h.run(t)
	require.Len(t, h.events.events, 2)
	ev := h.events.events[0]
	assert.Equal(t, messaging.EventTriggered, ev.kind)
	assert.Equal(t, id, ev.event.AlertID)
	assert.Equal(t, model.StatusActive, ev.event.FromStatus)
	assert.Equal(t, model.StatusMonitoringStay, ev.event.ToStatus)
	assert.True(t, ev.event.Notified)
	assert.Equal(t, 160.0, *ev.event.Price)
}

func TestRunCycle_SharedLockPreventsDoubleNotify(t *testing.T) {
	h := newHarness(t)
	h.lock = h.repo
	first := h.build(h.repo)
	second := h.build(h.repo)

	id := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 150, Status: model.StatusActive})
	h.quote("AAPL", model.AssetStock, 151)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	h.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-proceed
		}).
		Return(notification.Result{Success: true}).Once()

	done := make(chan CycleSummary, 1)
	go func() {
		sum, _ := first.RunCycle(context.Background())
		done <- sum
	}()

	<-entered
	_, err := second.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleBusy)
	close(proceed)

	sum := <-done
	assert.Equal(t, 1, sum.Notified)
	assert.Equal(t, 0, sum.Stale)

	// once released, the other engine sees the alert already final
	sum, err = second.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Alerts)
	assert.Equal(t, model.StatusTriggeredOnce, h.get(t, id).Status)
	h.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

// panicOnceStore panics on the first save of one alert
type panicOnceStore struct {
	*repository.Repository
	id   string
	once sync.Once
}

func (s *panicOnceStore) Save(ctx context.Context, a *model.Alert) (*model.Alert, error) {
	if a.ID == s.id {
		s.once.Do(func() { panic("disk on fire") })
	}
	return s.Repository.Save(ctx, a)
}

func TestRunCycle_PairPanicIsIsolated(t *testing.T) {
	h := newHarness(t)
	bad := h.create(t, &model.Alert{Ticker: "BAD", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1, Status: model.StatusActive})
	good := h.create(t, &model.Alert{Ticker: "GOOD", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 1, Status: model.StatusActive})
	h.prices.On("GetLatest", mock.Anything, "BAD", model.AssetStock).Return(nil, errors.New("timeout"))
	h.quote("GOOD", model.AssetStock, 2)
	h.notifyReturns(notification.Result{Success: true})

	h.engine = h.build(&panicOnceStore{Repository: h.repo, id: bad})

	sum := h.run(t)
	assert.Equal(t, 1, sum.FetchFailures)
	assert.Equal(t, model.StatusError, h.get(t, bad).Status)
	assert.Equal(t, model.StatusTriggeredOnce, h.get(t, good).Status)
}

func TestRunCycle_CancelledFetchDoesNotMarkError(t *testing.T) {
	h := newHarness(t)
	id := h.create(t, &model.Alert{Ticker: "AAPL", AssetType: model.AssetStock, Condition: model.ConditionRisesAbove, TargetPrice: 150, Status: model.StatusActive})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.prices.On("GetLatest", mock.Anything, "AAPL", model.AssetStock).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	sum, err := h.engine.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.FetchFailures)
	assert.Equal(t, 0, sum.Errored)

	a := h.get(t, id)
	assert.Equal(t, model.StatusActive, a.Status)
	assert.Nil(t, a.LastCheckedTimestamp)
	h.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, h.events.kinds())
}
