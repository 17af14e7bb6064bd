package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/dewei/PriceRadar/pkg/model"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.CycleCompleted(time.Second, nil)
	m.CycleCompleted(time.Second, errors.New("x"))
	m.CycleSkipped()
	m.FetchResult(true)
	m.FetchResult(false)
	m.FetchResult(false)
	m.Notification("")
	m.Notification(model.DeliveryNoWebhookURL)
	m.Transition(model.StatusActive, model.StatusTriggeredOnce)
	m.Transition(model.StatusActive, model.StatusActive)
	m.SetAlertCounts(map[model.Status]int64{model.StatusActive: 3})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CyclesSkipped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Fetches.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("NO_WEBHOOK_URL")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Transitions))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AlertsInStatus.WithLabelValues("ACTIVE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AlertsInStatus.WithLabelValues("PAUSED")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CycleCompleted(time.Second, nil)
		m.CycleSkipped()
		m.FetchResult(true)
		m.Notification(model.DeliveryFailed)
		m.Transition(model.StatusActive, model.StatusError)
		m.SetAlertCounts(nil)
	})
}
