package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dewei/PriceRadar/pkg/engine"
	"github.com/dewei/PriceRadar/pkg/logger"
	"github.com/dewei/PriceRadar/pkg/model"
	"github.com/dewei/PriceRadar/pkg/monitor"
)

// AlertRepository alert persistence used by the CRUD routes
type AlertRepository interface {
	Create(ctx context.Context, alert *model.Alert) (*model.Alert, error)
	FindByID(ctx context.Context, id string) (*model.Alert, error)
	List(ctx context.Context) ([]*model.Alert, error)
	Save(ctx context.Context, alert *model.Alert) (*model.Alert, error)
	Delete(ctx context.Context, id string) error
}

// SettingsRepository key/value settings
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (*model.AppSetting, error)
	PutSetting(ctx context.Context, key string, value *string) (*model.AppSetting, error)
}

// PriceProxy relays requests to the upstream price API
type PriceProxy interface {
	Forward(ctx context.Context, path string, params url.Values) (int, []byte, error)
}

// Pinger readiness probe of the backing store
type Pinger interface {
	Ping(ctx context.Context) error
}

// CycleReporter source of the last cycle summary
type CycleReporter interface {
	LastCycle() (engine.CycleSummary, time.Time, bool)
}

// Handlers API handlers
type Handlers struct {
	alerts         AlertRepository
	settings       SettingsRepository
	defaultWebhook string
	proxy          PriceProxy
	pinger         Pinger
	monitor        *monitor.Monitor
	cycles         CycleReporter
	gatherer       prometheus.Gatherer
	log            *logrus.Entry
}

// Deps collaborators of the handlers; Monitor, Cycles and Gatherer are optional
type Deps struct {
	Alerts         AlertRepository
	Settings       SettingsRepository
	DefaultWebhook string
	Proxy          PriceProxy
	Pinger         Pinger
	Monitor        *monitor.Monitor
	Cycles         CycleReporter
	Gatherer       prometheus.Gatherer
}

// NewHandlers creates the handlers
func NewHandlers(d Deps) *Handlers {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		alerts:         d.Alerts,
		settings:       d.Settings,
		defaultWebhook: strings.TrimSpace(d.DefaultWebhook),
		proxy:          d.Proxy,
		pinger:         d.Pinger,
		monitor:        d.Monitor,
		cycles:         d.Cycles,
		gatherer:       d.Gatherer,
		log:            logger.WithComponent("api"),
	}
}

func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadinessCheck pings the store
func (h *Handlers) ReadinessCheck(c *gin.Context) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		var err error
		if h.monitor != nil {
			err = h.monitor.Check(ctx, "database", h.pinger.Ping)
		} else {
			err = h.pinger.Ping(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Status component health and the last cycle
func (h *Handlers) Status(c *gin.Context) {
	resp := gin.H{}
	if h.monitor != nil {
		resp["status"] = h.monitor.Overall()
		resp["components"] = h.monitor.GetAllStatus()
	}
	if h.cycles != nil {
		if sum, at, ok := h.cycles.LastCycle(); ok {
			resp["last_cycle"] = gin.H{"finished_at": at, "summary": sum}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) Metrics(c *gin.Context) {
	promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

// ListAlerts returns every alert, newest first
func (h *Handlers) ListAlerts(c *gin.Context) {
	alerts, err := h.alerts.List(c.Request.Context())
	if err != nil {
		h.internalError(c, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

// CreateAlertRequest body of POST /myapi/alerts
type CreateAlertRequest struct {
	Ticker                         string   `json:"ticker"`
	AssetType                      string   `json:"asset_type"`
	TargetPrice                    *float64 `json:"target_price"`
	Condition                      string   `json:"condition"`
	RenotificationFrequencyMinutes *int     `json:"renotification_frequency_minutes"`
}

// CreateAlert validates the request and stores a new ACTIVE alert
func (h *Handlers) CreateAlert(c *gin.Context) {
	var req CreateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	ticker := strings.TrimSpace(req.Ticker)
	if ticker == "" || req.AssetType == "" || req.TargetPrice == nil || req.Condition == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}

	assetType, err := model.ParseAssetType(req.AssetType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	condition, err := model.ParseCondition(req.Condition)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	renotify := 0
	if req.RenotificationFrequencyMinutes != nil {
		if *req.RenotificationFrequencyMinutes < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "renotification_frequency_minutes must not be negative"})
			return
		}
		if condition.IsStay() {
			renotify = *req.RenotificationFrequencyMinutes
		}
	}

	alert, err := h.alerts.Create(c.Request.Context(), &model.Alert{
		Ticker:                         ticker,
		AssetType:                      assetType,
		TargetPrice:                    *req.TargetPrice,
		Condition:                      condition,
		Status:                         model.StatusActive,
		RenotificationFrequencyMinutes: renotify,
	})
	if err != nil {
		h.internalError(c, "create alert", err)
		return
	}

	h.log.WithFields(logrus.Fields{"alert_id": alert.ID, "ticker": alert.Ticker}).Info("alert created")
	c.JSON(http.StatusCreated, alert)
}

// UpdateAlertRequest body of PUT /myapi/alerts/:id; absent fields are left unchanged
type UpdateAlertRequest struct {
	TargetPrice                    *float64 `json:"target_price"`
	Condition                      *string  `json:"condition"`
	Status                         *string  `json:"status"`
	RenotificationFrequencyMinutes *int     `json:"renotification_frequency_minutes"`
	Version                        *int64   `json:"version"`
}

// UpdateAlert applies a partial update. A write that lost a race with the engine gets 409.
func (h *Handlers) UpdateAlert(c *gin.Context) {
	ctx := c.Request.Context()

	var req UpdateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	alert, err := h.alerts.FindByID(ctx, c.Param("id"))
	if err != nil {
		h.internalError(c, "find alert", err)
		return
	}
	if alert == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
		return
	}
	if req.Version != nil && *req.Version != alert.Version {
		c.JSON(http.StatusConflict, gin.H{"error": "alert was modified, reload and retry", "alert": alert})
		return
	}

	if req.TargetPrice != nil {
		alert.TargetPrice = *req.TargetPrice
	}
	if req.Condition != nil && *req.Condition != "" {
		cond, err := model.ParseCondition(*req.Condition)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		alert.Condition = cond
	}

	var status model.Status
	if req.Status != nil && *req.Status != "" {
		status, err = model.ParseStatus(*req.Status)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		alert.Status = status
	}

	if req.RenotificationFrequencyMinutes != nil {
		if *req.RenotificationFrequencyMinutes < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "renotification_frequency_minutes must not be negative"})
			return
		}
		alert.RenotificationFrequencyMinutes = *req.RenotificationFrequencyMinutes
	}
	if !alert.Condition.IsStay() {
		alert.RenotificationFrequencyMinutes = 0
	}

	// restarting or pausing a stay alert restarts its renotification clock
	if (status == model.StatusActive || status == model.StatusPaused) && alert.Condition.IsStay() {
		alert.LastTriggeredTimestamp = nil
	}

	updated, err := h.alerts.Save(ctx, alert)
	if err != nil {
		if errors.Is(err, model.ErrStaleEntity) {
			c.JSON(http.StatusConflict, gin.H{"error": "alert was modified, reload and retry"})
			return
		}
		h.internalError(c, "save alert", err)
		return
	}

	h.log.WithFields(logrus.Fields{"alert_id": updated.ID, "status": updated.Status}).Info("alert updated")
	c.JSON(http.StatusOK, updated)
}

func (h *Handlers) DeleteAlert(c *gin.Context) {
	id := c.Param("id")
	if err := h.alerts.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
			return
		}
		h.internalError(c, "delete alert", err)
		return
	}

	h.log.WithField("alert_id", id).Info("alert deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Alert deleted"})
}

// GetWebhook returns the stored webhook URL, else the environment default, else null
func (h *Handlers) GetWebhook(c *gin.Context) {
	setting, err := h.settings.GetSetting(c.Request.Context(), model.WebhookSettingKey)
	if err != nil {
		h.internalError(c, "read webhook setting", err)
		return
	}

	var value *string
	if setting != nil && setting.Value != nil && strings.TrimSpace(*setting.Value) != "" {
		value = setting.Value
	} else if h.defaultWebhook != "" {
		value = &h.defaultWebhook
	}
	c.JSON(http.StatusOK, gin.H{"webhook_url": value})
}

type webhookRequest struct {
	WebhookURL *string `json:"webhook_url"`
}

// PutWebhook stores the webhook URL; an empty value clears it
func (h *Handlers) PutWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	var value *string
	if req.WebhookURL != nil {
		v := strings.TrimSpace(*req.WebhookURL)
		if v != "" {
			if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook URL format."})
				return
			}
			value = &v
		}
	}

	setting, err := h.settings.PutSetting(c.Request.Context(), model.WebhookSettingKey, value)
	if err != nil {
		h.internalError(c, "store webhook setting", err)
		return
	}

	h.log.WithField("configured", value != nil).Info("discord webhook updated")
	c.JSON(http.StatusOK, gin.H{"webhook_url": setting.Value})
}

// ProxyTickers relays a ticker search to the upstream API
func (h *Handlers) ProxyTickers(c *gin.Context) {
	if c.Query("query") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Query parameter is required"})
		return
	}
	h.forward(c, "/api/tickers", []string{"query", "asset_type", "limit", "page", "fuzzy"},
		"Failed to fetch data from external ticker API.")
}

// ProxyLatest relays a latest-price lookup to the upstream API
func (h *Handlers) ProxyLatest(c *gin.Context) {
	if c.Query("ticker") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ticker parameter is required"})
		return
	}
	h.forward(c, "/api/latest", []string{"ticker", "asset_type"},
		"Failed to fetch latest price from external API.")
}

func (h *Handlers) forward(c *gin.Context, path string, keys []string, failure string) {
	params := url.Values{}
	for _, k := range keys {
		if v := c.Query(k); v != "" {
			params.Set(k, v)
		}
	}

	status, body, err := h.proxy.Forward(c.Request.Context(), path, params)
	if err != nil {
		var ce *model.ConfigurationError
		if errors.As(err, &ce) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "External API endpoint not configured on server."})
			return
		}
		h.log.WithError(err).WithField("path", path).Warn("proxy request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": failure})
		return
	}

	c.Data(status, "application/json; charset=utf-8", body)
}

func (h *Handlers) internalError(c *gin.Context, op string, err error) {
	h.log.WithError(err).Error(op + " failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
