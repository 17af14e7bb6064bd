package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/dewei/PriceRadar/pkg/logger"
	"github.com/dewei/PriceRadar/pkg/model"
)

const (
	colorGreen       = 0x00FF00
	colorRed         = 0xFF0000
	colorDeepSkyBlue = 0x00BFFF
	colorOrange      = 0xFFA500
	colorBlurple     = 0x7289DA
)

// WebhookProvider resolves the current webhook URL; "" means none is configured
type WebhookProvider interface {
	Get(ctx context.Context) (string, error)
}

// Result outcome of one notification attempt
type Result struct {
	Success bool
	Kind    model.DeliveryErrorKind
	Err     error
}

// Error converts a failed result into a *model.DeliveryError, nil on success
func (r Result) Error() error {
	if r.Success {
		return nil
	}
	return &model.DeliveryError{Kind: r.Kind, Err: r.Err}
}

// Dispatcher sends alert notifications to a Discord webhook
type Dispatcher struct {
	provider WebhookProvider
	client   *http.Client
	timeout  time.Duration
	footer   string
	now      func() time.Time
	log      *logrus.Entry
}

// NewDispatcher creates a dispatcher; the webhook URL is resolved through provider on every call
func NewDispatcher(provider WebhookProvider, timeout time.Duration, footer string) *Dispatcher {
	return &Dispatcher{
		provider: provider,
		client:   &http.Client{},
		timeout:  timeout,
		footer:   footer,
		now:      time.Now,
		log:      logger.WithComponent("notifier"),
	}
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Timestamp   string       `json:"timestamp"`
	Footer      embedFooter  `json:"footer"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Notify delivers one notification for alert at the quoted price. It never panics.
func (d *Dispatcher) Notify(ctx context.Context, alert *model.Alert, quote *model.Quote) (res Result) {
	log := d.log.WithFields(logrus.Fields{"alert_id": alert.ID, "ticker": alert.Ticker})

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("notification panicked: %v", r)
			res = Result{Kind: model.DeliveryFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	url, err := d.provider.Get(ctx)
	if err != nil {
		log.WithError(err).Error("failed to resolve webhook url")
		return Result{Kind: model.DeliveryFailed, Err: err}
	}
	if url == "" {
		log.Error("discord webhook url not configured, cannot send notification")
		return Result{Kind: model.DeliveryNoWebhookURL}
	}

	body, err := json.Marshal(webhookPayload{Embeds: []embed{d.buildEmbed(alert, quote)}})
	if err != nil {
		return Result{Kind: model.DeliveryFailed, Err: fmt.Errorf("encode payload: %w", err)}
	}

	if err := d.post(ctx, url, body); err != nil {
		log.WithError(err).Error("failed to send discord notification")
		return Result{Kind: model.DeliveryFailed, Err: err}
	}

	log.Info("notification sent")
	return Result{Success: true}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (d *Dispatcher) buildEmbed(alert *model.Alert, quote *model.Quote) embed {
	target := money(alert.TargetPrice)

	var text string
	color := colorBlurple
	switch alert.Condition {
	case model.ConditionRisesAbove:
		text = fmt.Sprintf("has risen above your target of **%s**!", target)
		color = colorGreen
	case model.ConditionFallsBelow:
		text = fmt.Sprintf("has fallen below your target of **%s**!", target)
		color = colorRed
	case model.ConditionStaysAbove:
		text = fmt.Sprintf("is staying above your target of **%s**.", target)
		color = colorDeepSkyBlue
	case model.ConditionStaysBelow:
		text = fmt.Sprintf("is staying below your target of **%s**.", target)
		color = colorOrange
	}

	fields := []embedField{
		{Name: "Ticker", Value: alert.Ticker, Inline: true},
		{Name: "Asset Type", Value: string(alert.AssetType), Inline: true},
		{Name: "Target Price", Value: target, Inline: true},
		{Name: "Current Price", Value: money(quote.Price), Inline: true},
		{Name: "Condition Set", Value: alert.Condition.Label(), Inline: true},
	}
	if quote.Formula != "" {
		fields = append(fields, embedField{Name: "Formula", Value: quote.Formula})
	}

	return embed{
		Title:       fmt.Sprintf("🔔 Price Alert: %s 🔔", alert.Ticker),
		Description: fmt.Sprintf("**%s** (%s) %s", alert.Ticker, alert.AssetType, text),
		Color:       color,
		Fields:      fields,
		Timestamp:   d.now().UTC().Format(time.RFC3339),
		Footer:      embedFooter{Text: d.footer},
	}
}

func money(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}
