// pkg/model/alert.go
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AssetType identifies which kind of instrument a ticker refers to
type AssetType string

const (
	AssetStock    AssetType = "STOCK"
	AssetCrypto   AssetType = "CRYPTO"
	AssetCurrency AssetType = "CURRENCY"
	AssetDerived  AssetType = "DERIVED"
)

// ParseAssetType accepts any casing of the four asset types.
func ParseAssetType(s string) (AssetType, error) {
	switch a := AssetType(strings.ToUpper(strings.TrimSpace(s))); a {
	case AssetStock, AssetCrypto, AssetCurrency, AssetDerived:
		return a, nil
	}
	return "", fmt.Errorf("unknown asset type %q", s)
}

// Condition is the comparison an alert applies to the latest price
type Condition string

const (
	ConditionRisesAbove Condition = "PRICE_RISES_ABOVE"
	ConditionFallsBelow Condition = "PRICE_FALLS_BELOW"
	ConditionStaysAbove Condition = "PRICE_STAYS_ABOVE"
	ConditionStaysBelow Condition = "PRICE_STAYS_BELOW"
)

// ParseCondition accepts both the stored names and the short form without the PRICE_ prefix.
func ParseCondition(s string) (Condition, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(v, "PRICE_") {
		v = "PRICE_" + v
	}
	switch c := Condition(v); c {
	case ConditionRisesAbove, ConditionFallsBelow, ConditionStaysAbove, ConditionStaysBelow:
		return c, nil
	}
	return "", fmt.Errorf("unknown condition %q", s)
}

// IsStay reports whether the condition keeps monitoring after it first holds.
func (c Condition) IsStay() bool {
	return c == ConditionStaysAbove || c == ConditionStaysBelow
}

// Holds compares price against target with strict inequality.
func (c Condition) Holds(price, target float64) bool {
	switch c {
	case ConditionRisesAbove, ConditionStaysAbove:
		return price > target
	case ConditionFallsBelow, ConditionStaysBelow:
		return price < target
	}
	return false
}

// Label is the human readable form used in notifications.
func (c Condition) Label() string {
	return strings.ReplaceAll(string(c), "_", " ")
}

// Status is the lifecycle state of an alert
type Status string

const (
	StatusActive         Status = "ACTIVE"
	StatusMonitoringStay Status = "MONITORING_STAY"
	StatusTriggeredOnce  Status = "TRIGGERED_ONCE"
	StatusPaused         Status = "PAUSED"
	StatusError          Status = "ERROR"
	StatusErrorNoWebhook Status = "ERROR_NO_WEBHOOK"
)

// AllStatuses lists every status in a stable order.
var AllStatuses = []Status{
	StatusActive,
	StatusMonitoringStay,
	StatusTriggeredOnce,
	StatusPaused,
	StatusError,
	StatusErrorNoWebhook,
}

// ParseStatus validates a status coming from the API.
func ParseStatus(s string) (Status, error) {
	v := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStatuses {
		if st == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Fetchable statuses take part in the price fetch phase.
func (s Status) Fetchable() bool {
	return s == StatusActive || s == StatusMonitoringStay || s == StatusError
}

// Evaluable statuses run through the condition state machine.
func (s Status) Evaluable() bool {
	return s == StatusActive || s == StatusMonitoringStay || s == StatusTriggeredOnce
}

// Alert a user-configured price condition on one instrument
type Alert struct {
	ID                             string     `gorm:"type:uuid;primaryKey" json:"id"`
	Ticker                         string     `gorm:"type:varchar(32);not null;index:idx_alert_pair,priority:1" json:"ticker"`
	AssetType                      AssetType  `gorm:"type:varchar(16);not null;index:idx_alert_pair,priority:2" json:"asset_type"`
	TargetPrice                    float64    `gorm:"not null" json:"target_price"`
	Condition                      Condition  `gorm:"type:varchar(32);not null" json:"condition"`
	Status                         Status     `gorm:"type:varchar(20);not null;default:'ACTIVE';index" json:"status"`
	RenotificationFrequencyMinutes int        `gorm:"not null;default:0" json:"renotification_frequency_minutes"`
	LastCheckedPrice               *float64   `json:"last_checked_price"`
	LastCheckedTimestamp           *time.Time `json:"last_checked_timestamp"`
	InitialTriggerTimestamp        *time.Time `json:"initial_trigger_timestamp"`
	LastTriggeredTimestamp         *time.Time `json:"last_triggered_timestamp"`
	Version                        int64      `gorm:"not null;default:0" json:"version"`
	CreatedAt                      time.Time  `json:"created_at"`
	UpdatedAt                      time.Time  `json:"updated_at"`
}

func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

func (Alert) TableName() string {
	return "alerts"
}

// Pair returns the dedup key used by the fetch phase.
func (a *Alert) Pair() Pair {
	return Pair{Ticker: a.Ticker, AssetType: a.AssetType}
}

// EffectiveRenotifyMinutes is zero for one-shot conditions regardless of the stored value.
func (a *Alert) EffectiveRenotifyMinutes() int {
	if !a.Condition.IsStay() || a.RenotificationFrequencyMinutes < 0 {
		return 0
	}
	return a.RenotificationFrequencyMinutes
}

// Clone returns a deep copy so that callers never share pointer fields.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.LastCheckedPrice = cloneFloat(a.LastCheckedPrice)
	c.LastCheckedTimestamp = cloneTime(a.LastCheckedTimestamp)
	c.InitialTriggerTimestamp = cloneTime(a.InitialTriggerTimestamp)
	c.LastTriggeredTimestamp = cloneTime(a.LastTriggeredTimestamp)
	return &c
}

// MarkChecked records the most recent observed quote.
func (a *Alert) MarkChecked(price float64, at time.Time) {
	a.LastCheckedPrice = &price
	a.LastCheckedTimestamp = &at
}

// MarkFetchFailed clears the price and stamps the check time.
func (a *Alert) MarkFetchFailed(at time.Time) {
	a.LastCheckedPrice = nil
	a.LastCheckedTimestamp = &at
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
