// pkg/model/notification.go
package model

import "time"

// AlertEvent published on the event bus when the engine changes an alert or delivers a notification
type AlertEvent struct {
	AlertID     string    `json:"alert_id"`
	Ticker      string    `json:"ticker"`
	AssetType   AssetType `json:"asset_type"`
	Condition   Condition `json:"condition"`
	TargetPrice float64   `json:"target_price"`
	Price       *float64  `json:"price,omitempty"`
	FromStatus  Status    `json:"from_status"`
	ToStatus    Status    `json:"to_status"`
	Notified    bool      `json:"notified"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewAlertEvent builds an event from the alert's current state.
func NewAlertEvent(a *Alert, from Status, notified bool, at time.Time) AlertEvent {
	return AlertEvent{
		AlertID:     a.ID,
		Ticker:      a.Ticker,
		AssetType:   a.AssetType,
		Condition:   a.Condition,
		TargetPrice: a.TargetPrice,
		Price:       cloneFloat(a.LastCheckedPrice),
		FromStatus:  from,
		ToStatus:    a.Status,
		Notified:    notified,
		Timestamp:   at,
	}
}
