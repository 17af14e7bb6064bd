package engine

import (
	"time"

	"github.com/dewei/PriceRadar/pkg/model"
)

// transition result of evaluating one alert against a price
type transition struct {
	Next   model.Status
	Notify bool
	Holds  bool
}

// decide applies the condition table to an alert that is ACTIVE, MONITORING_STAY or TRIGGERED_ONCE.
//
//	RISES/FALLS  ACTIVE, holds          -> TRIGGERED_ONCE, notify
//	STAYS        ACTIVE, holds          -> MONITORING_STAY, notify
//	STAYS        MONITORING_STAY, holds -> MONITORING_STAY, notify when the renotify window has passed
//	STAYS        MONITORING_STAY, not   -> ACTIVE
//	any          TRIGGERED_ONCE         -> no-op
func decide(a *model.Alert, price float64, now time.Time) transition {
	t := transition{Next: a.Status, Holds: a.Condition.Holds(price, a.TargetPrice)}

	if a.Status == model.StatusTriggeredOnce {
		return t
	}

	if !a.Condition.IsStay() {
		if a.Status == model.StatusActive && t.Holds {
			t.Next = model.StatusTriggeredOnce
			t.Notify = true
		}
		return t
	}

	switch a.Status {
	case model.StatusActive:
		if t.Holds {
			t.Next = model.StatusMonitoringStay
			t.Notify = true
		}
	case model.StatusMonitoringStay:
		if !t.Holds {
			t.Next = model.StatusActive
			return t
		}
		t.Notify = renotifyDue(a, now)
	}
	return t
}

// renotifyDue a zero frequency never renotifies; otherwise an unset last trigger or an elapsed window does
func renotifyDue(a *model.Alert, now time.Time) bool {
	freq := a.EffectiveRenotifyMinutes()
	if freq <= 0 {
		return false
	}
	if a.LastTriggeredTimestamp == nil {
		return true
	}
	return now.Sub(*a.LastTriggeredTimestamp) >= time.Duration(freq)*time.Minute
}
