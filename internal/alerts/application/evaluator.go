package application

import (
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

// Action is the evaluator's verdict for one sample.
type Action int

const (
	// ActionNone leaves an idle window idle.
	ActionNone Action = iota
	// ActionStart opens a new violation window.
	ActionStart
	// ActionHold keeps accumulating, or keeps a fired window until reset.
	ActionHold
	// ActionReset clears a window after a compliant sample.
	ActionReset
	// ActionFire asks the caller to attempt an alert.
	ActionFire
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionHold:
		return "hold"
	case ActionReset:
		return "reset"
	case ActionFire:
		return "fire"
	default:
		return "none"
	}
}

// Decision is the evaluator output. Window is the state to store unless the
// fire attempt changes it.
type Decision struct {
	Kind    alerts.Kind
	Action  Action
	Window  alerts.TrackingWindow
	Elapsed time.Duration
}

// Evaluate dispatches to the state machine for rule.Kind.
func Evaluate(rule alerts.AlertRule, window alerts.TrackingWindow, sample alerts.Sample) Decision {
	switch rule.Kind {
	case alerts.KindExcessiveSpeed:
		return EvaluateSpeed(rule, window, sample)
	case alerts.KindProlongedStop:
		return EvaluateStop(rule, window, sample)
	default:
		return Decision{Kind: rule.Kind, Action: ActionNone, Window: window}
	}
}

// EvaluateSpeed runs the excessive-speed machine. The limit is max_speed_kmh
// widened by tolerance_percent.
func EvaluateSpeed(rule alerts.AlertRule, window alerts.TrackingWindow, sample alerts.Sample) Decision {
	if sample.SpeedKmh <= rule.SpeedLimit() {
		return reset(alerts.KindExcessiveSpeed, window)
	}
	return accumulate(alerts.KindExcessiveSpeed, rule, window, sample, false)
}

// EvaluateStop runs the prolonged-stop machine. When radius_meters is set, a
// stopped vehicle that drifts beyond the radius from its anchor starts a new window.
func EvaluateStop(rule alerts.AlertRule, window alerts.TrackingWindow, sample alerts.Sample) Decision {
	if sample.SpeedKmh > rule.StopSpeed() {
		return reset(alerts.KindProlongedStop, window)
	}
	if !window.Idle() && window.HasAnchor {
		if radius := rule.Radius(); radius > 0 {
			distance := alerts.HaversineMeters(window.AnchorLat, window.AnchorLng, sample.Latitude, sample.Longitude)
			if distance > radius {
				window = alerts.TrackingWindow{}
			}
		}
	}
	return accumulate(alerts.KindProlongedStop, rule, window, sample, true)
}

func reset(kind alerts.Kind, window alerts.TrackingWindow) Decision {
	if window.Idle() && !window.AlreadyFired {
		return Decision{Kind: kind, Action: ActionNone, Window: window}
	}
	return Decision{Kind: kind, Action: ActionReset, Window: alerts.TrackingWindow{}}
}

func accumulate(kind alerts.Kind, rule alerts.AlertRule, window alerts.TrackingWindow, sample alerts.Sample, anchor bool) Decision {
	action := ActionHold
	if window.Idle() {
		start := sample.Timestamp
		window = alerts.TrackingWindow{WindowStart: &start}
		if anchor {
			window.HasAnchor = true
			window.AnchorLat = sample.Latitude
			window.AnchorLng = sample.Longitude
		}
		action = ActionStart
	}
	elapsed := window.Elapsed(sample.Timestamp)
	if !window.AlreadyFired && elapsed >= rule.Duration() {
		return Decision{Kind: kind, Action: ActionFire, Window: window, Elapsed: elapsed}
	}
	return Decision{Kind: kind, Action: action, Window: window, Elapsed: elapsed}
}
