package kpi

import (
	"errors"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
)

var (
	// ErrInvalidWindow is returned when the window end is not after its start.
	ErrInvalidWindow = errors.New("kpi: invalid window")
	// ErrNegativeDistance is returned when a distance below zero is supplied.
	ErrNegativeDistance = errors.New("kpi: negative distance")
)

// Incident is one alert counted by the KPI report.
type Incident struct {
	Kind     alerts.Kind
	Severity alerts.Priority
	At       time.Time
}

// KPIs summarizes incidents over a window.
type KPIs struct {
	Total              int                     `json:"total"`
	BySeverity         map[alerts.Priority]int `json:"by_severity"`
	ByKind             map[alerts.Kind]int     `json:"by_kind"`
	AvgSeverityScore   float64                 `json:"avg_severity_score"`
	DistanceKm         *float64                `json:"distance_km"`
	IncidentsPer1000Km *float64                `json:"incidents_per_1000_km"`
}

// SeverityScore maps low, medium, high and critical to 1..4.
// Unknown severities score 0.
func SeverityScore(p alerts.Priority) int {
	return p.Rank()
}

// ComputeKPIs aggregates incidents. Incidents with an unknown severity count
// toward Total but not toward the average score. IncidentsPer1000Km is nil
// when km is nil or zero.
func ComputeKPIs(incidents []Incident, km *float64) KPIs {
	out := KPIs{
		Total:      len(incidents),
		BySeverity: make(map[alerts.Priority]int),
		ByKind:     make(map[alerts.Kind]int),
	}
	var scored, sum int
	for _, incident := range incidents {
		out.ByKind[incident.Kind]++
		score := SeverityScore(incident.Severity)
		if score == 0 {
			out.BySeverity["unknown"]++
			continue
		}
		out.BySeverity[incident.Severity]++
		scored++
		sum += score
	}
	if scored > 0 {
		out.AvgSeverityScore = float64(sum) / float64(scored)
	}
	if km != nil {
		distance := *km
		out.DistanceKm = &distance
		if distance > 0 {
			rate := float64(out.Total) / distance * 1000
			out.IncidentsPer1000Km = &rate
		}
	}
	return out
}

// FromAlerts converts alert records to incidents.
func FromAlerts(records []alerts.Alert) []Incident {
	out := make([]Incident, 0, len(records))
	for _, alert := range records {
		out = append(out, Incident{Kind: alert.Kind, Severity: alert.Priority, At: alert.FiredAt})
	}
	return out
}
