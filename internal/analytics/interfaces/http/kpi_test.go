package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/alerts/infrastructure/memory"
	"fleetwatch/internal/analytics/application"
	telemetrymemory "fleetwatch/internal/telemetry/infrastructure/memory"
)

func newKPIHandler(t *testing.T) *KPIHandler {
	t.Helper()
	repo := memory.NewAlertRepository()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i, priority := range []alerts.Priority{alerts.PriorityHigh, alerts.PriorityLow} {
		alert := alerts.Alert{
			ID:        "k" + string(rune('a'+i)),
			VehicleID: 1,
			Kind:      alerts.KindExcessiveSpeed,
			Priority:  priority,
			Status:    alerts.StatusPending,
			FiredAt:   at.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Create(context.Background(), &alert))
	}
	positions := telemetrymemory.NewPositionStore(0)
	for i := 0; i < 11; i++ {
		positions.Enqueue(alerts.Sample{VehicleID: "DEMO-001", Latitude: float64(i) * 0.1, Timestamp: at.Add(time.Duration(i) * time.Minute)})
	}
	svc, err := application.NewKPIService(repo, memory.NewVehicleDirectory(memory.DemoFleet(2)...), application.WithDistanceQuery(positions))
	require.NoError(t, err)
	handler, err := NewKPIHandler(svc)
	require.NoError(t, err)
	return handler
}

func get(handler http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestKPIHandlerReportsVehicleWindow(t *testing.T) {
	handler := newKPIHandler(t)
	rec := get(handler, "/api/v1/kpis?from=2026-03-02T08:00:00Z&to=2026-03-02T10:00:00Z&vehicle_id=DEMO-001")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		VehicleID int64 `json:"vehicle_id"`
		KPIs      struct {
			Total              int      `json:"total"`
			AvgSeverityScore   float64  `json:"avg_severity_score"`
			DistanceKm         *float64 `json:"distance_km"`
			IncidentsPer1000Km *float64 `json:"incidents_per_1000_km"`
		} `json:"kpis"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body.VehicleID)
	assert.Equal(t, 2, body.KPIs.Total)
	assert.InDelta(t, 2.0, body.KPIs.AvgSeverityScore, 1e-9)
	require.NotNil(t, body.KPIs.DistanceKm)
	assert.InDelta(t, 111.2, *body.KPIs.DistanceKm, 0.5)
	require.NotNil(t, body.KPIs.IncidentsPer1000Km)
	assert.InDelta(t, 2/111.2*1000, *body.KPIs.IncidentsPer1000Km, 0.2)
}

func TestKPIHandlerNullRateWithoutTravel(t *testing.T) {
	handler := newKPIHandler(t)
	rec := get(handler, "/api/v1/kpis?from=2026-03-02T08:00:00Z&to=2026-03-02T10:00:00Z&vehicle_id=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body["kpis"]["incidents_per_1000_km"])
	assert.Equal(t, float64(0), body["kpis"]["total"])
}

func TestKPIHandlerErrors(t *testing.T) {
	handler := newKPIHandler(t)
	assert.Equal(t, http.StatusBadRequest, get(handler, "/api/v1/kpis?from=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, get(handler, "/api/v1/kpis?from=2026-03-02T10:00:00Z&to=2026-03-02T08:00:00Z").Code)
	assert.Equal(t, http.StatusNotFound, get(handler, "/api/v1/kpis?vehicle_id=NOPE").Code)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/kpis", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
