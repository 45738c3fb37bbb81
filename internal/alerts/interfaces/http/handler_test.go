package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/alerts/infrastructure/memory"
)

var firedAt = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *memory.AlertRepository
	rules   *memory.RuleRepository
	service *alertapp.Service
	mux     *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		repo:  memory.NewAlertRepository(),
		rules: memory.NewRuleRepository(alerts.DefaultRules()...),
	}
	vehicles := memory.NewVehicleDirectory(memory.DemoFleet(2)...)
	store, err := alertapp.NewThresholdStore(f.rules, alertapp.WithThresholdLogger(logger))
	require.NoError(t, err)
	sink, err := alertapp.NewSink(vehicles, f.repo, alertapp.WithSinkLogger(logger))
	require.NoError(t, err)
	f.service, err = alertapp.NewService(f.rules, f.repo, store, sink, alertapp.WithLogger(logger))
	require.NoError(t, err)

	alertsHandler, err := NewHandler(f.service)
	require.NoError(t, err)
	rulesHandler, err := NewRulesHandler(f.service)
	require.NoError(t, err)
	f.mux = http.NewServeMux()
	f.mux.Handle("/api/v1/alerts", alertsHandler)
	f.mux.Handle("/api/v1/alerts/", alertsHandler)
	f.mux.Handle("/api/v1/alert-rules", rulesHandler)
	f.mux.Handle("/api/v1/alert-rules/", rulesHandler)
	return f
}

func (f *fixture) seed(t *testing.T, id string, vehicleID int64, kind alerts.Kind, offset time.Duration) {
	t.Helper()
	require.NoError(t, f.repo.Create(context.Background(), &alerts.Alert{
		ID:        id,
		VehicleID: vehicleID,
		Kind:      kind,
		Priority:  alerts.PriorityHigh,
		Status:    alerts.StatusPending,
		FiredAt:   firedAt.Add(offset),
	}))
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestListAlertsFilters(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a1", 1, alerts.KindExcessiveSpeed, 0)
	f.seed(t, "a2", 2, alerts.KindProlongedStop, time.Minute)
	f.seed(t, "a3", 1, alerts.KindProlongedStop, 2*time.Minute)

	rec := f.do(http.MethodGet, "/api/v1/alerts?vehicle_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []alerts.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "a3", list[0].ID)
	assert.Equal(t, "a1", list[1].ID)

	rec = f.do(http.MethodGet, "/api/v1/alerts?kind=prolonged_stop&from=2026-03-02T08:00:30Z&to=2026-03-02T08:01:30Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "a2", list[0].ID)

	rec = f.do(http.MethodGet, "/api/v1/alerts?status=resolved", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestListAlertsRejectsBadQuery(t *testing.T) {
	f := newFixture(t)
	cases := []string{
		"/api/v1/alerts?from=yesterday",
		"/api/v1/alerts?from=2026-03-02T09:00:00Z&to=2026-03-02T08:00:00Z",
		"/api/v1/alerts?vehicle_id=abc",
		"/api/v1/alerts?status=open",
		"/api/v1/alerts?limit=-1",
	}
	for _, target := range cases {
		rec := f.do(http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodPost, "/api/v1/alerts", "").Code)
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a1", 1, alerts.KindExcessiveSpeed, 0)
	f.seed(t, "a2", 1, alerts.KindExcessiveSpeed, time.Minute)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/alerts/missing", "").Code)

	rec := f.do(http.MethodPost, "/api/v1/alerts/a1/seen", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var alert alerts.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.Equal(t, alerts.StatusSeen, alert.Status)
	require.NotNil(t, alert.SeenAt)

	rec = f.do(http.MethodPost, "/api/v1/alerts/a1/resolve", `{"resolved_by":"dispatcher-7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.Equal(t, alerts.StatusResolved, alert.Status)
	assert.Equal(t, "dispatcher-7", alert.ResolvedBy)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/alerts/a1/seen", "").Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/alerts/a1/ignore", "").Code)

	rec = f.do(http.MethodGet, "/api/v1/alerts/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alert))
	assert.Equal(t, alerts.StatusResolved, alert.Status)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v1/alerts/a2/ignore", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/v1/alerts/a2/archive", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/alerts/a2/resolve", "{").Code)
}

func TestRuleEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/alert-rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []alerts.AlertRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.NotEmpty(t, rules)

	rec = f.do(http.MethodPatch, "/api/v1/alert-rules/excessive_speed", `{"thresholds":{"max_speed_kmh":95},"debounce_seconds":120}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var rule alerts.AlertRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.InDelta(t, 95, rule.Thresholds[alerts.ThresholdMaxSpeedKmh], 0.001)
	assert.Equal(t, 120, rule.DebounceSeconds)

	stored, err := f.rules.GetRule(context.Background(), alerts.KindExcessiveSpeed)
	require.NoError(t, err)
	assert.Equal(t, 120, stored.DebounceSeconds)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/api/v1/alert-rules/excessive_speed", `{"debounce_seconds":-5}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/api/v1/alert-rules/excessive_speed", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPatch, "/api/v1/alert-rules/excessive_speed", `{"speed":1}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPatch, "/api/v1/alert-rules/teleport", `{"debounce_seconds":5}`).Code)

	rec = f.do(http.MethodPost, "/api/v1/alert-rules/excessive_speed/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, !stored.Enabled, rule.Enabled)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/api/v1/alert-rules/excessive_speed/toggle", "").Code)
}

func TestStreamHandlerDeliversEvents(t *testing.T) {
	broker := NewStreamBroker()
	server := httptest.NewServer(NewStreamHandler(broker))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ready\n", line)
	_, _ = reader.ReadString('\n')
	_, _ = reader.ReadString('\n')

	require.Eventually(t, func() bool { return broker.Clients() == 1 }, time.Second, 10*time.Millisecond)
	broker.Notify(context.Background(), alertapp.AlertEvent{
		Type:  alertapp.EventFired,
		Alert: alerts.Alert{ID: "a1", Kind: alerts.KindExcessiveSpeed},
	})

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: alert\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	var event alertapp.AlertEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
	assert.Equal(t, alertapp.EventFired, event.Type)
	assert.Equal(t, "a1", event.Alert.ID)
}

func TestWebSocketHandlerDeliversEvents(t *testing.T) {
	broker := NewStreamBroker()
	server := httptest.NewServer(NewWebSocketHandler(broker, slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return broker.Clients() == 1 }, time.Second, 10*time.Millisecond)
	broker.Notify(context.Background(), alertapp.AlertEvent{
		Type:  alertapp.EventResolved,
		Alert: alerts.Alert{ID: "a9", Status: alerts.StatusResolved},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, messageType)
	var event alertapp.AlertEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, alertapp.EventResolved, event.Type)
	assert.Equal(t, "a9", event.Alert.ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return broker.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStreamBrokerDropsForSlowClient(t *testing.T) {
	broker := NewStreamBroker()
	ch := broker.Subscribe()
	for i := 0; i < 40; i++ {
		broker.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventFired})
	}
	assert.Len(t, ch, cap(ch))
	broker.Unsubscribe(ch)
	broker.Unsubscribe(ch)
	assert.Equal(t, 0, broker.Clients())
}
