package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/analytics/application"
	"fleetwatch/internal/analytics/domain/kpi"
)

// KPIHandler serves incident KPI reports.
type KPIHandler struct {
	service *application.KPIService
}

// NewKPIHandler constructs a handler.
func NewKPIHandler(service *application.KPIService) (*KPIHandler, error) {
	if service == nil {
		return nil, errors.New("kpi handler: nil service")
	}
	return &KPIHandler{service: service}, nil
}

// ServeHTTP handles GET /api/v1/kpis?from&to&vehicle_id.
func (h *KPIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	var (
		q   application.KPIQuery
		err error
	)
	if q.From, err = parseTime(query.Get("from")); err != nil {
		http.Error(w, "from must be RFC3339", http.StatusBadRequest)
		return
	}
	if q.To, err = parseTime(query.Get("to")); err != nil {
		http.Error(w, "to must be RFC3339", http.StatusBadRequest)
		return
	}
	q.Vehicle = query.Get("vehicle_id")

	report, err := h.service.Compute(r.Context(), q)
	if err != nil {
		switch {
		case errors.Is(err, kpi.ErrInvalidWindow):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, alerts.ErrVehicleNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, "kpi query error", http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
