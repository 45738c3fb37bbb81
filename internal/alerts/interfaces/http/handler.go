package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
)

const timeLayout = time.RFC3339

// Handler provides alert HTTP endpoints.
type Handler struct {
	service *alertapp.Service
}

// NewHandler constructs a handler.
func NewHandler(service *alertapp.Service) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	return &Handler{service: service}, nil
}

// ServeHTTP handles /api/v1/alerts and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/alerts":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v1/alerts/"):
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/"), "/")
		parts := strings.Split(path, "/")
		switch len(parts) {
		case 1:
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.handleGet(w, r, parts[0])
		case 2:
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.handleAction(w, r, parts[0], parts[1])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter alerts.Filter
	if raw := query.Get("vehicle_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "vehicle_id must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.VehicleID = id
	}
	filter.Kind = alerts.Kind(query.Get("kind"))
	if status := query.Get("status"); status != "" {
		filter.Status = alerts.Status(status)
		if !filter.Status.Valid() {
			http.Error(w, "unknown status", http.StatusBadRequest)
			return
		}
	}
	var err error
	if filter.From, err = parseOptionalTime(r, "from"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if filter.To, err = parseOptionalTime(r, "to"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	list, err := h.service.ListAlerts(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	alert, err := h.service.GetAlert(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, id, action string) {
	var (
		alert *alerts.Alert
		err   error
	)
	switch action {
	case "seen":
		alert, err = h.service.MarkSeen(r.Context(), id)
	case "resolve":
		var req resolveRequest
		if r.Body != nil && r.ContentLength != 0 {
			if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
		}
		alert, err = h.service.Resolve(r.Context(), id, req.ResolvedBy)
	case "ignore":
		alert, err = h.service.Ignore(r.Context(), id)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, alerts.ErrNotFound), errors.Is(err, alerts.ErrUnknownKind):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, alerts.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, alerts.ErrInvalidRule):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case alerts.IsRetryable(err):
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func parseOptionalTime(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
