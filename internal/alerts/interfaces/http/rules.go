package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
)

// RulesHandler serves alert rule administration.
type RulesHandler struct {
	service *alertapp.Service
}

// NewRulesHandler constructs a rules handler.
func NewRulesHandler(service *alertapp.Service) (*RulesHandler, error) {
	if service == nil {
		return nil, errors.New("rules handler: nil service")
	}
	return &RulesHandler{service: service}, nil
}

// ServeHTTP handles /api/v1/alert-rules and subroutes.
func (h *RulesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/v1/alert-rules" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rules, err := h.service.ListRules(r.Context())
		if err != nil {
			respondError(w, err)
			return
		}
		if rules == nil {
			rules = []alerts.AlertRule{}
		}
		writeJSON(w, http.StatusOK, rules)
		return
	}
	if !strings.HasPrefix(r.URL.Path, "/api/v1/alert-rules/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/alert-rules/"), "/"), "/")
	kind := alerts.ParseKind(parts[0])
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handlePatch(w, r, kind)
	case len(parts) == 2 && parts[1] == "toggle":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rule, err := h.service.ToggleRule(r.Context(), kind)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *RulesHandler) handlePatch(w http.ResponseWriter, r *http.Request, kind alerts.Kind) {
	var patch alerts.RulePatch
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&patch); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	rule, err := h.service.UpdateRule(r.Context(), kind, patch)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}
