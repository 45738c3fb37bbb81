package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"fleetwatch/internal/observability/metrics"
	"fleetwatch/internal/telemetry/application"
	telemetry "fleetwatch/internal/telemetry/domain"
)

const maxBodyBytes = 1 << 20

// IngestHandler accepts GPS samples over HTTP.
type IngestHandler struct {
	pipeline *application.Pipeline
	logger   *slog.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(pipeline *application.Pipeline, logger *slog.Logger) (*IngestHandler, error) {
	if pipeline == nil {
		return nil, errors.New("ingest handler: nil pipeline")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{pipeline: pipeline, logger: logger}, nil
}

// ServeHTTP handles POST /ingest/positions with one sample or an array.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	result := metrics.ResultError
	defer func() {
		metrics.ObserveIngest(result, time.Since(start))
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("ingest: read body failed", "error", err)
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	samples, err := telemetry.DecodeSamples(body, "http")
	if err != nil {
		metrics.IncSampleRejected("invalid")
		h.logger.Debug("ingest: invalid payload", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.pipeline.Ingest(samples)
	if err != nil {
		http.Error(w, "ingest closed", http.StatusServiceUnavailable)
		return
	}
	result = metrics.ResultSuccess

	status := http.StatusAccepted
	if res.Accepted == 0 {
		status = http.StatusConflict
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
