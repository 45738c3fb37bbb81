package application

import (
	"errors"
	"log/slog"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/observability/metrics"
	telemetry "fleetwatch/internal/telemetry/domain"
)

// SampleSubmitter accepts samples for evaluation.
type SampleSubmitter interface {
	Submit(sample alerts.Sample) error
}

// Rejection describes a sample that was not accepted.
type Rejection struct {
	Index     int    `json:"index"`
	VehicleID string `json:"vehicle_id"`
	Reason    string `json:"reason"`
}

// Result summarizes one ingest call.
type Result struct {
	Accepted int         `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// Pipeline routes decoded samples to evaluation and position history.
type Pipeline struct {
	sessions SampleSubmitter
	writer   telemetry.PositionWriter
	logger   *slog.Logger
}

// PipelineOption configures the pipeline.
type PipelineOption func(*Pipeline)

// WithPositionWriter records accepted samples as position history.
func WithPositionWriter(writer telemetry.PositionWriter) PipelineOption {
	return func(p *Pipeline) {
		p.writer = writer
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline constructs a pipeline.
func NewPipeline(sessions SampleSubmitter, opts ...PipelineOption) (*Pipeline, error) {
	if sessions == nil {
		return nil, errors.New("telemetry pipeline: nil sessions")
	}
	p := &Pipeline{sessions: sessions, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Submit queues one sample for evaluation and, once accepted, for
// position history.
func (p *Pipeline) Submit(sample alerts.Sample) error {
	if err := p.sessions.Submit(sample); err != nil {
		return err
	}
	if p.writer != nil && !p.writer.Enqueue(sample) {
		metrics.AddPositionsWritten("dropped", 1)
	}
	return nil
}

// Ingest submits samples in order. It stops and returns
// alertapp.ErrSessionsClosed once evaluation has shut down.
func (p *Pipeline) Ingest(samples []alerts.Sample) (Result, error) {
	var result Result
	for i, sample := range samples {
		err := p.Submit(sample)
		if err != nil {
			if errors.Is(err, alertapp.ErrSessionsClosed) {
				return result, err
			}
			result.Rejected = append(result.Rejected, Rejection{
				Index:     i,
				VehicleID: sample.VehicleID,
				Reason:    rejectReason(err),
			})
			p.logger.Debug("sample rejected", "vehicle_id", sample.VehicleID, "error", err)
			continue
		}
		result.Accepted++
	}
	return result, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, alertapp.ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, alertapp.ErrQueueFull):
		return "queue_full"
	default:
		return "invalid"
	}
}
