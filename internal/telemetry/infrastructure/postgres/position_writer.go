package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/observability/metrics"
)

// Copier is the part of *pgxpool.Pool the writer needs.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var positionColumns = []string{
	"vehicle_ref",
	"recorded_at",
	"latitude",
	"longitude",
	"speed_kmh",
	"heading_degrees",
	"source",
	"received_at",
}

// BatchWriter buffers samples and writes them with COPY in batches.
type BatchWriter struct {
	db            Copier
	ch            chan alerts.Sample
	batchSize     int
	flushInterval time.Duration
	retryDelay    time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// WriterOption configures the writer.
type WriterOption func(*BatchWriter)

// WithBatchSize sets the rows per COPY.
func WithBatchSize(size int) WriterOption {
	return func(w *BatchWriter) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithFlushInterval sets how often a partial batch is flushed.
func WithFlushInterval(d time.Duration) WriterOption {
	return func(w *BatchWriter) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// WithBufferSize sets the queue capacity.
func WithBufferSize(size int) WriterOption {
	return func(w *BatchWriter) {
		if size > 0 {
			w.ch = make(chan alerts.Sample, size)
		}
	}
}

// WithRetryDelay sets the pause before the single retry of a failed batch.
func WithRetryDelay(d time.Duration) WriterOption {
	return func(w *BatchWriter) {
		if d >= 0 {
			w.retryDelay = d
		}
	}
}

// WithWriterLogger sets the logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *BatchWriter) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewBatchWriter constructs a writer. Run must be started to drain it.
func NewBatchWriter(db Copier, opts ...WriterOption) (*BatchWriter, error) {
	if db == nil {
		return nil, errors.New("position writer: nil db")
	}
	w := &BatchWriter{
		db:            db,
		ch:            make(chan alerts.Sample, 10000),
		batchSize:     500,
		flushInterval: time.Second,
		retryDelay:    500 * time.Millisecond,
		logger:        slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Enqueue queues a sample without blocking and reports whether it fit.
func (w *BatchWriter) Enqueue(sample alerts.Sample) bool {
	select {
	case w.ch <- sample:
		return true
	default:
		return false
	}
}

// Run writes batches until ctx ends, then flushes what is queued.
func (w *BatchWriter) Run(ctx context.Context) error {
	batch := make([]alerts.Sample, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case sample := <-w.ch:
			batch = append(batch, sample)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			w.drain(batch)
			return nil
		}
	}
}

func (w *BatchWriter) drain(batch []alerts.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case sample := <-w.ch:
			batch = append(batch, sample)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				w.flush(ctx, batch)
			}
			return
		}
	}
}

func (w *BatchWriter) flush(ctx context.Context, batch []alerts.Sample) {
	err := w.write(ctx, batch)
	if err != nil {
		w.logger.Warn("position write failed, retrying", "batch", len(batch), "error", err)
		select {
		case <-time.After(w.retryDelay):
		case <-ctx.Done():
		}
		if err = w.write(ctx, batch); err != nil {
			w.logger.Error("position write failed", "batch", len(batch), "error", err)
			metrics.AddPositionsWritten(metrics.ResultError, len(batch))
			return
		}
	}
	metrics.AddPositionsWritten(metrics.ResultSuccess, len(batch))
}

func (w *BatchWriter) write(ctx context.Context, batch []alerts.Sample) error {
	receivedAt := w.now()
	rows := make([][]any, len(batch))
	for i, s := range batch {
		rows[i] = []any{
			s.VehicleID,
			s.Timestamp.UTC(),
			s.Latitude,
			s.Longitude,
			s.SpeedKmh,
			s.HeadingDegrees,
			s.Source,
			receivedAt,
		}
	}
	if _, err := w.db.CopyFrom(ctx, pgx.Identifier{"vehicle_positions"}, positionColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy %d positions: %w", len(batch), err)
	}
	return nil
}
