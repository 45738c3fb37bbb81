package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerts "fleetwatch/internal/alerts/domain"
)

type recordingCopier struct {
	mu      sync.Mutex
	batches [][][]any
	fails   int
	table   pgx.Identifier
	columns []string
}

func (c *recordingCopier) CopyFrom(_ context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return 0, errors.New("connection reset")
	}
	var rows [][]any
	for src.Next() {
		values, err := src.Values()
		if err != nil {
			return 0, err
		}
		rows = append(rows, values)
	}
	c.table = table
	c.columns = columns
	c.batches = append(c.batches, rows)
	return int64(len(rows)), nil
}

func (c *recordingCopier) rows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, batch := range c.batches {
		n += len(batch)
	}
	return n
}

func (c *recordingCopier) batchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func testSample(vehicle string, offset time.Duration) alerts.Sample {
	return alerts.Sample{
		VehicleID: vehicle,
		Latitude:  -34.6,
		Longitude: -58.38,
		SpeedKmh:  42,
		Timestamp: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC).Add(offset),
		Source:    "test",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBatchWriterFlushesFullBatches(t *testing.T) {
	copier := &recordingCopier{}
	writer, err := NewBatchWriter(copier, WithBatchSize(3), WithFlushInterval(time.Hour), WithWriterLogger(quietLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = writer.Run(ctx)
		close(done)
	}()

	for i := 0; i < 7; i++ {
		require.True(t, writer.Enqueue(testSample("DEMO-001", time.Duration(i)*time.Second)))
	}
	require.Eventually(t, func() bool { return copier.batchCount() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 7, copier.rows())
	assert.Equal(t, pgx.Identifier{"vehicle_positions"}, copier.table)
	assert.Equal(t, positionColumns, copier.columns)
	first := copier.batches[0][0]
	assert.Equal(t, "DEMO-001", first[0])
	assert.Equal(t, 42.0, first[4])
}

func TestBatchWriterFlushesOnInterval(t *testing.T) {
	copier := &recordingCopier{}
	writer, err := NewBatchWriter(copier, WithBatchSize(100), WithFlushInterval(10*time.Millisecond), WithWriterLogger(quietLogger()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = writer.Run(ctx) }()

	writer.Enqueue(testSample("7", 0))
	require.Eventually(t, func() bool { return copier.rows() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatchWriterRetriesOnce(t *testing.T) {
	copier := &recordingCopier{fails: 1}
	writer, err := NewBatchWriter(copier, WithRetryDelay(0), WithWriterLogger(quietLogger()))
	require.NoError(t, err)
	writer.flush(context.Background(), []alerts.Sample{testSample("7", 0)})
	assert.Equal(t, 1, copier.rows())

	copier.fails = 2
	writer.flush(context.Background(), []alerts.Sample{testSample("7", time.Second)})
	assert.Equal(t, 1, copier.rows())
}

func TestBatchWriterEnqueueDropsWhenFull(t *testing.T) {
	writer, err := NewBatchWriter(&recordingCopier{}, WithBufferSize(1))
	require.NoError(t, err)
	assert.True(t, writer.Enqueue(testSample("7", 0)))
	assert.False(t, writer.Enqueue(testSample("7", time.Second)))
}
