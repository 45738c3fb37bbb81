package application

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alerts "fleetwatch/internal/alerts/domain"
	"fleetwatch/internal/alerts/infrastructure/memory"
)

type failingDirectory struct {
	*memory.VehicleDirectory
}

func (failingDirectory) FindByID(context.Context, int64) (*alerts.Vehicle, error) {
	return nil, errors.New("directory offline")
}

func newTestSink(t *testing.T, vehicles VehicleDirectory, repo AlertRepository, publisher AlertPublisher) *Sink {
	t.Helper()
	sink, err := NewSink(vehicles, repo,
		WithPublisher(publisher),
		WithSinkClock(&fakeClock{now: t0}),
		WithSinkLogger(discardLogger()),
	)
	require.NoError(t, err)
	return sink
}

func TestSinkNumericReferenceFallsBackToCode(t *testing.T) {
	vehicles := memory.NewVehicleDirectory(alerts.Vehicle{ID: 50, Code: "7", Active: true})
	repo := memory.NewAlertRepository()
	sink := newTestSink(t, vehicles, repo, &recordingPublisher{})

	vehicle, err := sink.Resolve(context.Background(), alerts.ParseVehicleRef("7"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), vehicle.ID)

	_, err = sink.Resolve(context.Background(), alerts.ByCode(""))
	assert.ErrorIs(t, err, alerts.ErrVehicleNotFound)
}

func TestSinkLeadingZeroPlateFallsBackToCode(t *testing.T) {
	vehicles := memory.NewVehicleDirectory(
		alerts.Vehicle{ID: 7, Code: "0042", Active: true},
		alerts.Vehicle{ID: 9, Code: "OTHER", Active: true},
	)
	sink := newTestSink(t, vehicles, memory.NewAlertRepository(), &recordingPublisher{})

	vehicle, err := sink.Resolve(context.Background(), alerts.ParseVehicleRef("0042"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), vehicle.ID)

	alert, err := sink.Fire(context.Background(), FireRequest{
		Vehicle: alerts.ParseVehicleRef("0042"),
		Kind:    alerts.KindExcessiveSpeed,
		FiredAt: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), alert.VehicleID)
	assert.Equal(t, "0042", alert.VehicleCode)

	_, err = sink.Resolve(context.Background(), alerts.ParseVehicleRef("0043"))
	assert.ErrorIs(t, err, alerts.ErrVehicleNotFound)
}

func TestSinkFirePersistsPendingAlert(t *testing.T) {
	vehicles := memory.NewVehicleDirectory(memory.DemoFleet(1)...)
	repo := memory.NewAlertRepository()
	publisher := &recordingPublisher{}
	sink := newTestSink(t, vehicles, repo, publisher)

	alert, err := sink.Fire(context.Background(), FireRequest{
		Vehicle:  alerts.ByCode("DEMO-001"),
		Kind:     alerts.KindProlongedStop,
		Message:  "stopped",
		Priority: alerts.Priority("urgent"),
		Metadata: alerts.Metadata{DurationSeconds: 600},
	})
	require.NoError(t, err)
	assert.Len(t, alert.ID, 26)
	assert.Equal(t, alerts.StatusPending, alert.Status)
	assert.Equal(t, alerts.PriorityMedium, alert.Priority)
	assert.True(t, alert.FiredAt.Equal(t0))
	assert.Equal(t, 1, publisher.Count())

	stored, err := repo.GetByID(context.Background(), alert.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.JSONEq(t, `{"speed_kmh":0,"duration_seconds":600,"latitude":0,"longitude":0}`, string(stored.Metadata))
}

func TestSinkLookupFailureIsRetryable(t *testing.T) {
	vehicles := failingDirectory{memory.NewVehicleDirectory()}
	repo := memory.NewAlertRepository()
	sink := newTestSink(t, vehicles, repo, nil)

	_, err := sink.Fire(context.Background(), FireRequest{Vehicle: alerts.ByID(3), Kind: alerts.KindExcessiveSpeed})
	assert.True(t, alerts.IsRetryable(err))
	assert.Zero(t, repo.Len())
}
