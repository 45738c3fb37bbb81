package kafka

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alertapp "fleetwatch/internal/alerts/application"
	alerts "fleetwatch/internal/alerts/domain"
)

type scriptedSubmitter struct {
	mu      sync.Mutex
	errs    []error
	samples []alerts.Sample
}

func (s *scriptedSubmitter) Submit(sample alerts.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.samples = append(s.samples, sample)
	return nil
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (f *fakeSession) Context() context.Context { return f.ctx }

func (f *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	f.marked = append(f.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (f *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return f.messages }

func message(offset int64, body string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "positions", Offset: offset, Value: []byte(body)}
}

func TestConsumeClaimMarksHandledMessages(t *testing.T) {
	submitter := &scriptedSubmitter{errs: []error{alertapp.ErrQueueFull, nil, alertapp.ErrOutOfOrder}}
	consumer := newConsumer(nil, []string{"positions"}, submitter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- message(10, `{"imei":"356307042441013","timestampMs":1772438400000,"lat":-34.6,"lng":-58.4,"speed":88,"angle":90}`)
	claim.messages <- message(11, `not json`)
	claim.messages <- message(12, `{"imei":"356307042441013","timestampMs":1772438300000,"lat":-34.6,"lng":-58.4,"speed":10}`)
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, consumer.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{10, 11, 12}, session.marked)
	require.Len(t, submitter.samples, 1)
	sample := submitter.samples[0]
	assert.Equal(t, "356307042441013", sample.VehicleID)
	assert.Equal(t, "kafka", sample.Source)
	assert.Equal(t, time.UnixMilli(1772438400000).UTC(), sample.Timestamp)
	assert.InDelta(t, 90, sample.HeadingDegrees, 0.001)
}

func TestConsumeClaimStopsWhenSessionsClosed(t *testing.T) {
	submitter := &scriptedSubmitter{errs: []error{alertapp.ErrSessionsClosed}}
	consumer := newConsumer(nil, []string{"positions"}, submitter, slog.New(slog.NewTextHandler(io.Discard, nil)))

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- message(1, `{"imei":"1","timestampMs":1772438400000,"speed":5}`)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, consumer.ConsumeClaim(session, claim))
	assert.Empty(t, session.marked)
}
