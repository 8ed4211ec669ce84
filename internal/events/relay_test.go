package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-billing/internal/appointment"
)

type fakeOutbox struct {
	mu        sync.Mutex
	events    []appointment.EventLog
	published map[int64]bool
	fetchErr  error
}

func newFakeOutbox(types ...string) *fakeOutbox {
	o := &fakeOutbox{published: map[int64]bool{}}
	for i, typ := range types {
		o.events = append(o.events, appointment.EventLog{ID: int64(i + 1), EventType: typ, Payload: []byte(`{}`)})
	}
	return o
}

func (o *fakeOutbox) FetchUnpublishedEvents(_ context.Context, limit int) ([]appointment.EventLog, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fetchErr != nil {
		return nil, o.fetchErr
	}
	var out []appointment.EventLog
	for _, ev := range o.events {
		if !o.published[ev.ID] && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (o *fakeOutbox) MarkEventPublished(_ context.Context, id int64) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.published[id] {
		return false, nil
	}
	o.published[id] = true
	return true, nil
}

type fakeSink struct {
	mu     sync.Mutex
	sent   []string
	failOn string
}

func (s *fakeSink) Publish(_ context.Context, ev appointment.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.EventType == s.failOn {
		return errors.New("channel closed")
	}
	s.sent = append(s.sent, ev.EventType)
	return nil
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestRelayDrain_PublishesInOrderAndMarks(t *testing.T) {
	outbox := newFakeOutbox(appointment.EventAppointmentCreated, appointment.EventInvoiceIssued, appointment.EventInvoicePaid)
	sink := &fakeSink{}
	relay := NewRelay(outbox, sink, nil).WithBatchSize(2)

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []string{
		appointment.EventAppointmentCreated,
		appointment.EventInvoiceIssued,
		appointment.EventInvoicePaid,
	}, sink.types())
}

func TestRelayDrain_StopsAtFirstFailure(t *testing.T) {
	outbox := newFakeOutbox(appointment.EventAppointmentCreated, appointment.EventInvoiceIssued, appointment.EventInvoicePaid)
	sink := &fakeSink{failOn: appointment.EventInvoiceIssued}
	relay := NewRelay(outbox, sink, nil)

	n, err := relay.Drain(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{appointment.EventAppointmentCreated}, sink.types())
	assert.False(t, outbox.published[2])
	assert.False(t, outbox.published[3])

	sink.failOn = ""
	n, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRelayDrain_FetchError(t *testing.T) {
	outbox := newFakeOutbox()
	outbox.fetchErr = errors.New("db down")

	_, err := NewRelay(outbox, &fakeSink{}, nil).Drain(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestRelayStart_StopsOnCancel(t *testing.T) {
	outbox := newFakeOutbox(appointment.EventAppointmentCreated)
	sink := &fakeSink{}
	relay := NewRelay(outbox, sink, nil).WithInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(sink.types()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestNewMessage(t *testing.T) {
	apptID := uuid.New()
	created := time.Date(2025, time.January, 6, 9, 0, 0, 0, time.UTC)
	msg := newMessage(appointment.EventLog{
		ID:            42,
		EventType:     appointment.EventInvoicePaid,
		AppointmentID: &apptID,
		Payload:       []byte(`{"amount":55000}`),
		CreatedAt:     created,
	})

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(amqp091.Persistent), msg.DeliveryMode)
	assert.Equal(t, "42", msg.MessageId)
	assert.Equal(t, appointment.EventInvoicePaid, msg.Type)
	assert.Equal(t, created, msg.Timestamp)
	assert.Equal(t, apptID.String(), msg.Headers["appointment_id"])
	assert.JSONEq(t, `{"amount":55000}`, string(msg.Body))
}
