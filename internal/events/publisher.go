package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rabbitmq/amqp091-go"

	"github.com/hackgods/appointment-billing/internal/appointment"
)

var ErrNotConfirmed = errors.New("broker did not confirm the message")

// Publisher sends outbox events to a RabbitMQ topic exchange. The routing key
// is the event type, so subscribers bind on e.g. "Invoice*".
type Publisher struct {
	ch       *amqp091.Channel
	exchange string
}

func NewPublisher(conn *amqp091.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &Publisher{ch: ch, exchange: exchange}, nil
}

// Publish blocks until the broker acknowledges the message.
func (p *Publisher) Publish(ctx context.Context, ev appointment.EventLog) error {
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, ev.EventType, false, false, newMessage(ev))
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.EventType, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", ev.EventType, err)
	}
	if !ok {
		return fmt.Errorf("%w: event %d", ErrNotConfirmed, ev.ID)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

func newMessage(ev appointment.EventLog) amqp091.Publishing {
	headers := amqp091.Table{}
	if ev.AppointmentID != nil {
		headers["appointment_id"] = ev.AppointmentID.String()
	}

	return amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    strconv.FormatInt(ev.ID, 10),
		Timestamp:    ev.CreatedAt,
		Type:         ev.EventType,
		Headers:      headers,
		Body:         ev.Payload,
	}
}
