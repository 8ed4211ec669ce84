package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/appointment-billing/internal/appointment"
)

// Outbox is the event_logs side of the relay.
type Outbox interface {
	FetchUnpublishedEvents(ctx context.Context, limit int) ([]appointment.EventLog, error)
	MarkEventPublished(ctx context.Context, id int64) (bool, error)
}

// Sink delivers one event downstream.
type Sink interface {
	Publish(ctx context.Context, ev appointment.EventLog) error
}

// Relay polls the outbox and hands events to the sink in id order. Delivery
// is at least once: an event published but not marked is sent again.
type Relay struct {
	outbox    Outbox
	sink      Sink
	log       *zap.Logger
	batchSize int
	interval  time.Duration
}

func NewRelay(outbox Outbox, sink Sink, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		outbox:    outbox,
		sink:      sink,
		log:       log,
		batchSize: 50,
		interval:  2 * time.Second,
	}
}

func (r *Relay) WithBatchSize(size int) *Relay {
	if size > 0 {
		r.batchSize = size
	}
	return r
}

func (r *Relay) WithInterval(interval time.Duration) *Relay {
	if interval > 0 {
		r.interval = interval
	}
	return r
}

// Start drains once immediately, then on every tick until ctx is done.
func (r *Relay) Start(ctx context.Context) {
	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Relay) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := r.Drain(runCtx)
	if err != nil {
		r.log.Error("relay run failed", zap.Int("published", n), zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("relay run complete", zap.Int("published", n), zap.Duration("took", time.Since(start)))
	}
}

// Drain publishes up to one batch. It stops at the first delivery failure so
// later events for the same appointment are not sent ahead of earlier ones.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	events, err := r.outbox.FetchUnpublishedEvents(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range events {
		if err := r.sink.Publish(ctx, ev); err != nil {
			return published, err
		}
		ok, err := r.outbox.MarkEventPublished(ctx, ev.ID)
		if err != nil {
			return published, err
		}
		if !ok {
			r.log.Debug("event already marked published", zap.Int64("event_id", ev.ID))
			continue
		}
		published++
	}
	return published, nil
}
