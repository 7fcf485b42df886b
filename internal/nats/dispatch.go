package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vivenprimedemo/MAILBOX-sub000/internal/eventstore/sqlite"
)

// Queue is the read side of the outbox
type Queue interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Sink publishes one outbox entry
type Sink interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into a Sink
type Dispatcher struct {
	Queue Queue
	Sink  Sink

	BatchSize  int
	Idle       time.Duration
	RetryAfter time.Duration
}

func NewDispatcher(q Queue, sink Sink) *Dispatcher {
	return &Dispatcher{Queue: q, Sink: sink, BatchSize: 100, Idle: 500 * time.Millisecond, RetryAfter: 10 * time.Second}
}

// Run dispatches until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			log.Error().Err(err).Msg("outbox dequeue failed")
			wait = time.Second
		case n == 0:
			wait = d.Idle
		}
		if wait == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one due batch and returns how many entries it attempted
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.Queue.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, msg := range messages {
		if err := d.Sink.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.Warn().Err(err).Int64("id", msg.ID).Int("retries", msg.Retries).Msg("publish failed, will retry")
			if err := d.Queue.MarkOutboxRetry(ctx, msg.ID, d.RetryAfter); err != nil {
				log.Error().Err(err).Int64("id", msg.ID).Msg("failed to schedule retry")
			}
			continue
		}
		if err := d.Queue.MarkPublished(ctx, msg.ID); err != nil {
			log.Error().Err(err).Int64("id", msg.ID).Msg("failed to mark published")
		}
	}
	return len(messages), nil
}
