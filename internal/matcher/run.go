package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/climb-tre/conduit/internal/bus"
	"github.com/climb-tre/conduit/internal/messages"
)

// sweepInterval is how often the stale-submission sweep runs.
const sweepInterval = time.Hour

// Consumer is the inbound message surface the matcher depends on.
type Consumer interface {
	Receive(ctx context.Context, exchange, queueSuffix string, prefetch int) (<-chan bus.Delivery, error)
}

// Run consumes upload events until ctx is cancelled. Transient failures nack
// with requeue so the event is redelivered; handled events are acked whether
// they matched, errored to the user, or were suppressed.
func (m *Matcher) Run(ctx context.Context, consumer Consumer) error {
	deliveries, err := consumer.Receive(ctx, messages.UploadExchange, "matcher", Prefetch)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	m.logger.Info("matcher started",
		slog.String("exchange", messages.UploadExchange),
		slog.Duration("stale_after", m.staleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			m.SweepStale(ctx)

		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}

			if err := m.HandleEnvelope(ctx, delivery.Body); err != nil {
				m.logger.Error("transient failure handling upload event, requeueing",
					slog.String("error", err.Error()),
				)

				_ = delivery.Nack(true)

				continue
			}

			_ = delivery.Ack()
		}
	}
}
