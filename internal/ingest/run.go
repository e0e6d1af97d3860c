package ingest

import (
	"context"
	"log/slog"

	"github.com/climb-tre/conduit/internal/bus"
	"github.com/climb-tre/conduit/internal/messages"
)

// Consumer is the inbound message surface ingest depends on.
type Consumer interface {
	Receive(ctx context.Context, exchange, queueSuffix string, prefetch int) (<-chan bus.Delivery, error)
}

// Run consumes match messages until ctx is cancelled.
func (v *Validator) Run(ctx context.Context, consumer Consumer) error {
	deliveries, err := consumer.Receive(ctx, messages.MatchedExchange, "ingest", Prefetch)
	if err != nil {
		return err
	}

	v.logger.Info("ingest validator started",
		slog.String("exchange", messages.MatchedExchange),
		slog.Int("prefetch", Prefetch),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}

			if err := v.Handle(ctx, delivery.Body); err != nil {
				v.logger.Error("transient failure handling match message, requeueing",
					slog.String("error", err.Error()),
				)

				_ = delivery.Nack(true)

				continue
			}

			_ = delivery.Ack()
		}
	}
}
