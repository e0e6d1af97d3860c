package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/climb-tre/conduit/internal/bus"
	"github.com/climb-tre/conduit/internal/config"
)

// Pool defaults.
const (
	DefaultWorkers    = 5
	DefaultMaxRetries = 3

	retryDelay = 5 * time.Second
)

// ErrRecoverable marks a task failure worth another in-process attempt.
// Handlers wrap transient errors with Recoverable; anything else is final.
var ErrRecoverable = errors.New("recoverable task failure")

// Recoverable wraps err so the pool retries the task.
func Recoverable(err error) error {
	return fmt.Errorf("%w: %w", ErrRecoverable, err)
}

type (
	// Handler processes one delivery end to end. A nil return or a
	// non-recoverable error both consume the delivery; a Recoverable error
	// re-enqueues it with an attempt counter, capped at MaxRetries.
	Handler func(ctx context.Context, body []byte) error

	// Consumer is the inbound message surface the pool depends on.
	Consumer interface {
		Receive(ctx context.Context, exchange, queueSuffix string, prefetch int) (<-chan bus.Delivery, error)
	}

	// task is one delivery with its attempt counter.
	task struct {
		delivery bus.Delivery
		attempts int
	}

	// Pool is a bounded worker pool over a project validator's queue. The
	// dispatcher pulls a new delivery only when a worker slot is free, which
	// the broker enforces through a prefetch equal to the worker count.
	Pool struct {
		workers    int
		maxRetries int
		retryDelay time.Duration
		handler    Handler
		logger     *slog.Logger

		tasks chan task
		wg    sync.WaitGroup
	}
)

// NewPool creates a worker pool running handler on each delivery.
func NewPool(handler Handler) *Pool {
	workers := config.GetEnvInt("VALIDATOR_WORKERS", DefaultWorkers)
	if workers < 1 {
		workers = 1
	}

	return &Pool{
		workers:    workers,
		maxRetries: config.GetEnvInt("VALIDATOR_MAX_RETRIES", DefaultMaxRetries),
		retryDelay: retryDelay,
		handler:    handler,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		// Buffered so a worker re-enqueueing its own task never blocks
		// against a full complement of busy workers.
		tasks: make(chan task, workers*2),
	}
}

// Workers returns the pool's worker count; the consumer prefetch must equal it.
func (p *Pool) Workers() int {
	return p.workers
}

// Run consumes from the queue until ctx is cancelled, with at most Workers
// validations in flight at once.
func (p *Pool) Run(ctx context.Context, consumer Consumer, exchange, queueSuffix string) error {
	deliveries, err := consumer.Receive(ctx, exchange, queueSuffix, p.workers)
	if err != nil {
		return err
	}

	p.logger.Info("validator pool started",
		slog.String("exchange", exchange),
		slog.Int("workers", p.workers),
		slog.Int("max_retries", p.maxRetries),
	)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)

		go p.worker(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			close(p.tasks)
			p.wg.Wait()

			return ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				close(p.tasks)
				p.wg.Wait()

				return nil
			}

			select {
			case p.tasks <- task{delivery: delivery, attempts: 1}:
			case <-ctx.Done():
				close(p.tasks)
				p.wg.Wait()

				return ctx.Err()
			}
		}
	}
}

// worker processes tasks until the task channel closes.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for t := range p.tasks {
		err := p.handler(ctx, t.delivery.Body)

		switch {
		case err == nil:
			_ = t.delivery.Ack()

		case errors.Is(err, ErrRecoverable) && t.attempts < p.maxRetries:
			p.logger.Warn("task failed, retrying",
				slog.Int("attempt", t.attempts),
				slog.String("error", err.Error()),
			)

			p.requeue(ctx, task{delivery: t.delivery, attempts: t.attempts + 1})

		default:
			p.logger.Error("task failed permanently",
				slog.Int("attempts", t.attempts),
				slog.String("error", err.Error()),
			)

			_ = t.delivery.Nack(false)
		}
	}
}

// requeue re-enqueues a task after a short delay, off the worker goroutine
// so the slot frees immediately.
func (p *Pool) requeue(ctx context.Context, t task) {
	go func() {
		select {
		case <-time.After(p.retryDelay):
		case <-ctx.Done():
			return
		}

		defer func() {
			// The task channel may close during shutdown; dropping the
			// unacked delivery lets the broker redeliver it.
			_ = recover()
		}()

		p.tasks <- t
	}()
}
