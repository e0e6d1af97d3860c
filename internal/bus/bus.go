// Package bus provides a thin facade over the AMQP broker.
//
// Every pipeline stage speaks to the broker through this package: Send
// publishes a JSON message to a durable exchange with publisher confirms, and
// Receive delivers messages from a durable queue bound to an exchange, with
// manual acknowledgement and a per-stage prefetch count. Connections are
// re-established automatically with exponential backoff.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/climb-tre/conduit/internal/config"
)

// Sentinel errors for broker operations.
var (
	// ErrBrokerURLEmpty is returned when no broker URL has been configured.
	ErrBrokerURLEmpty = errors.New("broker URL cannot be empty")

	// ErrClientClosed is returned when an operation is attempted on a closed client.
	ErrClientClosed = errors.New("bus client is closed")

	// ErrPublishNotConfirmed is returned when the broker does not confirm a publish.
	ErrPublishNotConfirmed = errors.New("publish was not confirmed by broker")
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultReconnectMax   = 2 * time.Minute
	confirmTimeout        = 10 * time.Second
)

// Config holds broker connection configuration.
type Config struct {
	brokerURL      string
	ConnectTimeout time.Duration // Maximum time to establish the initial connection
	ReconnectMax   time.Duration // Ceiling for the reconnect backoff interval
}

// LoadConfig loads broker configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		brokerURL:      config.GetEnvStr("BROKER_URL", ""), // brokerURL is private, it carries credentials.
		ConnectTimeout: config.GetEnvDuration("BROKER_CONNECT_TIMEOUT", defaultConnectTimeout),
		ReconnectMax:   config.GetEnvDuration("BROKER_RECONNECT_MAX", defaultReconnectMax),
	}
}

// Validate checks if the broker configuration is valid.
func (c *Config) Validate() error {
	if c.brokerURL == "" {
		return ErrBrokerURLEmpty
	}

	return nil
}

type (
	// Client is a connection to the AMQP broker shared by the sends and
	// receives of one pipeline stage.
	Client struct {
		cfg    *Config
		logger *slog.Logger

		mu        sync.Mutex
		conn      *amqp.Connection
		publishCh *amqp.Channel
		confirms  chan amqp.Confirmation
		closed    bool
	}

	// Delivery is a single consumed message awaiting acknowledgement.
	Delivery struct {
		Body []byte

		raw amqp.Delivery
	}
)

// Ack acknowledges the delivery, removing it from the queue.
func (d Delivery) Ack() error {
	return d.raw.Ack(false)
}

// Nack rejects the delivery. With requeue the broker redelivers it; without,
// it is dropped or dead-lettered according to queue policy.
func (d Delivery) Nack(requeue bool) error {
	return d.raw.Nack(false, requeue)
}

// New connects to the broker. The initial connection is retried with
// exponential backoff up to cfg.ConnectTimeout; failure to connect at startup
// is fatal to the caller.
func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg: cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = cfg.ConnectTimeout

	err := backoff.Retry(func() error {
		return c.dial()
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	return c, nil
}

// dial establishes the connection and the confirmed publish channel.
// Callers must not hold c.mu.
func (c *Client) dial() error {
	conn, err := amqp.Dial(c.cfg.brokerURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return err
	}

	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()

		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.publishCh = ch
	c.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	c.mu.Unlock()

	return nil
}

// redial re-establishes the connection with exponential backoff. It only
// returns once connected or the client has been closed.
func (c *Client) redial() error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.cfg.ReconnectMax
	policy.MaxElapsedTime = 0 // Retry until closed; broker outages are expected to self-heal.

	return backoff.Retry(func() error {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return backoff.Permanent(ErrClientClosed)
		}

		if err := c.dial(); err != nil {
			c.logger.Warn("broker reconnect failed, backing off",
				slog.String("error", err.Error()),
			)

			return err
		}

		return nil
	}, policy)
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if c.conn != nil {
		return c.conn.Close()
	}

	return nil
}

// Send publishes v as a persistent JSON message to the named exchange and
// waits for the broker's confirmation. The queue suffix is declared and bound
// alongside the exchange so messages published before any consumer starts are
// not lost.
func (c *Client) Send(ctx context.Context, exchange, queueSuffix string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	if err := declare(c.publishCh, exchange, queueSuffix); err != nil {
		return fmt.Errorf("failed to declare %s: %w", exchange, err)
	}

	err = c.publishCh.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}

	// Consumers only ack their input once the outbound message is durably
	// enqueued, so the publish must be confirmed before Send returns.
	select {
	case confirmation := <-c.confirms:
		if !confirmation.Ack {
			return ErrPublishNotConfirmed
		}
	case <-time.After(confirmTimeout):
		return ErrPublishNotConfirmed
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Receive consumes from the durable queue <exchange>.<queueSuffix> with the
// given prefetch count. Deliveries require manual acknowledgement. The
// returned channel stays open across broker reconnects and closes only when
// ctx is cancelled or the client is closed.
func (c *Client) Receive(ctx context.Context, exchange, queueSuffix string, prefetch int) (<-chan Delivery, error) {
	out := make(chan Delivery)

	ch, deliveries, err := c.consume(exchange, queueSuffix, prefetch)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				_ = ch.Close()

				return

			case d, ok := <-deliveries:
				if !ok {
					// Channel closed underneath us: reconnect and resume.
					if err := c.redial(); err != nil {
						return
					}

					ch, deliveries, err = c.consume(exchange, queueSuffix, prefetch)
					if err != nil {
						c.logger.Error("failed to re-establish consumer",
							slog.String("exchange", exchange),
							slog.String("error", err.Error()),
						)

						return
					}

					continue
				}

				select {
				case out <- Delivery{Body: d.Body, raw: d}:
				case <-ctx.Done():
					_ = ch.Close()

					return
				}
			}
		}
	}()

	return out, nil
}

// consume opens a dedicated channel, declares the exchange and queue, and
// starts a manual-ack consumer on it.
func (c *Client) consume(exchange, queueSuffix string, prefetch int) (*amqp.Channel, <-chan amqp.Delivery, error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return nil, nil, ErrClientClosed
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declare(ch, exchange, queueSuffix); err != nil {
		_ = ch.Close()

		return nil, nil, fmt.Errorf("failed to declare %s: %w", exchange, err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()

		return nil, nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queueName(exchange, queueSuffix), "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()

		return nil, nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	return ch, deliveries, nil
}

// declare creates the durable fanout exchange and its durable queue binding.
// Declarations are idempotent on the broker.
func declare(ch *amqp.Channel, exchange, queueSuffix string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return err
	}

	queue := queueName(exchange, queueSuffix)

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}

	return ch.QueueBind(queue, "", exchange, false, nil)
}

func queueName(exchange, queueSuffix string) string {
	return fmt.Sprintf("%s.%s", exchange, queueSuffix)
}
