// Package rabbitmq consumes notification envelopes from RabbitMQ.
//
// The broadcast source is a durable fanout exchange; each relay instance binds
// its own exclusive, server-named queue so every instance sees every envelope.
// The chat and event sources are durable queues shared by competing consumers.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/lorrc/notification-relay/internal/adapters/secondary/reconnect"
	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
	"github.com/lorrc/notification-relay/internal/core/ports"
)

// Config holds connection and topology settings
type Config struct {
	URL               string
	BroadcastExchange string
	ChatQueue         string
	EventQueue        string
	Prefetch          int
	Reconnect         reconnect.Policy
	ConnectionName    string
}

// Consumer implements ports.BrokerConsumer on top of one shared AMQP
// connection. Each subscription owns its channel.
type Consumer struct {
	cfg    Config
	logger *slog.Logger
	dialer func(ctx context.Context) (*amqp.Connection, error)

	// mu guards conn and closed. It is never held while dialing.
	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

var _ ports.BrokerConsumer = (*Consumer)(nil)

// Dial opens the initial connection. A failure here is not retried.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	c := &Consumer{
		cfg:    cfg,
		logger: logger.With("component", "rabbitmq_consumer"),
	}
	c.dialer = c.dial

	conn, err := c.dialer(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	c.logger.Info("connected to rabbitmq",
		"exchange", cfg.BroadcastExchange,
		"chat_queue", cfg.ChatQueue,
		"event_queue", cfg.EventQueue,
	)
	return c, nil
}

func (c *Consumer) dial(ctx context.Context) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	if c.cfg.ConnectionName != "" {
		props.SetClientConnectionName(c.cfg.ConnectionName)
	}

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(dialTimeout(ctx)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial rabbitmq: %v", apperrors.ErrBrokerUnavailable, err)
	}
	return conn, nil
}

// dialTimeout bounds a dial by ctx's deadline, or 30 seconds without one.
func dialTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

// connection returns the live connection, redialing if it was lost.
func (c *Consumer) connection(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: consumer closed", apperrors.ErrBrokerUnavailable)
	}
	if c.conn != nil && !c.conn.IsClosed() {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := c.dialer(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: consumer closed", apperrors.ErrBrokerUnavailable)
	}
	// Another subscription may have redialed first.
	if c.conn != nil && !c.conn.IsClosed() {
		_ = conn.Close()
		return c.conn, nil
	}
	c.conn = conn
	c.logger.Info("reconnected to rabbitmq")
	return conn, nil
}

// Consume runs the three subscriptions until ctx is cancelled. A lost
// subscription is re-established with backoff without affecting the others.
func (c *Consumer) Consume(ctx context.Context, handler ports.DeliveryHandler) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, source := range ports.Sources {
		source := source
		g.Go(func() error {
			c.runSubscription(gctx, source, handler)
			return nil
		})
	}
	return g.Wait()
}

func (c *Consumer) runSubscription(ctx context.Context, source ports.Source, handler ports.DeliveryHandler) {
	logger := c.logger.With("source", string(source))
	b := c.cfg.Reconnect.NewBackOff()

	for {
		err := c.consume(ctx, source, handler, b.Reset)
		if ctx.Err() != nil {
			logger.Info("subscription stopped")
			return
		}
		logger.Warn("subscription interrupted, retrying", "error", err)
		if !reconnect.Wait(ctx, b) {
			logger.Info("subscription stopped")
			return
		}
	}
}

// consume opens a channel for source and settles deliveries until the
// channel fails or ctx ends. onReady runs once the subscription is live.
func (c *Consumer) consume(ctx context.Context, source ports.Source, handler ports.DeliveryHandler, onReady func()) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	queue, err := c.declare(ch, source)
	if err != nil {
		return err
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	onReady()
	c.logger.Info("subscription started", "source", string(source), "queue", queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("channel closed")
			}
			return fmt.Errorf("channel closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery stream closed")
			}
			c.settle(ctx, source, d, handler)
		}
	}
}

// declare ensures the topology for source exists and returns the queue to consume.
func (c *Consumer) declare(ch *amqp.Channel, source ports.Source) (string, error) {
	switch source {
	case ports.SourceBroadcast:
		if err := ch.ExchangeDeclare(c.cfg.BroadcastExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return "", fmt.Errorf("declare exchange %s: %w", c.cfg.BroadcastExchange, err)
		}
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return "", fmt.Errorf("declare broadcast queue: %w", err)
		}
		if err := ch.QueueBind(q.Name, "", c.cfg.BroadcastExchange, false, nil); err != nil {
			return "", fmt.Errorf("bind %s to %s: %w", q.Name, c.cfg.BroadcastExchange, err)
		}
		return q.Name, nil
	case ports.SourceChat:
		return c.declareQueue(ch, c.cfg.ChatQueue)
	case ports.SourceEvent:
		return c.declareQueue(ch, c.cfg.EventQueue)
	default:
		return "", fmt.Errorf("unknown source %q", source)
	}
}

func (c *Consumer) declareQueue(ch *amqp.Channel, name string) (string, error) {
	q, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	return q.Name, nil
}

// acknowledger is the part of amqp.Delivery used to settle it
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) settle(ctx context.Context, source ports.Source, d amqp.Delivery, handler ports.DeliveryHandler) {
	disposition := handler.Ingest(ctx, ports.Delivery{
		Source:      source,
		Body:        d.Body,
		Redelivered: d.Redelivered,
	})
	if err := apply(d, disposition); err != nil {
		c.logger.Warn("failed to settle delivery",
			"source", string(source),
			"disposition", disposition.String(),
			"error", err,
		)
	}
}

// apply settles a delivery: Ack removes it, Requeue returns it to the queue.
func apply(d acknowledger, disposition ports.Disposition) error {
	if disposition == ports.Requeue {
		return d.Nack(false, true)
	}
	return d.Ack(false)
}

// Ping reports whether the shared connection is open.
func (c *Consumer) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("%w: rabbitmq connection closed", apperrors.ErrBrokerUnavailable)
	}
	return nil
}

// Close closes the connection, which ends every subscription channel.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
