// Package redisbroker consumes notification envelopes from Redis.
//
// The broadcast source is a Pub/Sub channel, so every relay instance receives
// every envelope. The chat and event sources are streams read through one
// consumer group shared by all instances; each entry carries the envelope in
// its "payload" field.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lorrc/notification-relay/internal/adapters/secondary/reconnect"
	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
	"github.com/lorrc/notification-relay/internal/core/ports"
)

// PayloadField is the stream entry field holding the envelope JSON.
const PayloadField = "payload"

// Config holds connection and stream settings
type Config struct {
	URL              string
	BroadcastChannel string
	ChatStream       string
	EventStream      string
	Group            string
	// Consumer names this instance inside the group; generated when empty.
	Consumer     string
	BlockTimeout time.Duration
	// Entries left pending this long are reclaimed and redelivered.
	ClaimMinIdle time.Duration
	BatchSize    int64
	Reconnect    reconnect.Policy
}

func (cfg Config) withDefaults() Config {
	if cfg.Group == "" {
		cfg.Group = "notification-relay"
	}
	if cfg.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "relay"
		}
		cfg.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return cfg
}

// Consumer implements ports.BrokerConsumer on a single go-redis client
type Consumer struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

var _ ports.BrokerConsumer = (*Consumer)(nil)

// Dial connects and pings Redis. A failure here is not retried.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Consumer, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newConsumer(ctx, redis.NewClient(opts), cfg, logger)
}

func newConsumer(ctx context.Context, client *redis.Client, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", apperrors.ErrBrokerUnavailable, err)
	}

	cfg = cfg.withDefaults()
	c := &Consumer{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "redis_consumer", "consumer", cfg.Consumer),
	}
	c.logger.Info("connected to redis",
		"channel", cfg.BroadcastChannel,
		"chat_stream", cfg.ChatStream,
		"event_stream", cfg.EventStream,
		"group", cfg.Group,
	)
	return c, nil
}

// Consume runs the three subscriptions until ctx is cancelled. Each one
// retries its own failures with backoff.
func (c *Consumer) Consume(ctx context.Context, handler ports.DeliveryHandler) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.supervise(gctx, ports.SourceBroadcast, func(onReady func()) error {
			return c.subscribe(gctx, handler, onReady)
		})
		return nil
	})
	streams := map[ports.Source]string{
		ports.SourceChat:  c.cfg.ChatStream,
		ports.SourceEvent: c.cfg.EventStream,
	}
	for source, stream := range streams {
		source, stream := source, stream
		g.Go(func() error {
			c.supervise(gctx, source, func(onReady func()) error {
				return c.readStream(gctx, source, stream, handler, onReady)
			})
			return nil
		})
	}

	return g.Wait()
}

// supervise reruns run until ctx ends, backing off between failures.
// run calls onReady once it is consuming, which resets the backoff.
func (c *Consumer) supervise(ctx context.Context, source ports.Source, run func(onReady func()) error) {
	logger := c.logger.With("source", string(source))
	b := c.cfg.Reconnect.NewBackOff()

	for {
		err := run(func() {
			b.Reset()
			logger.Info("subscription started")
		})
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

// subscribe consumes the broadcast channel. Pub/Sub cannot redeliver, so a
// Requeue disposition is only logged.
func (c *Consumer) subscribe(ctx context.Context, handler ports.DeliveryHandler, onReady func()) error {
	ps := c.client.Subscribe(ctx, c.cfg.BroadcastChannel)
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.BroadcastChannel, err)
	}
	onReady()

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("receive %s: %w", c.cfg.BroadcastChannel, err)
		}

		disposition := handler.Ingest(ctx, ports.Delivery{
			Source: ports.SourceBroadcast,
			Body:   []byte(msg.Payload),
		})
		if disposition == ports.Requeue {
			c.logger.Warn("broadcast delivery cannot be requeued, dropping",
				"channel", msg.Channel,
			)
		}
	}
}

// readStream consumes one stream through the consumer group. Acked entries
// are removed from the pending list; requeued entries stay pending and are
// reclaimed once idle for ClaimMinIdle.
func (c *Consumer) readStream(ctx context.Context, source ports.Source, stream string, handler ports.DeliveryHandler, onReady func()) error {
	if err := c.ensureGroup(ctx, stream); err != nil {
		return err
	}
	onReady()

	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastClaim) >= c.cfg.ClaimMinIdle/2 {
			if err := c.claimIdle(ctx, source, stream, handler); err != nil {
				return err
			}
			lastClaim = time.Now()
		}

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", stream, err)
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				c.handleEntry(ctx, source, stream, msg, false, handler)
			}
		}
	}
}

// ensureGroup creates the consumer group, and the stream with it, starting
// from the beginning of the stream. An existing group is kept.
func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", c.cfg.Group, stream, err)
	}
	return nil
}

// claimIdle takes over entries pending longer than ClaimMinIdle, whichever
// consumer they were delivered to, and processes them again.
func (c *Consumer) claimIdle(ctx context.Context, source ports.Source, stream string, handler ports.DeliveryHandler) error {
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimMinIdle,
			Start:    start,
			Count:    c.cfg.BatchSize,
		}).Result()
		if err != nil {
			return fmt.Errorf("claim %s: %w", stream, err)
		}

		for _, msg := range msgs {
			c.handleEntry(ctx, source, stream, msg, true, handler)
		}

		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

func (c *Consumer) handleEntry(ctx context.Context, source ports.Source, stream string, msg redis.XMessage, redelivered bool, handler ports.DeliveryHandler) {
	payload, _ := msg.Values[PayloadField].(string)

	disposition := handler.Ingest(ctx, ports.Delivery{
		Source:      source,
		Body:        []byte(payload),
		Redelivered: redelivered,
	})
	if disposition == ports.Requeue {
		c.logger.Debug("leaving stream entry pending for redelivery",
			"stream", stream,
			"entry_id", msg.ID,
		)
		return
	}

	if err := c.client.XAck(ctx, stream, c.cfg.Group, msg.ID).Err(); err != nil {
		c.logger.Warn("failed to ack stream entry",
			"stream", stream,
			"entry_id", msg.ID,
			"error", err,
		)
	}
}

// Ping checks that Redis answers.
func (c *Consumer) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrBrokerUnavailable, err)
	}
	return nil
}

// Close closes the client, which ends every blocked read.
func (c *Consumer) Close() error {
	if err := c.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
