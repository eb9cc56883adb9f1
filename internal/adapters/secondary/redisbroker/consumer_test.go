package redisbroker

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lorrc/notification-relay/internal/adapters/secondary/reconnect"
	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
	"github.com/lorrc/notification-relay/internal/core/ports"
)

// redisURL points at the container started by TestMain; empty under -short.
var redisURL string

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("could not start redis container: %v", err)
	}

	redisURL, err = container.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("could not get redis connection string: %v", err)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		log.Printf("could not terminate redis container: %v", err)
	}
	os.Exit(code)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "notification-relay", cfg.Group)
	assert.NotEmpty(t, cfg.Consumer)
	assert.Equal(t, 5*time.Second, cfg.BlockTimeout)
	assert.Equal(t, 30*time.Second, cfg.ClaimMinIdle)
	assert.Equal(t, int64(50), cfg.BatchSize)

	other := Config{}.withDefaults()
	assert.NotEqual(t, cfg.Consumer, other.Consumer, "generated consumer names are unique")
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Dial(ctx, Config{URL: "redis://127.0.0.1:1/0"}, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBrokerUnavailable)

	_, err = Dial(ctx, Config{URL: "not a url"}, testLogger())
	assert.Error(t, err)
}

// recorder collects deliveries and can requeue the first delivery of a body.
type recorder struct {
	mu         sync.Mutex
	requeueOne map[string]bool
	received   chan ports.Delivery
}

func newRecorder() *recorder {
	return &recorder{requeueOne: map[string]bool{}, received: make(chan ports.Delivery, 64)}
}

func (r *recorder) Ingest(_ context.Context, d ports.Delivery) ports.Disposition {
	r.mu.Lock()
	requeue := r.requeueOne[string(d.Body)]
	delete(r.requeueOne, string(d.Body))
	r.mu.Unlock()

	select {
	case r.received <- d:
	default:
	}
	if requeue {
		return ports.Requeue
	}
	return ports.Ack
}

func (r *recorder) next(t *testing.T) ports.Delivery {
	t.Helper()
	select {
	case d := <-r.received:
		return d
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return ports.Delivery{}
	}
}

func TestConsumer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	cfg := Config{
		URL:              redisURL,
		BroadcastChannel: "test:broadcast",
		ChatStream:       "test:chat",
		EventStream:      "test:event",
		Group:            "test-relay",
		BlockTimeout:     100 * time.Millisecond,
		ClaimMinIdle:     300 * time.Millisecond,
		Reconnect:        reconnect.Policy{Initial: 100 * time.Millisecond, Max: time.Second},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer, err := Dial(ctx, cfg, testLogger())
	require.NoError(t, err)
	defer func() { _ = consumer.Close() }()
	require.NoError(t, consumer.Ping(ctx))

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	pub := redis.NewClient(opts)
	defer func() { _ = pub.Close() }()

	// Entries written before the group exists are still consumed.
	require.NoError(t, pub.XAdd(ctx, &redis.XAddArgs{
		Stream: cfg.ChatStream,
		Values: map[string]any{PayloadField: `{"n":"chat-early"}`},
	}).Err())

	rec := newRecorder()
	rec.requeueOne[`{"n":"event-1"}`] = true

	done := make(chan error, 1)
	go func() { done <- consumer.Consume(ctx, rec) }()

	d := rec.next(t)
	assert.Equal(t, ports.SourceChat, d.Source)
	assert.JSONEq(t, `{"n":"chat-early"}`, string(d.Body))

	require.NoError(t, pub.XAdd(ctx, &redis.XAddArgs{
		Stream: cfg.EventStream,
		Values: map[string]any{PayloadField: `{"n":"event-1"}`},
	}).Err())

	first := rec.next(t)
	assert.Equal(t, ports.SourceEvent, first.Source)
	assert.False(t, first.Redelivered)

	second := rec.next(t)
	assert.Equal(t, ports.SourceEvent, second.Source)
	assert.True(t, second.Redelivered, "requeued entry is reclaimed")
	assert.JSONEq(t, `{"n":"event-1"}`, string(second.Body))

	require.Eventually(t, func() bool {
		pending, err := pub.XPending(ctx, cfg.EventStream, cfg.Group).Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 100*time.Millisecond, "acked entries leave the pending list")

	// The subscription may not be live yet, so publish until it is.
	require.Eventually(t, func() bool {
		if err := pub.Publish(ctx, cfg.BroadcastChannel, `{"n":"broadcast-1"}`).Err(); err != nil {
			return false
		}
		select {
		case d := <-rec.received:
			return d.Source == ports.SourceBroadcast
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("consume did not stop after cancel")
	}
}
