package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpAdapter "github.com/lorrc/notification-relay/internal/adapters/primary/http"
	mw "github.com/lorrc/notification-relay/internal/adapters/primary/http/middleware"
	"github.com/lorrc/notification-relay/internal/adapters/primary/websocket"
	"github.com/lorrc/notification-relay/internal/adapters/secondary/rabbitmq"
	"github.com/lorrc/notification-relay/internal/adapters/secondary/reconnect"
	"github.com/lorrc/notification-relay/internal/adapters/secondary/redisbroker"
	"github.com/lorrc/notification-relay/internal/auth"
	"github.com/lorrc/notification-relay/internal/config"
	"github.com/lorrc/notification-relay/internal/core/ports"
	"github.com/lorrc/notification-relay/internal/core/services"
	"github.com/lorrc/notification-relay/internal/dedup"
	"github.com/lorrc/notification-relay/internal/infrastructure/logging"
	"github.com/lorrc/notification-relay/internal/metrics"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.ServiceName = cfg.App.Name
	logCfg.Environment = cfg.App.Environment
	logger := logging.NewLogger(logCfg)

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"broker", cfg.Broker.Driver,
	)
	logger.Debug("effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect to the broker. The relay cannot do anything without it, so
	// an initial failure is fatal.
	dialCtx, cancelDial := context.WithTimeout(ctx, 30*time.Second)
	broker, err := dialBroker(dialCtx, cfg, logger)
	cancelDial()
	if err != nil {
		logger.Error("failed to connect to broker", "driver", cfg.Broker.Driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Warn("broker close error", "error", err)
		}
	}()

	// 4. Metrics
	var (
		relayMetrics   ports.Metrics = metrics.Noop{}
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		collector := metrics.New()
		relayMetrics = collector
		metricsHandler = collector.Handler()
	}

	// 5. Security & Real-time Components
	tokenManager, err := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.Algorithm)
	if err != nil {
		logger.Error("invalid jwt configuration", "error", err)
		os.Exit(1)
	}
	hub := websocket.NewHub(relayMetrics, logger)

	recent, err := dedup.New(cfg.Dedup.Capacity)
	if err != nil {
		logger.Error("failed to create dedup cache", "error", err)
		os.Exit(1)
	}

	// 6. Services (Core)
	dispatcher := services.NewDispatchService(hub, relayMetrics, logger)
	ingest := services.NewIngestService(recent, dispatcher, relayMetrics, logger)

	// 7. Handlers (Primary Adapters)
	var rateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})
		defer rateLimiter.Stop()
	}

	router := httpAdapter.NewRouter(httpAdapter.RouterConfig{
		WebSocket:      httpAdapter.NewWebSocketHandler(hub, tokenManager, relayMetrics, cfg, logger),
		Health:         httpAdapter.NewHealthHandler(broker, cfg.Broker.Driver, hub, cfg.App.Version),
		Metrics:        metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		RateLimiter:    rateLimiter,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 8. Run the consumers and the server until a signal arrives
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("broker consumers starting")
		return broker.Consume(gctx, ingest)
	})

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting new connections, then close the live ones.
		err := srv.Shutdown(shutdownCtx)
		hub.CloseAll()
		if err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// dialBroker connects the configured broker driver
func dialBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ports.BrokerConsumer, error) {
	policy := reconnect.Policy{
		Initial: cfg.Broker.ReconnectInterval,
		Max:     cfg.Broker.ReconnectMax,
	}

	switch cfg.Broker.Driver {
	case config.BrokerRabbitMQ:
		return rabbitmq.Dial(ctx, rabbitmq.Config{
			URL:               cfg.RabbitMQ.AMQPURL(),
			BroadcastExchange: cfg.RabbitMQ.BroadcastExchange,
			ChatQueue:         cfg.RabbitMQ.ChatQueue,
			EventQueue:        cfg.RabbitMQ.EventQueue,
			Prefetch:          cfg.RabbitMQ.Prefetch,
			Reconnect:         policy,
			ConnectionName:    cfg.App.Name,
		}, logger)
	case config.BrokerRedis:
		return redisbroker.Dial(ctx, redisbroker.Config{
			URL:              cfg.Redis.URL,
			BroadcastChannel: cfg.Redis.BroadcastChannel,
			ChatStream:       cfg.Redis.ChatStream,
			EventStream:      cfg.Redis.EventStream,
			Group:            cfg.Redis.ConsumerGroup,
			BlockTimeout:     cfg.Redis.BlockTimeout,
			ClaimMinIdle:     cfg.Redis.ClaimMinIdle,
			BatchSize:        int64(cfg.Redis.BatchSize),
			Reconnect:        policy,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}
