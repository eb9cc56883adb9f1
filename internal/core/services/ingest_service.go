package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lorrc/notification-relay/internal/core/domain"
	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
	"github.com/lorrc/notification-relay/internal/core/ports"
	"github.com/lorrc/notification-relay/internal/infrastructure/logging"
)

// IngestService turns broker deliveries into dispatches.
//
// Bad data never blocks a queue: malformed and duplicate deliveries are
// acknowledged and dropped. A delivery is requeued only when its dispatch
// fails, in which case its dedup key is released so the redelivery is
// processed rather than mistaken for a duplicate.
type IngestService struct {
	dedup      ports.Deduplicator
	dispatcher ports.Dispatcher
	metrics    ports.Metrics
	logger     *slog.Logger
}

var _ ports.DeliveryHandler = (*IngestService)(nil)

// NewIngestService creates a new ingest service
func NewIngestService(
	dedup ports.Deduplicator,
	dispatcher ports.Dispatcher,
	metrics ports.Metrics,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		dedup:      dedup,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger.With("component", "ingest"),
	}
}

// Ingest parses, deduplicates and dispatches one delivery.
func (s *IngestService) Ingest(ctx context.Context, delivery ports.Delivery) ports.Disposition {
	ctx = logging.WithSource(ctx, string(delivery.Source))
	logger := logging.LoggerFromContext(ctx, s.logger)

	env, err := domain.DecodeEnvelope(delivery.Body)
	if err != nil {
		logger.Warn("dropping malformed envelope",
			"error", err,
			"bytes", len(delivery.Body),
		)
		s.metrics.EnvelopeProcessed(delivery.Source, ports.OutcomeMalformed)
		return ports.Ack
	}

	key := env.DedupKey()
	if !s.dedup.Accept(key) {
		logger.Debug("dropping duplicate envelope",
			"dedup_key", key,
			"event_type", env.Type,
			"redelivered", delivery.Redelivered,
		)
		s.metrics.EnvelopeProcessed(delivery.Source, ports.OutcomeDuplicate)
		return ports.Ack
	}

	if !env.Type.Known() {
		logger.Debug("relaying envelope of unknown type", "event_type", env.Type)
	}

	if _, err := s.dispatch(ctx, logger, env); err != nil {
		s.dedup.Forget(key)
		logger.Error("dispatch failed, requeueing delivery",
			"dedup_key", key,
			"event_type", env.Type,
			"error", err,
		)
		s.metrics.EnvelopeProcessed(delivery.Source, ports.OutcomeRequeued)
		return ports.Requeue
	}

	s.metrics.EnvelopeProcessed(delivery.Source, ports.OutcomeDispatched)
	return ports.Ack
}

// dispatch converts a dispatcher panic into an error so the delivery is
// requeued instead of taking the subscription loop down.
func (s *IngestService) dispatch(ctx context.Context, logger *slog.Logger, env *domain.Envelope) (result ports.DispatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(logger, r)
			err = fmt.Errorf("%w: panic: %v", apperrors.ErrDispatchFailed, r)
		}
	}()

	result, err = s.dispatcher.Dispatch(ctx, env)
	if err != nil && !errors.Is(err, apperrors.ErrDispatchFailed) {
		err = fmt.Errorf("%w: %w", apperrors.ErrDispatchFailed, err)
	}
	return result, err
}
