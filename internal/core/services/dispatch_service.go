package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lorrc/notification-relay/internal/core/domain"
	apperrors "github.com/lorrc/notification-relay/internal/core/errors"
	"github.com/lorrc/notification-relay/internal/core/ports"
)

// DispatchService pushes accepted envelopes to the live connections of their recipients
type DispatchService struct {
	registry ports.PresenceRegistry
	metrics  ports.Metrics
	logger   *slog.Logger
}

var _ ports.Dispatcher = (*DispatchService)(nil)

// NewDispatchService creates a new dispatch service
func NewDispatchService(
	registry ports.PresenceRegistry,
	metrics ports.Metrics,
	logger *slog.Logger,
) *DispatchService {
	return &DispatchService{
		registry: registry,
		metrics:  metrics,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch sends the envelope's notification to every live connection of every
// recipient except the initiator. Offline recipients and connections that
// cannot accept the payload are skipped; neither is an error.
func (s *DispatchService) Dispatch(ctx context.Context, env *domain.Envelope) (ports.DispatchResult, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveDispatch(time.Since(start).Seconds())
	}()

	var result ports.DispatchResult

	recipients := env.Recipients()
	result.Recipients = len(recipients)
	if len(recipients) == 0 {
		return result, nil
	}

	// Encoded once, shared by every connection.
	payload, err := marshalNotification(env)
	if err != nil {
		return result, fmt.Errorf("%w: %v", apperrors.ErrDispatchFailed, err)
	}

	for _, userID := range recipients {
		conns := s.registry.ConnectionsFor(userID)
		if len(conns) == 0 {
			continue
		}
		result.Online++

		for _, conn := range conns {
			if conn.Send(payload) {
				result.Delivered++
				continue
			}
			result.Skipped++
			s.logger.DebugContext(ctx, "connection not writable, skipping",
				"user_id", userID,
				"connection_id", conn.ID(),
			)
		}
	}

	s.metrics.NotificationsSent(result.Delivered, result.Skipped)

	s.logger.DebugContext(ctx, "envelope dispatched",
		"event_type", env.Type,
		"event_id", env.EventID,
		"recipients", result.Recipients,
		"online", result.Online,
		"delivered", result.Delivered,
		"skipped", result.Skipped,
	)

	return result, nil
}
