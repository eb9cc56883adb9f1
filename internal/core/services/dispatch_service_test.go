package services_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/lorrc/notification-relay/internal/core/domain"
	"github.com/lorrc/notification-relay/internal/core/mocks"
	"github.com/lorrc/notification-relay/internal/core/ports"
	"github.com/lorrc/notification-relay/internal/core/services"
	"github.com/lorrc/notification-relay/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const scenarioOutbound = `{
	"type": "new_message",
	"event_id": 7,
	"event_name": "Evento 7",
	"user_id": 3,
	"user_name": "Ana",
	"message": "oi",
	"timestamp": "2024-01-01T10:00:00Z"
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scenarioEnvelope() *domain.Envelope {
	return &domain.Envelope{
		Type:          domain.EventNewMessage,
		EventID:       7,
		EventName:     "Evento 7",
		InitiatorID:   3,
		InitiatorName: "Ana",
		Message:       "oi",
		Timestamp:     "2024-01-01T10:00:00Z",
		Participants: []domain.Participant{
			{ID: 3, Name: "Ana"},
			{ID: 9, Name: "Bob"},
		},
	}
}

func newConn(id string, userID int64) *mocks.MockConnection {
	conn := mocks.NewMockConnection()
	conn.On("ID").Return(id).Maybe()
	conn.On("UserID").Return(userID).Maybe()
	return conn
}

func TestDispatchService_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("only the non-initiator receives the notification", func(t *testing.T) {
		registry := mocks.NewMockPresenceRegistry()
		bob := newConn("bob-1", 9)
		ana := newConn("ana-1", 3)

		var sent []byte
		bob.On("Send", mock.Anything).Run(func(args mock.Arguments) {
			sent = args.Get(0).([]byte)
		}).Return(true).Once()
		registry.On("ConnectionsFor", int64(9)).Return([]ports.Connection{bob})

		svc := services.NewDispatchService(registry, metrics.Noop{}, testLogger())
		result, err := svc.Dispatch(ctx, scenarioEnvelope())

		require.NoError(t, err)
		assert.Equal(t, ports.DispatchResult{Recipients: 1, Online: 1, Delivered: 1}, result)
		assert.JSONEq(t, scenarioOutbound, string(sent))

		registry.AssertNotCalled(t, "ConnectionsFor", int64(3))
		ana.AssertNotCalled(t, "Send", mock.Anything)
		bob.AssertExpectations(t)
	})

	t.Run("every connection of a recipient gets a copy", func(t *testing.T) {
		registry := mocks.NewMockPresenceRegistry()
		phone := newConn("bob-phone", 9)
		laptop := newConn("bob-laptop", 9)
		phone.On("Send", mock.Anything).Return(true).Once()
		laptop.On("Send", mock.Anything).Return(true).Once()
		registry.On("ConnectionsFor", int64(9)).Return([]ports.Connection{phone, laptop})

		svc := services.NewDispatchService(registry, metrics.Noop{}, testLogger())
		result, err := svc.Dispatch(ctx, scenarioEnvelope())

		require.NoError(t, err)
		assert.Equal(t, 2, result.Delivered)
		phone.AssertExpectations(t)
		laptop.AssertExpectations(t)
	})

	t.Run("duplicate participants do not cause duplicate sends", func(t *testing.T) {
		registry := mocks.NewMockPresenceRegistry()
		bob := newConn("bob-1", 9)
		bob.On("Send", mock.Anything).Return(true).Once()
		registry.On("ConnectionsFor", int64(9)).Return([]ports.Connection{bob}).Once()

		env := scenarioEnvelope()
		env.Participants = append(env.Participants, domain.Participant{ID: 9, Name: "Bob"}, domain.Participant{ID: 9})

		svc := services.NewDispatchService(registry, metrics.Noop{}, testLogger())
		result, err := svc.Dispatch(ctx, env)

		require.NoError(t, err)
		assert.Equal(t, 1, result.Delivered)
		bob.AssertNumberOfCalls(t, "Send", 1)
		registry.AssertExpectations(t)
	})

	t.Run("offline recipient is skipped without error", func(t *testing.T) {
		registry := mocks.NewMockPresenceRegistry()
		registry.On("ConnectionsFor", int64(9)).Return(nil)

		svc := services.NewDispatchService(registry, metrics.Noop{}, testLogger())
		result, err := svc.Dispatch(ctx, scenarioEnvelope())

		require.NoError(t, err)
		assert.Equal(t, ports.DispatchResult{Recipients: 1}, result)
	})

	t.Run("unwritable connection does not stop the fan-out", func(t *testing.T) {
		registry := mocks.NewMockPresenceRegistry()
		stuck := newConn("stuck", 9)
		healthy := newConn("healthy", 9)
		carol := newConn("carol", 11)
		stuck.On("Send", mock.Anything).Return(false).Once()
		healthy.On("Send", mock.Anything).Return(true).Once()
		carol.On("Send", mock.Anything).Return(true).Once()
		registry.On("ConnectionsFor", int64(9)).Return([]ports.Connection{stuck, healthy})
		registry.On("ConnectionsFor", int64(11)).Return([]ports.Connection{carol})

		env := scenarioEnvelope()
		env.Participants = append(env.Participants, domain.Participant{ID: 11, Name: "Carol"})

		svc := services.NewDispatchService(registry, metrics.Noop{}, testLogger())
		result, err := svc.Dispatch(ctx, env)

		require.NoError(t, err)
		assert.Equal(t, ports.DispatchResult{Recipients: 2, Online: 2, Delivered: 2, Skipped: 1}, result)
		healthy.AssertExpectations(t)
		carol.AssertExpectations(t)
	})

	t.Run("initiator alone means nothing to do", func(t *testing.T) {
		registry := mocks.NewMockPresenceRegistry()

		env := scenarioEnvelope()
		env.Participants = []domain.Participant{{ID: 3, Name: "Ana"}}

		svc := services.NewDispatchService(registry, metrics.Noop{}, testLogger())
		result, err := svc.Dispatch(ctx, env)

		require.NoError(t, err)
		assert.Equal(t, 0, result.Recipients)
		registry.AssertNotCalled(t, "ConnectionsFor", mock.Anything)
	})
}
