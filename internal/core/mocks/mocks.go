package mocks

import (
	"context"

	"github.com/lorrc/notification-relay/internal/core/domain"
	"github.com/lorrc/notification-relay/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockDeduplicator is a mock implementation of ports.Deduplicator
type MockDeduplicator struct {
	mock.Mock
}

func NewMockDeduplicator() *MockDeduplicator {
	return &MockDeduplicator{}
}

func (m *MockDeduplicator) Accept(key string) bool {
	args := m.Called(key)
	return args.Bool(0)
}

func (m *MockDeduplicator) Forget(key string) {
	m.Called(key)
}

// MockDispatcher is a mock implementation of ports.Dispatcher
type MockDispatcher struct {
	mock.Mock
}

func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{}
}

func (m *MockDispatcher) Dispatch(ctx context.Context, env *domain.Envelope) (ports.DispatchResult, error) {
	args := m.Called(ctx, env)
	return args.Get(0).(ports.DispatchResult), args.Error(1)
}

// MockPresenceRegistry is a mock implementation of ports.PresenceRegistry
type MockPresenceRegistry struct {
	mock.Mock
}

func NewMockPresenceRegistry() *MockPresenceRegistry {
	return &MockPresenceRegistry{}
}

func (m *MockPresenceRegistry) Register(userID int64, conn ports.Connection) error {
	args := m.Called(userID, conn)
	return args.Error(0)
}

func (m *MockPresenceRegistry) Unregister(userID int64, conn ports.Connection) bool {
	args := m.Called(userID, conn)
	return args.Bool(0)
}

func (m *MockPresenceRegistry) ConnectionsFor(userID int64) []ports.Connection {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]ports.Connection)
}

// MockConnection is a mock implementation of ports.Connection
type MockConnection struct {
	mock.Mock
}

func NewMockConnection() *MockConnection {
	return &MockConnection{}
}

func (m *MockConnection) ID() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockConnection) UserID() int64 {
	args := m.Called()
	return args.Get(0).(int64)
}

func (m *MockConnection) Send(payload []byte) bool {
	args := m.Called(payload)
	return args.Bool(0)
}
