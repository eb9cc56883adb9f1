package ports

import (
	"context"

	"github.com/lorrc/notification-relay/internal/core/domain"
)

// Source identifies the broker subscription a delivery arrived on.
type Source string

const (
	// SourceBroadcast is the fan-out source: every relay instance gets a copy.
	SourceBroadcast Source = "broadcast"
	// SourceChat is the point-to-point source for chat-originated notifications.
	SourceChat Source = "chat"
	// SourceEvent is the point-to-point source for independently-originated notifications.
	SourceEvent Source = "event"
)

// Sources lists every subscription the relay maintains.
var Sources = []Source{SourceBroadcast, SourceChat, SourceEvent}

// Delivery is one inbound broker message, before parsing.
type Delivery struct {
	Source      Source
	Body        []byte
	Redelivered bool
}

// Disposition tells the broker adapter how to settle a delivery.
type Disposition int

const (
	// Ack removes the delivery from the broker.
	Ack Disposition = iota
	// Requeue returns the delivery to the broker for redelivery.
	Requeue
)

func (d Disposition) String() string {
	if d == Requeue {
		return "requeue"
	}
	return "ack"
}

// DeliveryHandler processes broker deliveries. Broker adapters settle each
// delivery according to the returned disposition.
type DeliveryHandler interface {
	Ingest(ctx context.Context, delivery Delivery) Disposition
}

// BrokerConsumer runs every broker subscription until ctx is cancelled.
type BrokerConsumer interface {
	Consume(ctx context.Context, handler DeliveryHandler) error
	Ping(ctx context.Context) error
	Close() error
}

// Deduplicator rejects envelopes whose key was seen recently.
type Deduplicator interface {
	Accept(key string) bool
	Forget(key string)
}

// DispatchResult summarises a single dispatch.
type DispatchResult struct {
	Recipients int // distinct recipient ids after excluding the initiator
	Online     int // recipients with at least one live connection
	Delivered  int // connections the notification was queued on
	Skipped    int // connections that could not accept the notification
}

// Dispatcher pushes an accepted envelope to its online recipients.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *domain.Envelope) (DispatchResult, error)
}

// Connection is a live, authenticated client connection.
type Connection interface {
	ID() string
	UserID() int64
	// Send queues a payload without blocking. It returns false when the
	// connection cannot accept it (closing, or its queue is full).
	Send(payload []byte) bool
}

// PresenceRegistry maps user ids to their live connections.
type PresenceRegistry interface {
	Register(userID int64, conn Connection) error
	Unregister(userID int64, conn Connection) bool
	ConnectionsFor(userID int64) []Connection
}

// Authenticator validates the credential presented at connection time.
type Authenticator interface {
	Authenticate(token string) (int64, error)
}

// Metrics records relay activity.
type Metrics interface {
	EnvelopeProcessed(source Source, outcome string)
	NotificationsSent(delivered, skipped int)
	ObserveDispatch(seconds float64)
	ConnectionOpened()
	ConnectionClosed()
	HandshakeCompleted(result string)
}

// Envelope outcomes reported to Metrics.
const (
	OutcomeDispatched = "dispatched"
	OutcomeDuplicate  = "duplicate"
	OutcomeMalformed  = "malformed"
	OutcomeRequeued   = "requeued"
)
