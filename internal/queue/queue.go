package queue

import (
	"context"

	"github.com/halcyon-dev/courier/internal/domain"
)

// EventPublisher publishes delivery lifecycle events to the audit stream.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event DeliveryEvent) error
	Close() error
}

// ReceiptHandler handles a consumed provider receipt.
type ReceiptHandler func(ctx context.Context, receipt ReceiptEvent) error

// ReceiptConsumer consumes provider receipts from the broker.
type ReceiptConsumer interface {
	Consume(ctx context.Context, handler ReceiptHandler) error
	Close() error
}

const (
	// EventsQueue carries the delivery audit stream.
	EventsQueue = "courier.events"

	// ReceiptsQueue carries provider delivered/read receipts.
	ReceiptsQueue = "courier.receipts"

	// ReceiptsDLQ holds receipts that could not be parsed.
	ReceiptsDLQ = "courier.dlq.receipts"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the event queue.
	queueMaxPriority int32 = 4
)

// PriorityValue maps notification urgency to RabbitMQ message priority.
func PriorityValue(urgency domain.Urgency) uint8 {
	switch urgency {
	case domain.UrgencyCritical:
		return 4
	case domain.UrgencyHigh:
		return 3
	case domain.UrgencyNormal:
		return 2
	case domain.UrgencyLow:
		return 1
	default:
		return 0
	}
}
