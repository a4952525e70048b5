package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQEventPublisher publishes delivery events to the audit stream.
type RabbitMQEventPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQEventPublisher(client *RabbitMQ) *RabbitMQEventPublisher {
	return &RabbitMQEventPublisher{client: client}
}

func (p *RabbitMQEventPublisher) PublishEvent(ctx context.Context, event DeliveryEvent) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid delivery event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     event.DeliveryID,
		CorrelationId: event.NotificationID,
		Priority:      PriorityValue(event.Urgency),
		Body:          payload,
	}

	if err := ch.PublishWithContext(ctx, "", EventsQueue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish event to queue %q: %w", EventsQueue, err)
	}

	return nil
}

func (p *RabbitMQEventPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
