package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/halcyon-dev/courier/internal/domain"
)

// DeliveryEvent is one entry in the delivery audit stream. Every state
// transition of a delivery produces exactly one event.
type DeliveryEvent struct {
	DeliveryID     string                `json:"deliveryId"`
	NotificationID string                `json:"notificationId"`
	Channel        domain.Channel        `json:"channel"`
	Status         domain.DeliveryStatus `json:"status"`
	Urgency        domain.Urgency        `json:"urgency"`
	Attempt        int                   `json:"attempt,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	At             time.Time             `json:"at"`
}

func (e DeliveryEvent) Validate() error {
	if strings.TrimSpace(e.DeliveryID) == "" {
		return fmt.Errorf("deliveryId is required")
	}
	if strings.TrimSpace(e.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if !e.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", e.Channel)
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("invalid status %q", e.Status)
	}
	if e.At.IsZero() {
		return fmt.Errorf("at timestamp is required")
	}
	return nil
}

// Receipt kinds reported by providers.
const (
	ReceiptKindDelivered = "delivered"
	ReceiptKindRead      = "read"
)

// ReceiptEvent is a provider-originated acknowledgment for a delivery.
type ReceiptEvent struct {
	DeliveryID        string            `json:"deliveryId"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	Kind              string            `json:"kind"`
	Source            string            `json:"source,omitempty"`
	At                time.Time         `json:"at"`
	Payload           map[string]string `json:"payload,omitempty"`
}

func (r ReceiptEvent) Validate() error {
	if strings.TrimSpace(r.DeliveryID) == "" {
		return fmt.Errorf("deliveryId is required")
	}
	if r.Kind != ReceiptKindDelivered && r.Kind != ReceiptKindRead {
		return fmt.Errorf("invalid receipt kind %q", r.Kind)
	}
	if r.At.IsZero() {
		return fmt.Errorf("at timestamp is required")
	}
	return nil
}
