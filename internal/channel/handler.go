package channel

import (
	"context"
	"time"

	"github.com/halcyon-dev/courier/internal/domain"
)

// Target is the recipient-side addressing for one send.
type Target struct {
	RecipientID string
	Address     string
	// Offline marks targets known to be unreachable online; backoff floors
	// their retry delays.
	Offline bool
}

// Payload is the rendered message handed to a channel handler.
type Payload struct {
	Title    string
	Body     string
	Language string
	Metadata map[string]string
}

// SendResult is the outcome of one provider call.
type SendResult struct {
	Status            domain.DeliveryStatus
	ProviderMessageID string
	FailureReason     FailureReason
	RawResponse       string
}

// Delivered reports whether the provider accepted or confirmed the message.
func (r *SendResult) Delivered() bool {
	if r == nil {
		return false
	}
	return r.Status == domain.DeliverySent || r.Status == domain.DeliveryDelivered
}

// HealthStatus is one channel's probe result.
type HealthStatus struct {
	Healthy  bool              `json:"healthy"`
	Latency  time.Duration     `json:"latencyMs,omitempty"`
	Error    string            `json:"error,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Handler is the channel provider contract consumed by the registry and the
// delivery executor. Implementations make the actual network calls.
type Handler interface {
	Name() domain.Channel
	Send(ctx context.Context, target Target, payload Payload) (*SendResult, error)
}

// HealthChecker is implemented by handlers exposing a health probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) HealthStatus
}

// Canceler is implemented by handlers that can revoke an accepted message.
type Canceler interface {
	CancelMessage(ctx context.Context, providerMessageID string) (bool, error)
}
