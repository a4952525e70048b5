package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryStatus is the per-channel delivery state machine.
type DeliveryStatus string

const (
	DeliveryPending        DeliveryStatus = "PENDING"
	DeliverySending        DeliveryStatus = "SENDING"
	DeliveryRetryScheduled DeliveryStatus = "RETRY_SCHEDULED"
	DeliverySent           DeliveryStatus = "SENT"
	DeliveryDelivered      DeliveryStatus = "DELIVERED"
	DeliveryRead           DeliveryStatus = "READ"
	DeliveryFailed         DeliveryStatus = "FAILED"
	DeliveryExpired        DeliveryStatus = "EXPIRED"
	DeliveryCancelled      DeliveryStatus = "CANCELLED"
)

func (s DeliveryStatus) String() string { return string(s) }

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryPending, DeliverySending, DeliveryRetryScheduled, DeliverySent,
		DeliveryDelivered, DeliveryRead, DeliveryFailed, DeliveryExpired, DeliveryCancelled:
		return true
	}
	return false
}

func ParseDeliveryStatusFromString(s string) (DeliveryStatus, error) {
	st := DeliveryStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid delivery status %q", ErrValidation, s)
	}
	return st, nil
}

// IsTerminal reports whether the status blocks any further send attempt.
// DELIVERED is terminal for sends but still allows the READ acknowledgment
// path.
func (s DeliveryStatus) IsTerminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryRead, DeliveryFailed, DeliveryExpired, DeliveryCancelled:
		return true
	}
	return false
}

// Receipt records proof of delivery and, when acknowledged, of reading.
type Receipt struct {
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	Source      string     `json:"source,omitempty"`
	Payload     string     `json:"payload,omitempty"`
}

// SLA bounds one delivery's retry budget and lifetime.
type SLA struct {
	MaxRetries int           `json:"maxRetries,omitempty"`
	TTL        time.Duration `json:"ttl,omitempty"`
	MaxDelay   time.Duration `json:"maxDelay,omitempty"`
}

// DeliveryAttempt is one immutable try within a delivery. Once written it is
// never mutated except for closing out its status/end timestamp.
type DeliveryAttempt struct {
	ID                string         `gorm:"type:uuid;primaryKey"`
	DeliveryID        string         `gorm:"type:uuid;not null"`
	Ordinal           int            `gorm:"not null"`
	Status            DeliveryStatus `gorm:"type:varchar(20);not null"`
	ErrorCode         *string        `gorm:"type:varchar(64)"`
	ErrorMessage      *string        `gorm:"type:text"`
	ProviderMessageID *string        `gorm:"type:varchar(255)"`
	RawResponse       *string        `gorm:"type:text"`
	StartedAt         time.Time
	EndedAt           *time.Time
}

// Delivery is one channel's attempt series for one notification. The attempt
// log is append-only: its length never decreases and appended attempts are
// immutable.
type Delivery struct {
	ID             string            `gorm:"type:uuid;primaryKey"`
	NotificationID string            `gorm:"type:uuid;not null"`
	RecipientID    *string           `gorm:"type:varchar(255)"`
	Channel        Channel           `gorm:"type:varchar(10);not null"`
	Destination    string            `gorm:"type:varchar(255);not null"`
	Provider       *string           `gorm:"type:varchar(64)"`
	Status         DeliveryStatus    `gorm:"type:varchar(20);not null"`
	Attempts       []DeliveryAttempt `gorm:"-"`
	LastAttemptAt  *time.Time
	Receipt        *Receipt `gorm:"serializer:json"`
	SLA            *SLA     `gorm:"serializer:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (d *Delivery) Validate() error {
	if strings.TrimSpace(d.NotificationID) == "" {
		return fmt.Errorf("%w: notification id is required", ErrValidation)
	}
	if !d.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, d.Channel)
	}
	if strings.TrimSpace(d.Destination) == "" {
		return fmt.Errorf("%w: destination is required", ErrValidation)
	}
	return nil
}

// AttemptCount returns the number of recorded attempts.
func (d *Delivery) AttemptCount() int { return len(d.Attempts) }

// MaxRetries returns the delivery's retry budget, falling back to the
// platform default when no SLA is set.
func (d *Delivery) MaxRetries() int {
	if d.SLA != nil && d.SLA.MaxRetries > 0 {
		return d.SLA.MaxRetries
	}
	return DefaultMaxRetries
}

// DefaultMaxRetries bounds per-channel retry budgets when a delivery carries
// no explicit SLA.
const DefaultMaxRetries = 3

// RecipientCapabilities describes what transports a recipient's device and
// connectivity can support. It gates channel escalation.
type RecipientCapabilities struct {
	Smartphone bool `json:"smartphone"`
	Internet   bool `json:"internet"`
	SIM        bool `json:"sim"`
	USSD       bool `json:"ussd"`
	Mesh       bool `json:"mesh"`
	Offline    bool `json:"offline"`
}

// Supports reports whether the recipient can be reached over a channel.
// Gating: push needs smartphone+internet, email needs internet, SMS and
// WhatsApp need a SIM, USSD and mesh need explicit device support.
func (c RecipientCapabilities) Supports(channel Channel) bool {
	switch channel {
	case ChannelPush:
		return c.Smartphone && c.Internet
	case ChannelEmail:
		return c.Internet
	case ChannelSMS, ChannelWhatsApp:
		return c.SIM
	case ChannelTelegram:
		return c.Smartphone && c.Internet
	case ChannelUSSD:
		return c.USSD
	case ChannelMesh:
		return c.Mesh
	}
	return false
}

// ResilienceOrder ranks channels from highest to lowest expected reach. The
// escalation engine walks it when switching channels for critical traffic.
var ResilienceOrder = []Channel{
	ChannelPush,
	ChannelEmail,
	ChannelSMS,
	ChannelWhatsApp,
	ChannelTelegram,
	ChannelUSSD,
	ChannelMesh,
}

// OfflineFallbackOrder ranks offline-capable channels, USSD preferred.
var OfflineFallbackOrder = []Channel{ChannelUSSD, ChannelMesh}
