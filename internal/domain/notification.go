package domain

import (
	"fmt"
	"strings"
	"time"
)

// NotificationStatus is the aggregated, cross-channel state of a notification.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "PENDING"
	NotificationDelivered NotificationStatus = "DELIVERED"
	NotificationFailed    NotificationStatus = "FAILED"
	NotificationCancelled NotificationStatus = "CANCELLED"
)

func (s NotificationStatus) String() string { return string(s) }

func (s NotificationStatus) IsValid() bool {
	switch s {
	case NotificationPending, NotificationDelivered, NotificationFailed, NotificationCancelled:
		return true
	}
	return false
}

func ParseNotificationStatusFromString(s string) (NotificationStatus, error) {
	st := NotificationStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid notification status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelPush     Channel = "PUSH"
	ChannelSMS      Channel = "SMS"
	ChannelEmail    Channel = "EMAIL"
	ChannelWhatsApp Channel = "WHATSAPP"
	ChannelTelegram Channel = "TELEGRAM"
	ChannelUSSD     Channel = "USSD"
	ChannelMesh     Channel = "MESH"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelPush, ChannelSMS, ChannelEmail, ChannelWhatsApp, ChannelTelegram, ChannelUSSD, ChannelMesh:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// OfflineCapable reports whether a channel can reach a recipient without
// an internet connection.
func (c Channel) OfflineCapable() bool {
	return c == ChannelUSSD || c == ChannelMesh
}

// Urgency is the business priority tier of a notification.
type Urgency string

const (
	UrgencyCritical Urgency = "CRITICAL"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyLow      Urgency = "LOW"
)

func (u Urgency) String() string { return string(u) }

func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyCritical, UrgencyHigh, UrgencyNormal, UrgencyLow:
		return true
	}
	return false
}

func ParseUrgencyFromString(s string) (Urgency, error) {
	u := Urgency(strings.ToUpper(strings.TrimSpace(s)))
	if !u.IsValid() {
		return "", fmt.Errorf("%w: invalid urgency %q", ErrValidation, s)
	}
	return u, nil
}

// Weight maps the urgency tier to the 1..10 scale used for backoff scaling.
// Lower weight means shorter retry delays, so critical traffic retries
// fastest.
func (u Urgency) Weight() int {
	switch u {
	case UrgencyCritical:
		return 2
	case UrgencyHigh:
		return 4
	case UrgencyNormal:
		return 5
	default:
		return 10
	}
}

// Mode controls when a notification becomes eligible for dispatch.
type Mode string

const (
	ModeImmediate Mode = "IMMEDIATE"
	ModeScheduled Mode = "SCHEDULED"
)

func (m Mode) String() string { return string(m) }

func (m Mode) IsValid() bool {
	return m == ModeImmediate || m == ModeScheduled
}

func ParseModeFromString(s string) (Mode, error) {
	m := Mode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("%w: invalid mode %q", ErrValidation, s)
	}
	return m, nil
}

// Content is the per-language message body.
type Content struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

const MaxBodyLength = 10000

// Notification is a logical request to communicate with a recipient,
// independent of the channels used to reach them.
type Notification struct {
	ID             string             `gorm:"type:uuid;primaryKey"`
	IdempotencyKey *string            `gorm:"type:varchar(255)"`
	Intent         string             `gorm:"type:varchar(64);not null"`
	Urgency        Urgency            `gorm:"type:varchar(10);not null"`
	Mode           Mode               `gorm:"type:varchar(10);not null"`
	Target         string             `gorm:"type:varchar(255);not null"`
	Content        map[string]Content `gorm:"serializer:json"`
	Channels       []Channel          `gorm:"serializer:json"`
	Status         NotificationStatus `gorm:"type:varchar(20);not null"`
	ScheduledAt    *time.Time         `gorm:"type:timestamptz"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (n *Notification) Validate() error {
	if strings.TrimSpace(n.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrValidation)
	}
	if strings.TrimSpace(n.Intent) == "" {
		return fmt.Errorf("%w: intent is required", ErrValidation)
	}
	if !n.Urgency.IsValid() {
		return fmt.Errorf("%w: invalid urgency %q", ErrValidation, n.Urgency)
	}
	if !n.Mode.IsValid() {
		return fmt.Errorf("%w: invalid mode %q", ErrValidation, n.Mode)
	}
	if len(n.Content) == 0 {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	for lang, content := range n.Content {
		if strings.TrimSpace(content.Body) == "" {
			return fmt.Errorf("%w: content body for %q is required", ErrValidation, lang)
		}
		if bodyLen := len([]rune(content.Body)); bodyLen > MaxBodyLength {
			return fmt.Errorf("%w: content body for %q exceeds %d characters (got %d)", ErrValidation, lang, MaxBodyLength, bodyLen)
		}
	}
	for _, ch := range n.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("%w: invalid channel %q", ErrValidation, ch)
		}
	}
	return nil
}

// ChannelsForUrgency is the static urgency-to-channel priority table applied
// at dispatch time. Kept as data so a deployment can override it without code
// changes.
var ChannelsForUrgency = map[Urgency][]Channel{
	UrgencyCritical: {ChannelPush, ChannelSMS, ChannelEmail},
	UrgencyHigh:     {ChannelPush, ChannelEmail},
	UrgencyNormal:   {ChannelPush},
	UrgencyLow:      {ChannelPush},
}

// ResolveChannels returns the channel list for an urgency tier, falling back
// to the NORMAL mapping for tiers missing from the table.
func ResolveChannels(u Urgency) []Channel {
	channels, ok := ChannelsForUrgency[u]
	if !ok {
		channels = ChannelsForUrgency[UrgencyNormal]
	}
	out := make([]Channel, len(channels))
	copy(out, channels)
	return out
}
