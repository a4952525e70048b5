package repository

import (
	"time"

	"github.com/halcyon-dev/courier/internal/domain"
)

// NotificationModel is the persistence model for the notifications table.
type NotificationModel struct {
	ID             string                    `gorm:"type:uuid;primaryKey"`
	IdempotencyKey *string                   `gorm:"type:varchar(255)"`
	Intent         string                    `gorm:"type:varchar(64);not null"`
	Urgency        domain.Urgency            `gorm:"type:varchar(10);not null"`
	Mode           domain.Mode               `gorm:"type:varchar(10);not null"`
	Target         string                    `gorm:"type:varchar(255);not null"`
	Content        map[string]domain.Content `gorm:"serializer:json"`
	Channels       []domain.Channel          `gorm:"serializer:json"`
	Status         domain.NotificationStatus `gorm:"type:varchar(20);not null"`
	ScheduledAt    *time.Time                `gorm:"type:timestamptz"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (NotificationModel) TableName() string {
	return "notifications"
}

// DeliveryModel is the persistence model for the deliveries table.
type DeliveryModel struct {
	ID             string                `gorm:"type:uuid;primaryKey"`
	NotificationID string                `gorm:"type:uuid;not null"`
	RecipientID    *string               `gorm:"type:varchar(255)"`
	Channel        domain.Channel        `gorm:"type:varchar(10);not null"`
	Destination    string                `gorm:"type:varchar(255);not null"`
	Provider       *string               `gorm:"type:varchar(64)"`
	Status         domain.DeliveryStatus `gorm:"type:varchar(20);not null"`
	AttemptCount   int                   `gorm:"not null;default:0"`
	LastAttemptAt  *time.Time
	Receipt        *domain.Receipt `gorm:"serializer:json"`
	SLA            *domain.SLA     `gorm:"serializer:json;column:sla"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (DeliveryModel) TableName() string {
	return "deliveries"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
// Rows are append-only: after creation only the closing fields (status,
// error, trace, end timestamp) are ever updated, and rows are never deleted.
type DeliveryAttemptModel struct {
	ID                string                `gorm:"type:uuid;primaryKey"`
	DeliveryID        string                `gorm:"type:uuid;not null"`
	Ordinal           int                   `gorm:"not null"`
	Status            domain.DeliveryStatus `gorm:"type:varchar(20);not null"`
	ErrorCode         *string               `gorm:"type:varchar(64)"`
	ErrorMessage      *string               `gorm:"type:text"`
	ProviderMessageID *string               `gorm:"type:varchar(255)"`
	RawResponse       *string               `gorm:"type:text"`
	StartedAt         time.Time
	EndedAt           *time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func notificationModelFromDomain(n *domain.Notification) *NotificationModel {
	if n == nil {
		return nil
	}

	return &NotificationModel{
		ID:             n.ID,
		IdempotencyKey: n.IdempotencyKey,
		Intent:         n.Intent,
		Urgency:        n.Urgency,
		Mode:           n.Mode,
		Target:         n.Target,
		Content:        n.Content,
		Channels:       n.Channels,
		Status:         n.Status,
		ScheduledAt:    n.ScheduledAt,
		CreatedAt:      n.CreatedAt,
		UpdatedAt:      n.UpdatedAt,
	}
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	return &domain.Notification{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		Intent:         m.Intent,
		Urgency:        m.Urgency,
		Mode:           m.Mode,
		Target:         m.Target,
		Content:        m.Content,
		Channels:       m.Channels,
		Status:         m.Status,
		ScheduledAt:    m.ScheduledAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func deliveryModelFromDomain(d *domain.Delivery) *DeliveryModel {
	if d == nil {
		return nil
	}

	return &DeliveryModel{
		ID:             d.ID,
		NotificationID: d.NotificationID,
		RecipientID:    d.RecipientID,
		Channel:        d.Channel,
		Destination:    d.Destination,
		Provider:       d.Provider,
		Status:         d.Status,
		AttemptCount:   len(d.Attempts),
		LastAttemptAt:  d.LastAttemptAt,
		Receipt:        d.Receipt,
		SLA:            d.SLA,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func deliveryModelToDomain(m *DeliveryModel, attempts []DeliveryAttemptModel) *domain.Delivery {
	if m == nil {
		return nil
	}

	domainAttempts := make([]domain.DeliveryAttempt, 0, len(attempts))
	for i := range attempts {
		domainAttempts = append(domainAttempts, *attemptModelToDomain(&attempts[i]))
	}

	return &domain.Delivery{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		RecipientID:    m.RecipientID,
		Channel:        m.Channel,
		Destination:    m.Destination,
		Provider:       m.Provider,
		Status:         m.Status,
		Attempts:       domainAttempts,
		LastAttemptAt:  m.LastAttemptAt,
		Receipt:        m.Receipt,
		SLA:            m.SLA,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:                a.ID,
		DeliveryID:        a.DeliveryID,
		Ordinal:           a.Ordinal,
		Status:            a.Status,
		ErrorCode:         a.ErrorCode,
		ErrorMessage:      a.ErrorMessage,
		ProviderMessageID: a.ProviderMessageID,
		RawResponse:       a.RawResponse,
		StartedAt:         a.StartedAt,
		EndedAt:           a.EndedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		DeliveryID:        m.DeliveryID,
		Ordinal:           m.Ordinal,
		Status:            m.Status,
		ErrorCode:         m.ErrorCode,
		ErrorMessage:      m.ErrorMessage,
		ProviderMessageID: m.ProviderMessageID,
		RawResponse:       m.RawResponse,
		StartedAt:         m.StartedAt,
		EndedAt:           m.EndedAt,
	}
}
