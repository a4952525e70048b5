// Package orchestrator is the top-level dispatch entry point: it resolves
// which channels a notification should use, creates one delivery per channel,
// drives per-channel execution and aggregates the notification's global
// status from its deliveries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/halcyon-dev/courier/internal/delivery"
	"github.com/halcyon-dev/courier/internal/domain"
	"github.com/halcyon-dev/courier/internal/repository"
)

const defaultRetryBatchSize = 100

// JobQueue defers dispatch to a later time. Satisfied by the scheduler.
type JobQueue interface {
	Enqueue(notificationID string, runAt time.Time, priority int) (string, error)
}

// Request is a caller-facing dispatch request.
type Request struct {
	IdempotencyKey *string                   `json:"idempotencyKey,omitempty"`
	Intent         string                    `json:"intent"`
	Urgency        domain.Urgency            `json:"urgency"`
	Mode           domain.Mode               `json:"mode"`
	Target         string                    `json:"target"`
	RecipientID    *string                   `json:"recipientId,omitempty"`
	Content        map[string]domain.Content `json:"content"`
	Channels       []domain.Channel          `json:"channels,omitempty"`
	ScheduledAt    *time.Time                `json:"scheduledAt,omitempty"`
	SLA            *domain.SLA               `json:"sla,omitempty"`
}

type Orchestrator struct {
	notifications repository.NotificationRepository
	deliveries    repository.DeliveryRepository
	executor      *delivery.Executor
	jobs          JobQueue
	logger        *zap.Logger
	now           func() time.Time
}

func NewOrchestrator(
	notifications repository.NotificationRepository,
	deliveries repository.DeliveryRepository,
	executor *delivery.Executor,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("delivery executor is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		notifications: notifications,
		deliveries:    deliveries,
		executor:      executor,
		logger:        logger,
		now:           time.Now,
	}
	// Deferred retries and escalation resolve deliveries outside any
	// dispatch call; the executor reports back so the global status never
	// goes stale.
	executor.SetStatusRecomputer(o)

	return o, nil
}

// SetJobQueue wires the scheduler for deferred dispatch. Without one,
// scheduled-mode requests dispatch immediately.
func (o *Orchestrator) SetJobQueue(jobs JobQueue) {
	if o == nil {
		return
	}
	o.jobs = jobs
}

// CreateOrGet persists a new PENDING notification, or returns the existing
// one unchanged when the idempotency key has been seen before.
func (o *Orchestrator) CreateOrGet(ctx context.Context, req Request) (*domain.Notification, error) {
	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		existing, err := o.notifications.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	notification := &domain.Notification{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Intent:         req.Intent,
		Urgency:        req.Urgency,
		Mode:           req.Mode,
		Target:         req.Target,
		Content:        req.Content,
		Channels:       req.Channels,
		Status:         domain.NotificationPending,
		ScheduledAt:    req.ScheduledAt,
	}
	if notification.Mode == "" {
		notification.Mode = domain.ModeImmediate
	}
	if notification.Urgency == "" {
		notification.Urgency = domain.UrgencyNormal
	}
	if len(notification.Channels) == 0 {
		notification.Channels = domain.ResolveChannels(notification.Urgency)
	}
	if err := notification.Validate(); err != nil {
		return nil, err
	}

	if err := o.notifications.Create(ctx, notification); err != nil {
		// A concurrent dispatch with the same key can win the insert race;
		// the unique index makes the loser read the winner's row.
		if req.IdempotencyKey != nil && isDuplicateKey(err) {
			existing, getErr := o.notifications.GetByIdempotencyKey(ctx, *req.IdempotencyKey)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	return notification, nil
}

// Dispatch creates (or finds) the notification and drives delivery on every
// resolved channel. Scheduled-mode requests with a future fire time are
// queued instead of sent.
func (o *Orchestrator) Dispatch(ctx context.Context, req Request) (*domain.Notification, error) {
	notification, err := o.CreateOrGet(ctx, req)
	if err != nil {
		return nil, err
	}

	if notification.Status != domain.NotificationPending {
		return notification, nil
	}

	if o.deferred(notification) {
		if _, err := o.jobs.Enqueue(notification.ID, *notification.ScheduledAt, notification.Urgency.Weight()); err != nil {
			return nil, fmt.Errorf("failed to queue scheduled notification: %w", err)
		}
		return notification, nil
	}

	if err := o.dispatchChannels(ctx, notification, req.SLA); err != nil {
		return nil, err
	}

	refreshed, err := o.notifications.GetByID(ctx, notification.ID)
	if err != nil {
		return notification, nil
	}
	return refreshed, nil
}

func (o *Orchestrator) deferred(n *domain.Notification) bool {
	return o.jobs != nil &&
		n.Mode == domain.ModeScheduled &&
		n.ScheduledAt != nil &&
		n.ScheduledAt.After(o.now())
}

// DispatchPending re-drives delivery for a persisted PENDING notification.
// It is the scheduler's job target.
func (o *Orchestrator) DispatchPending(ctx context.Context, notification *domain.Notification) error {
	if notification == nil {
		return fmt.Errorf("notification is required")
	}
	return o.dispatchChannels(ctx, notification, nil)
}

func (o *Orchestrator) dispatchChannels(ctx context.Context, n *domain.Notification, sla *domain.SLA) error {
	existing, err := o.deliveries.GetByNotification(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("failed to load deliveries: %w", err)
	}

	byChannel := make(map[domain.Channel]*domain.Delivery, len(existing))
	for i := range existing {
		byChannel[existing[i].Channel] = &existing[i]
	}

	for _, ch := range n.Channels {
		if err := o.dispatchToChannel(ctx, n, ch, byChannel[ch], sla); err != nil {
			o.logger.Error("channel dispatch failed",
				zap.String("notificationId", n.ID),
				zap.String("channel", ch.String()),
				zap.Error(err),
			)
		}
	}

	return o.RecomputeGlobalStatus(ctx, n.ID)
}

// dispatchToChannel executes one channel's delivery, creating the delivery
// record on first dispatch. Terminal deliveries and deliveries owned by the
// retry path are skipped.
func (o *Orchestrator) dispatchToChannel(ctx context.Context, n *domain.Notification, ch domain.Channel, existing *domain.Delivery, sla *domain.SLA) error {
	if existing != nil {
		// Already delivered (or otherwise resolved): nothing to do. A
		// RETRY_SCHEDULED or SENDING delivery is owned by the executor's
		// own retry chain.
		if existing.Status != domain.DeliveryPending {
			return nil
		}
		if existing.AttemptCount() >= existing.MaxRetries() {
			return nil
		}
		return o.executor.Execute(ctx, existing.ID)
	}

	d := &domain.Delivery{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		Channel:        ch,
		Destination:    n.Target,
		Status:         domain.DeliveryPending,
		SLA:            sla,
	}
	if err := o.deliveries.Create(ctx, d); err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}

	return o.executor.Execute(ctx, d.ID)
}

// RecomputeGlobalStatus aggregates delivery outcomes into the notification's
// global status: DELIVERED if any channel reached the recipient, FAILED only
// when every channel failed, PENDING otherwise.
func (o *Orchestrator) RecomputeGlobalStatus(ctx context.Context, notificationID string) error {
	deliveries, err := o.deliveries.GetByNotification(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("failed to load deliveries: %w", err)
	}
	if len(deliveries) == 0 {
		return nil
	}

	status := aggregateStatus(deliveries)

	notification, err := o.notifications.GetByID(ctx, notificationID)
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}
	if notification.Status == status {
		return nil
	}

	if err := o.notifications.UpdateStatus(ctx, notificationID, status); err != nil {
		return fmt.Errorf("failed to update global status: %w", err)
	}
	return nil
}

func aggregateStatus(deliveries []domain.Delivery) domain.NotificationStatus {
	allFailed := true
	for i := range deliveries {
		switch deliveries[i].Status {
		case domain.DeliveryDelivered, domain.DeliveryRead:
			return domain.NotificationDelivered
		case domain.DeliveryFailed:
		default:
			allFailed = false
		}
	}
	if allFailed {
		return domain.NotificationFailed
	}
	return domain.NotificationPending
}

// RetryPending re-drives dispatch for persisted PENDING notifications whose
// deliveries are unresolved. Returns the number of notifications retried.
func (o *Orchestrator) RetryPending(ctx context.Context) (int, error) {
	pending, err := o.notifications.ListPending(ctx, defaultRetryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending notifications: %w", err)
	}

	retried := 0
	for i := range pending {
		if err := o.DispatchPending(ctx, &pending[i]); err != nil {
			o.logger.Error("pending notification retry failed",
				zap.String("notificationId", pending[i].ID),
				zap.Error(err),
			)
			continue
		}
		retried++
	}

	return retried, nil
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, domain.ErrConflict)
}
