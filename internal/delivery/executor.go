package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyon-dev/courier/internal/backoff"
	"github.com/halcyon-dev/courier/internal/channel"
	"github.com/halcyon-dev/courier/internal/domain"
	"github.com/halcyon-dev/courier/internal/escalation"
	"github.com/halcyon-dev/courier/internal/observability"
	"github.com/halcyon-dev/courier/internal/queue"
	"github.com/halcyon-dev/courier/internal/ratelimit"
	"github.com/halcyon-dev/courier/internal/repository"
)

// CapabilityResolver reports what transports a recipient can be reached
// over. Deployments back this with a device registry; the zero-config
// default assumes an online smartphone with a SIM.
type CapabilityResolver interface {
	Capabilities(ctx context.Context, recipientID string) domain.RecipientCapabilities
}

// StaticCapabilities resolves every recipient to the same capability set.
type StaticCapabilities struct {
	Caps domain.RecipientCapabilities
}

func (s StaticCapabilities) Capabilities(ctx context.Context, recipientID string) domain.RecipientCapabilities {
	return s.Caps
}

func defaultCapabilities() CapabilityResolver {
	return StaticCapabilities{Caps: domain.RecipientCapabilities{
		Smartphone: true,
		Internet:   true,
		SIM:        true,
	}}
}

// StatusRecomputer re-aggregates a notification's global status after one of
// its deliveries reaches an outcome. Satisfied by the orchestrator. Without
// it, outcomes produced by deferred retries and escalation would leave the
// notification's global status stale until the next pending sweep.
type StatusRecomputer interface {
	RecomputeGlobalStatus(ctx context.Context, notificationID string) error
}

// Executor drives the per-delivery state machine: it appends attempts,
// invokes channel handlers, applies retry policy and, for critical traffic,
// consults the escalation engine once a channel's budget is spent.
type Executor struct {
	deliveries    repository.DeliveryRepository
	notifications repository.NotificationRepository
	registry      *channel.Registry
	rateLimiter   ratelimit.RateLimiter
	engine        *backoff.Engine
	capabilities  CapabilityResolver
	events        queue.EventPublisher
	metrics       *observability.Metrics
	recomputer    StatusRecomputer
	logger        *zap.Logger

	locks *keyedMutex

	// armed retry timers by delivery id; Cancel and Expire abort them.
	timersMu sync.Mutex
	timers   map[string]*retryTimer

	now func() time.Time
}

func NewExecutor(
	deliveries repository.DeliveryRepository,
	notifications repository.NotificationRepository,
	registry *channel.Registry,
	rateLimiter ratelimit.RateLimiter,
	engine *backoff.Engine,
	logger *zap.Logger,
) (*Executor, error) {
	if deliveries == nil {
		return nil, fmt.Errorf("delivery repository is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("channel registry is required")
	}
	if rateLimiter == nil {
		rateLimiter = ratelimit.Unlimited{}
	}
	if engine == nil {
		engine = backoff.NewEngine()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Executor{
		deliveries:    deliveries,
		notifications: notifications,
		registry:      registry,
		rateLimiter:   rateLimiter,
		engine:        engine,
		capabilities:  defaultCapabilities(),
		logger:        logger,
		locks:         newKeyedMutex(),
		timers:        make(map[string]*retryTimer),
		now:           time.Now,
	}, nil
}

func (e *Executor) SetMetrics(metrics *observability.Metrics) {
	if e == nil {
		return
	}
	e.metrics = metrics
}

func (e *Executor) SetEventPublisher(events queue.EventPublisher) {
	if e == nil {
		return
	}
	e.events = events
}

func (e *Executor) SetCapabilityResolver(resolver CapabilityResolver) {
	if e == nil || resolver == nil {
		return
	}
	e.capabilities = resolver
}

func (e *Executor) SetStatusRecomputer(recomputer StatusRecomputer) {
	if e == nil {
		return
	}
	e.recomputer = recomputer
}

// Execute runs one delivery attempt. It is a no-op for terminal deliveries.
// Concurrent calls against the same delivery id are serialized.
func (e *Executor) Execute(ctx context.Context, deliveryID string) error {
	e.locks.Lock(deliveryID)
	defer e.locks.Unlock(deliveryID)

	d, err := e.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to load delivery: %w", err)
	}

	if d.Status.IsTerminal() {
		return nil
	}

	if e.expired(d) {
		return e.expireLocked(ctx, d, "ttl exceeded")
	}

	notification, err := e.notifications.GetByID(ctx, d.NotificationID)
	if err != nil {
		return fmt.Errorf("failed to load notification: %w", err)
	}

	attempt := &domain.DeliveryAttempt{
		ID:         uuid.NewString(),
		DeliveryID: d.ID,
		Ordinal:    d.AttemptCount() + 1,
		Status:     domain.DeliverySending,
		StartedAt:  e.now(),
	}
	if err := e.deliveries.AppendAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	if err := e.deliveries.UpdateStatus(ctx, d.ID, domain.DeliverySending); err != nil {
		return fmt.Errorf("failed to mark delivery sending: %w", err)
	}
	e.publishEvent(ctx, d, notification, domain.DeliverySending, attempt.Ordinal, "")

	result, sendErr := e.send(ctx, d, notification)

	if sendErr == nil && result.Delivered() {
		return e.recordSuccess(ctx, d, notification, attempt, result)
	}

	return e.recordFailure(ctx, d, notification, attempt, result, sendErr)
}

// send waits on the rate limiter, consults the circuit breaker and invokes
// the channel handler. All failure modes come back as a SendError.
func (e *Executor) send(ctx context.Context, d *domain.Delivery, n *domain.Notification) (*channel.SendResult, error) {
	channelName := d.Channel.String()

	handler, ok := e.registry.Handler(d.Channel)
	if !ok {
		return nil, &channel.SendError{
			Reason:  channel.FailureNoProvider,
			Message: fmt.Sprintf("no handler registered for channel %s", channelName),
		}
	}

	if breaker, ok := e.registry.Breaker(d.Channel); ok && !breaker.Allow() {
		return nil, &channel.SendError{
			Reason:  channel.FailureThrottled,
			Message: fmt.Sprintf("circuit breaker open for channel %s", channelName),
		}
	}

	if err := e.rateLimiter.Wait(ctx, channelName); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	target := channel.Target{
		Address: d.Destination,
		Offline: e.targetOffline(ctx, d),
	}
	if d.RecipientID != nil {
		target.RecipientID = *d.RecipientID
	}

	sendStart := e.now()
	result, err := handler.Send(ctx, target, payloadFor(n))
	if e.metrics != nil {
		e.metrics.ObserveSendDuration(channelName, e.now().Sub(sendStart))
	}

	if breaker, ok := e.registry.Breaker(d.Channel); ok {
		if err == nil && result.Delivered() {
			breaker.RecordSuccess()
		} else {
			breaker.RecordFailure()
		}
	}

	return result, err
}

func (e *Executor) recordSuccess(
	ctx context.Context,
	d *domain.Delivery,
	n *domain.Notification,
	attempt *domain.DeliveryAttempt,
	result *channel.SendResult,
) error {
	ended := e.now()
	attempt.Status = result.Status
	attempt.EndedAt = &ended
	if result.ProviderMessageID != "" {
		attempt.ProviderMessageID = &result.ProviderMessageID
	}
	if result.RawResponse != "" {
		attempt.RawResponse = &result.RawResponse
	}
	if err := e.deliveries.CloseAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to close attempt: %w", err)
	}

	// SENT means provider acceptance without confirmation; the receipt
	// consumer upgrades it to DELIVERED when the provider reports back.
	if result.Status == domain.DeliverySent {
		if err := e.deliveries.UpdateStatus(ctx, d.ID, domain.DeliverySent); err != nil {
			return fmt.Errorf("failed to mark delivery sent: %w", err)
		}
		e.publishEvent(ctx, d, n, domain.DeliverySent, attempt.Ordinal, "")
		return nil
	}

	receipt := &domain.Receipt{DeliveredAt: &ended, Source: "provider"}
	if result.RawResponse != "" {
		receipt.Payload = result.RawResponse
	}
	if err := e.deliveries.SetReceipt(ctx, d.ID, domain.DeliveryDelivered, receipt); err != nil {
		return fmt.Errorf("failed to record delivery receipt: %w", err)
	}

	if e.metrics != nil {
		e.metrics.IncDeliverySent(d.Channel.String())
	}
	e.publishEvent(ctx, d, n, domain.DeliveryDelivered, attempt.Ordinal, "")
	e.recomputeStatus(ctx, d.NotificationID)
	return nil
}

func (e *Executor) recordFailure(
	ctx context.Context,
	d *domain.Delivery,
	n *domain.Notification,
	attempt *domain.DeliveryAttempt,
	result *channel.SendResult,
	sendErr error,
) error {
	reason := failureReason(result, sendErr)
	message := failureMessage(result, sendErr)

	ended := e.now()
	attempt.Status = domain.DeliveryFailed
	attempt.EndedAt = &ended
	code := string(reason)
	attempt.ErrorCode = &code
	if message != "" {
		attempt.ErrorMessage = &message
	}
	if result != nil && result.RawResponse != "" {
		attempt.RawResponse = &result.RawResponse
	}
	if err := e.deliveries.CloseAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to close attempt: %w", err)
	}

	retryable := reason.Retryable() && !errors.Is(sendErr, context.Canceled)
	budgetLeft := attempt.Ordinal < d.MaxRetries()

	if retryable && budgetLeft {
		delay := e.retryDelay(ctx, d, n, attempt.Ordinal)
		if delay != backoff.Abandon {
			if err := e.deliveries.UpdateStatus(ctx, d.ID, domain.DeliveryRetryScheduled); err != nil {
				return fmt.Errorf("failed to mark delivery retry scheduled: %w", err)
			}
			if e.metrics != nil {
				e.metrics.IncRetryScheduled(d.Channel.String())
			}
			e.publishEvent(ctx, d, n, domain.DeliveryRetryScheduled, attempt.Ordinal, string(reason))
			e.armRetry(d.ID, delay)
			return nil
		}
	}

	if err := e.deliveries.UpdateStatus(ctx, d.ID, domain.DeliveryFailed); err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	if e.metrics != nil {
		e.metrics.IncDeliveryFailed(d.Channel.String(), string(reason))
	}
	e.publishEvent(ctx, d, n, domain.DeliveryFailed, attempt.Ordinal, string(reason))

	e.escalate(ctx, d, n)
	e.recomputeStatus(ctx, d.NotificationID)
	return nil
}

// retryDelay computes the next backoff delay for a failed attempt, applying
// urgency scaling, the offline floor and any SLA cap.
func (e *Executor) retryDelay(ctx context.Context, d *domain.Delivery, n *domain.Notification, ordinal int) time.Duration {
	policy := backoff.ProfileFor(n.Urgency, n.Intent)

	dctx := backoff.DeliveryContext{
		Attempt:       ordinal,
		Policy:        policy,
		Priority:      n.Urgency.Weight(),
		TargetOffline: e.targetOffline(ctx, d),
	}
	if d.SLA != nil && d.SLA.MaxDelay > 0 {
		dctx.MaxAcceptableDelay = d.SLA.MaxDelay
	}

	return e.engine.ComputeDeliveryDelay(dctx)
}

type retryTimer struct {
	cancel context.CancelFunc
}

// armRetry schedules a deferred re-execution. The timer is registered so
// Cancel and Expire can abort it before it fires.
func (e *Executor) armRetry(deliveryID string, delay time.Duration) {
	timerCtx, cancel := context.WithCancel(context.Background())
	token := &retryTimer{cancel: cancel}

	e.timersMu.Lock()
	if prev, ok := e.timers[deliveryID]; ok {
		prev.cancel()
	}
	e.timers[deliveryID] = token
	e.timersMu.Unlock()

	go func() {
		defer e.disarmRetry(deliveryID, token)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timerCtx.Done():
			return
		case <-timer.C:
		}

		if err := e.Execute(context.Background(), deliveryID); err != nil {
			e.logger.Error("deferred retry execution failed",
				zap.String("deliveryId", deliveryID),
				zap.Error(err),
			)
		}
	}()
}

func (e *Executor) disarmRetry(deliveryID string, token *retryTimer) {
	e.timersMu.Lock()
	if current, ok := e.timers[deliveryID]; ok && current == token {
		delete(e.timers, deliveryID)
	}
	e.timersMu.Unlock()
}

// abortRetry cancels an armed retry timer for the delivery, if any.
func (e *Executor) abortRetry(deliveryID string) {
	e.timersMu.Lock()
	token, ok := e.timers[deliveryID]
	if ok {
		delete(e.timers, deliveryID)
	}
	e.timersMu.Unlock()

	if ok {
		token.cancel()
	}
}

// escalate consults the escalation engine after a delivery has failed
// definitively. Only critical traffic escalates; the engine may pick a new
// channel, in which case a fresh delivery is created and executed.
func (e *Executor) escalate(ctx context.Context, d *domain.Delivery, n *domain.Notification) {
	if n.Urgency != domain.UrgencyCritical {
		return
	}

	deliveries, err := e.deliveries.GetByNotification(ctx, n.ID)
	if err != nil {
		e.logger.Error("failed to load deliveries for escalation",
			zap.String("notificationId", n.ID),
			zap.Error(err),
		)
		return
	}

	input := escalation.Input{
		Urgency:      n.Urgency,
		Channel:      d.Channel,
		Capabilities: e.capabilities.Capabilities(ctx, recipientOf(d)),
	}
	var firstAttempt time.Time
	for i := range deliveries {
		for _, a := range deliveries[i].Attempts {
			if firstAttempt.IsZero() || a.StartedAt.Before(firstAttempt) {
				firstAttempt = a.StartedAt
			}
			if a.Status == domain.DeliveryFailed {
				failure := escalation.Failure{Channel: deliveries[i].Channel, At: a.StartedAt}
				if a.ErrorCode != nil {
					failure.Reason = *a.ErrorCode
				}
				input.Failures = append(input.Failures, failure)
			}
		}
	}
	if !firstAttempt.IsZero() {
		input.Elapsed = e.now().Sub(firstAttempt)
	}

	decision := escalation.Decide(input)
	if e.metrics != nil {
		e.metrics.IncEscalation(d.Channel.String(), string(decision.Action))
	}

	switch decision.Action {
	case escalation.ActionSwitchChannel, escalation.ActionEscalateOffline:
		for i := range deliveries {
			if deliveries[i].Channel == decision.Channel {
				return
			}
		}
		e.logger.Info("escalating critical delivery",
			zap.String("notificationId", n.ID),
			zap.String("fromChannel", d.Channel.String()),
			zap.String("toChannel", decision.Channel.String()),
			zap.String("reason", decision.Reason),
		)
		e.escalateToChannel(ctx, d, n, decision.Channel)
	case escalation.ActionRetrySame:
		// The delivery is already terminal here; same-channel retries are
		// handled by the regular retry path before exhaustion.
	default:
		e.logger.Warn("critical delivery gave up",
			zap.String("notificationId", n.ID),
			zap.String("channel", d.Channel.String()),
			zap.String("reason", decision.Reason),
		)
	}
}

func (e *Executor) escalateToChannel(ctx context.Context, failed *domain.Delivery, n *domain.Notification, ch domain.Channel) {
	next := &domain.Delivery{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		RecipientID:    failed.RecipientID,
		Channel:        ch,
		Destination:    n.Target,
		Status:         domain.DeliveryPending,
		SLA:            failed.SLA,
	}
	if err := e.deliveries.Create(ctx, next); err != nil {
		e.logger.Error("failed to create escalation delivery",
			zap.String("notificationId", n.ID),
			zap.String("channel", ch.String()),
			zap.Error(err),
		)
		return
	}

	if err := e.Execute(ctx, next.ID); err != nil {
		e.logger.Error("escalation delivery execution failed",
			zap.String("deliveryId", next.ID),
			zap.Error(err),
		)
	}
}

// MarkAsRead records a read acknowledgment. Valid only for DELIVERED
// deliveries; anything else is a silent no-op.
func (e *Executor) MarkAsRead(ctx context.Context, deliveryID, source, payload string) error {
	e.locks.Lock(deliveryID)
	defer e.locks.Unlock(deliveryID)

	d, err := e.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to load delivery: %w", err)
	}

	if d.Status != domain.DeliveryDelivered {
		return nil
	}

	readAt := e.now()
	receipt := d.Receipt
	if receipt == nil {
		receipt = &domain.Receipt{}
	}
	receipt.ReadAt = &readAt
	if source != "" {
		receipt.Source = source
	}
	if payload != "" {
		receipt.Payload = payload
	}

	if err := e.deliveries.SetReceipt(ctx, d.ID, domain.DeliveryRead, receipt); err != nil {
		return fmt.Errorf("failed to record read receipt: %w", err)
	}

	e.publishEvent(ctx, d, nil, domain.DeliveryRead, 0, "")
	return nil
}

// Cancel terminates a non-terminal delivery with a synthetic CANCELLED
// attempt and aborts any armed retry timer.
func (e *Executor) Cancel(ctx context.Context, deliveryID, reason string) error {
	return e.terminate(ctx, deliveryID, domain.DeliveryCancelled, reason)
}

// Expire terminates a non-terminal delivery with a synthetic EXPIRED attempt.
func (e *Executor) Expire(ctx context.Context, deliveryID string) error {
	return e.terminate(ctx, deliveryID, domain.DeliveryExpired, "delivery expired")
}

func (e *Executor) terminate(ctx context.Context, deliveryID string, status domain.DeliveryStatus, reason string) error {
	e.abortRetry(deliveryID)

	e.locks.Lock(deliveryID)
	defer e.locks.Unlock(deliveryID)

	d, err := e.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to load delivery: %w", err)
	}

	if d.Status.IsTerminal() {
		return nil
	}

	return e.terminateLocked(ctx, d, status, reason)
}

func (e *Executor) terminateLocked(ctx context.Context, d *domain.Delivery, status domain.DeliveryStatus, reason string) error {
	now := e.now()
	attempt := &domain.DeliveryAttempt{
		ID:         uuid.NewString(),
		DeliveryID: d.ID,
		Ordinal:    d.AttemptCount() + 1,
		Status:     status,
		StartedAt:  now,
		EndedAt:    &now,
	}
	if reason != "" {
		attempt.ErrorMessage = &reason
	}
	if err := e.deliveries.AppendAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to append terminal attempt: %w", err)
	}
	if err := e.deliveries.UpdateStatus(ctx, d.ID, status); err != nil {
		return fmt.Errorf("failed to set terminal status: %w", err)
	}

	e.publishEvent(ctx, d, nil, status, attempt.Ordinal, reason)
	e.recomputeStatus(ctx, d.NotificationID)
	return nil
}

func (e *Executor) expireLocked(ctx context.Context, d *domain.Delivery, reason string) error {
	e.abortRetry(d.ID)
	return e.terminateLocked(ctx, d, domain.DeliveryExpired, reason)
}

// HandleReceipt applies a provider receipt from the broker: delivered
// receipts confirm SENT deliveries, read receipts go through MarkAsRead.
func (e *Executor) HandleReceipt(ctx context.Context, receipt queue.ReceiptEvent) error {
	switch receipt.Kind {
	case queue.ReceiptKindRead:
		return e.MarkAsRead(ctx, receipt.DeliveryID, receipt.Source, "")
	case queue.ReceiptKindDelivered:
		return e.confirmDelivered(ctx, receipt)
	default:
		return fmt.Errorf("unsupported receipt kind %q", receipt.Kind)
	}
}

func (e *Executor) confirmDelivered(ctx context.Context, event queue.ReceiptEvent) error {
	e.locks.Lock(event.DeliveryID)
	defer e.locks.Unlock(event.DeliveryID)

	d, err := e.deliveries.GetByID(ctx, event.DeliveryID)
	if err != nil {
		return fmt.Errorf("failed to load delivery: %w", err)
	}

	if d.Status != domain.DeliverySent {
		return nil
	}

	deliveredAt := event.At
	if deliveredAt.IsZero() {
		deliveredAt = e.now()
	}
	receipt := d.Receipt
	if receipt == nil {
		receipt = &domain.Receipt{}
	}
	receipt.DeliveredAt = &deliveredAt
	if event.Source != "" {
		receipt.Source = event.Source
	}

	if err := e.deliveries.SetReceipt(ctx, d.ID, domain.DeliveryDelivered, receipt); err != nil {
		return fmt.Errorf("failed to confirm delivery: %w", err)
	}

	if e.metrics != nil {
		e.metrics.IncDeliverySent(d.Channel.String())
	}
	e.publishEvent(ctx, d, nil, domain.DeliveryDelivered, 0, "")
	e.recomputeStatus(ctx, d.NotificationID)
	return nil
}

func (e *Executor) expired(d *domain.Delivery) bool {
	if d.SLA == nil || d.SLA.TTL <= 0 {
		return false
	}
	return e.now().Sub(d.CreatedAt) > d.SLA.TTL
}

func (e *Executor) targetOffline(ctx context.Context, d *domain.Delivery) bool {
	caps := e.capabilities.Capabilities(ctx, recipientOf(d))
	return caps.Offline
}

// recomputeStatus re-aggregates the notification's global status after a
// delivery outcome; failures are logged, never propagated.
func (e *Executor) recomputeStatus(ctx context.Context, notificationID string) {
	if e.recomputer == nil {
		return
	}
	if err := e.recomputer.RecomputeGlobalStatus(ctx, notificationID); err != nil {
		e.logger.Error("failed to recompute notification status",
			zap.String("notificationId", notificationID),
			zap.Error(err),
		)
	}
}

// publishEvent emits one audit-stream entry; failures are logged, never
// propagated into the delivery path.
func (e *Executor) publishEvent(ctx context.Context, d *domain.Delivery, n *domain.Notification, status domain.DeliveryStatus, ordinal int, reason string) {
	if e.events == nil {
		return
	}

	event := queue.DeliveryEvent{
		DeliveryID:     d.ID,
		NotificationID: d.NotificationID,
		Channel:        d.Channel,
		Status:         status,
		Attempt:        ordinal,
		Reason:         reason,
		At:             e.now(),
	}
	if n != nil {
		event.Urgency = n.Urgency
	}

	if err := e.events.PublishEvent(ctx, event); err != nil {
		e.logger.Error("failed to publish delivery event",
			zap.String("deliveryId", d.ID),
			zap.String("status", status.String()),
			zap.Error(err),
		)
	}
}

func recipientOf(d *domain.Delivery) string {
	if d.RecipientID != nil {
		return *d.RecipientID
	}
	return d.Destination
}

func failureReason(result *channel.SendResult, sendErr error) channel.FailureReason {
	if sendErr != nil {
		return channel.ReasonOf(sendErr)
	}
	if result != nil && result.FailureReason != "" {
		return result.FailureReason
	}
	return channel.FailureUnknown
}

func failureMessage(result *channel.SendResult, sendErr error) string {
	if sendErr != nil {
		return sendErr.Error()
	}
	if result != nil && result.FailureReason != "" {
		return string(result.FailureReason)
	}
	return ""
}

// payloadFor picks the message content for a send, preferring English and
// falling back to any available language.
func payloadFor(n *domain.Notification) channel.Payload {
	payload := channel.Payload{Language: "en"}

	if content, ok := n.Content["en"]; ok {
		payload.Title = content.Title
		payload.Body = content.Body
		return payload
	}

	for lang, content := range n.Content {
		payload.Language = lang
		payload.Title = content.Title
		payload.Body = content.Body
		break
	}
	return payload
}
