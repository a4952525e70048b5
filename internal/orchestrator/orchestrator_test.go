package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-dev/courier/internal/backoff"
	"github.com/halcyon-dev/courier/internal/channel"
	"github.com/halcyon-dev/courier/internal/delivery"
	"github.com/halcyon-dev/courier/internal/domain"
	"github.com/halcyon-dev/courier/internal/repository"
)

type fakeNotificationRepo struct {
	mu      sync.Mutex
	byID    map[string]*domain.Notification
	created int
}

func newFakeNotificationRepo() *fakeNotificationRepo {
	return &fakeNotificationRepo{byID: make(map[string]*domain.Notification)}
}

func (f *fakeNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n.IdempotencyKey != nil {
		for _, existing := range f.byID {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *n.IdempotencyKey {
				return domain.ErrConflict
			}
		}
	}
	copied := *n
	f.byID[n.ID] = &copied
	f.created++
	return nil
}

func (f *fakeNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n, ok := f.byID[id]; ok {
		copied := *n
		return &copied, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range f.byID {
		if n.IdempotencyKey != nil && *n.IdempotencyKey == key {
			copied := *n
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNotificationRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	return nil, 0, nil
}

func (f *fakeNotificationRepo) ListPending(ctx context.Context, limit int) ([]domain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.Notification
	for _, n := range f.byID {
		if n.Status == domain.NotificationPending {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (f *fakeNotificationRepo) UpdateStatus(ctx context.Context, id string, status domain.NotificationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Status = status
	return nil
}

func (f *fakeNotificationRepo) CountByStatus(ctx context.Context) ([]repository.StatusCount, error) {
	return nil, nil
}

type fakeDeliveryRepo struct {
	mu         sync.Mutex
	deliveries map[string]*domain.Delivery
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{deliveries: make(map[string]*domain.Delivery)}
}

func (f *fakeDeliveryRepo) Create(ctx context.Context, d *domain.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *d
	f.deliveries[d.ID] = &copied
	return nil
}

func (f *fakeDeliveryRepo) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.deliveries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *d
	copied.Attempts = append([]domain.DeliveryAttempt(nil), d.Attempts...)
	return &copied, nil
}

func (f *fakeDeliveryRepo) GetByNotification(ctx context.Context, notificationID string) ([]domain.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.Delivery
	for _, d := range f.deliveries {
		if d.NotificationID == notificationID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDeliveryRepo) AppendAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.deliveries[attempt.DeliveryID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := repository.CheckAppendOnly(len(d.Attempts), attempt.Ordinal); err != nil {
		return err
	}
	d.Attempts = append(d.Attempts, *attempt)
	return nil
}

func (f *fakeDeliveryRepo) CloseAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.deliveries[attempt.DeliveryID]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range d.Attempts {
		if d.Attempts[i].ID == attempt.ID {
			d.Attempts[i] = *attempt
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeDeliveryRepo) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.deliveries[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.Status = status
	return nil
}

func (f *fakeDeliveryRepo) SetReceipt(ctx context.Context, id string, status domain.DeliveryStatus, receipt *domain.Receipt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.deliveries[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.Status = status
	d.Receipt = receipt
	return nil
}

func (f *fakeDeliveryRepo) channels(notificationID string) map[domain.Channel]domain.DeliveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[domain.Channel]domain.DeliveryStatus)
	for _, d := range f.deliveries {
		if d.NotificationID == notificationID {
			out[d.Channel] = d.Status
		}
	}
	return out
}

type fakeJobQueue struct {
	mu     sync.Mutex
	queued []string
}

func (f *fakeJobQueue) Enqueue(notificationID string, runAt time.Time, priority int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, notificationID)
	return "job-1", nil
}

type fakeHandler struct {
	name   domain.Channel
	sendFn func(ctx context.Context, target channel.Target, payload channel.Payload) (*channel.SendResult, error)
}

func (f *fakeHandler) Name() domain.Channel { return f.name }

func (f *fakeHandler) Send(ctx context.Context, target channel.Target, payload channel.Payload) (*channel.SendResult, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, target, payload)
	}
	return &channel.SendResult{Status: domain.DeliveryDelivered}, nil
}

func newTestOrchestrator(t *testing.T, notifications *fakeNotificationRepo, deliveries *fakeDeliveryRepo, handlers ...channel.Handler) *Orchestrator {
	t.Helper()

	registry := channel.NewRegistry(zap.NewNop())
	for _, h := range handlers {
		if err := registry.Register(h, 100); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	executor, err := delivery.NewExecutor(deliveries, notifications, registry, nil, backoff.NewEngine(), nil)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	o, err := NewOrchestrator(notifications, deliveries, executor, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func baseRequest() Request {
	return Request{
		Intent:  "account.alert",
		Urgency: domain.UrgencyNormal,
		Mode:    domain.ModeImmediate,
		Target:  "user@example.com",
		Content: map[string]domain.Content{"en": {Body: "hello"}},
	}
}

func TestDispatchIdempotency(t *testing.T) {
	t.Parallel()

	notifications := newFakeNotificationRepo()
	deliveries := newFakeDeliveryRepo()
	o := newTestOrchestrator(t, notifications, deliveries, &fakeHandler{name: domain.ChannelPush})

	key := "order-42"
	req := baseRequest()
	req.IdempotencyKey = &key

	first, err := o.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	second, err := o.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch (second): %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if notifications.created != 1 {
		t.Fatalf("created = %d, want exactly 1 persisted notification", notifications.created)
	}
}

func TestDispatchResolvesChannelsFromUrgency(t *testing.T) {
	t.Parallel()

	notifications := newFakeNotificationRepo()
	deliveries := newFakeDeliveryRepo()
	o := newTestOrchestrator(t, notifications, deliveries,
		&fakeHandler{name: domain.ChannelPush},
		&fakeHandler{name: domain.ChannelSMS},
		&fakeHandler{name: domain.ChannelEmail},
	)

	req := baseRequest()
	req.Urgency = domain.UrgencyCritical

	n, err := o.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got := deliveries.channels(n.ID)
	for _, ch := range []domain.Channel{domain.ChannelPush, domain.ChannelSMS, domain.ChannelEmail} {
		if _, ok := got[ch]; !ok {
			t.Fatalf("missing delivery for critical channel %s (got %v)", ch, got)
		}
	}
	if n.Status != domain.NotificationDelivered {
		t.Fatalf("global status = %s, want DELIVERED", n.Status)
	}
}

func TestAggregateStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		statuses []domain.DeliveryStatus
		want     domain.NotificationStatus
	}{
		{name: "any delivered wins", statuses: []domain.DeliveryStatus{domain.DeliveryDelivered, domain.DeliveryFailed}, want: domain.NotificationDelivered},
		{name: "read counts as delivered", statuses: []domain.DeliveryStatus{domain.DeliveryRead, domain.DeliveryFailed}, want: domain.NotificationDelivered},
		{name: "all failed", statuses: []domain.DeliveryStatus{domain.DeliveryFailed, domain.DeliveryFailed}, want: domain.NotificationFailed},
		{name: "partial failure stays pending", statuses: []domain.DeliveryStatus{domain.DeliveryPending, domain.DeliveryFailed}, want: domain.NotificationPending},
		{name: "retry scheduled stays pending", statuses: []domain.DeliveryStatus{domain.DeliveryRetryScheduled, domain.DeliveryFailed}, want: domain.NotificationPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deliveries := make([]domain.Delivery, 0, len(tt.statuses))
			for _, s := range tt.statuses {
				deliveries = append(deliveries, domain.Delivery{Status: s})
			}
			if got := aggregateStatus(deliveries); got != tt.want {
				t.Fatalf("aggregateStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDispatchAllChannelsFailMarksFailed(t *testing.T) {
	t.Parallel()

	notifications := newFakeNotificationRepo()
	deliveries := newFakeDeliveryRepo()

	failing := func(ctx context.Context, target channel.Target, payload channel.Payload) (*channel.SendResult, error) {
		return nil, &channel.SendError{Reason: channel.FailureInvalidTarget, Message: "bad address"}
	}
	o := newTestOrchestrator(t, notifications, deliveries, &fakeHandler{name: domain.ChannelPush, sendFn: failing})

	n, err := o.Dispatch(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n.Status != domain.NotificationFailed {
		t.Fatalf("global status = %s, want FAILED", n.Status)
	}
}

func TestDispatchSkipsDeliveredChannel(t *testing.T) {
	t.Parallel()

	notifications := newFakeNotificationRepo()
	deliveries := newFakeDeliveryRepo()

	sends := 0
	handler := &fakeHandler{
		name: domain.ChannelPush,
		sendFn: func(ctx context.Context, target channel.Target, payload channel.Payload) (*channel.SendResult, error) {
			sends++
			return &channel.SendResult{Status: domain.DeliveryDelivered}, nil
		},
	}
	o := newTestOrchestrator(t, notifications, deliveries, handler)

	n, err := o.Dispatch(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Re-driving the same notification must not re-send a delivered channel.
	stored, err := notifications.GetByID(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if err := o.DispatchPending(context.Background(), stored); err != nil {
		t.Fatalf("DispatchPending: %v", err)
	}

	if sends != 1 {
		t.Fatalf("sends = %d, want 1", sends)
	}
}

func TestScheduledDispatchQueuesJob(t *testing.T) {
	t.Parallel()

	notifications := newFakeNotificationRepo()
	deliveries := newFakeDeliveryRepo()

	sends := 0
	handler := &fakeHandler{
		name: domain.ChannelPush,
		sendFn: func(ctx context.Context, target channel.Target, payload channel.Payload) (*channel.SendResult, error) {
			sends++
			return &channel.SendResult{Status: domain.DeliveryDelivered}, nil
		},
	}
	o := newTestOrchestrator(t, notifications, deliveries, handler)

	jobs := &fakeJobQueue{}
	o.SetJobQueue(jobs)

	fireAt := time.Now().Add(time.Hour)
	req := baseRequest()
	req.Mode = domain.ModeScheduled
	req.ScheduledAt = &fireAt

	n, err := o.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if sends != 0 {
		t.Fatalf("sends = %d, want 0 for scheduled dispatch", sends)
	}
	if len(jobs.queued) != 1 || jobs.queued[0] != n.ID {
		t.Fatalf("queued jobs = %v, want [%s]", jobs.queued, n.ID)
	}
	if n.Status != domain.NotificationPending {
		t.Fatalf("status = %s, want PENDING", n.Status)
	}
}

func TestRetryPendingReDrivesUnresolved(t *testing.T) {
	t.Parallel()

	notifications := newFakeNotificationRepo()
	deliveries := newFakeDeliveryRepo()

	attempt := 0
	handler := &fakeHandler{
		name: domain.ChannelPush,
		sendFn: func(ctx context.Context, target channel.Target, payload channel.Payload) (*channel.SendResult, error) {
			attempt++
			return &channel.SendResult{Status: domain.DeliveryDelivered}, nil
		},
	}
	o := newTestOrchestrator(t, notifications, deliveries, handler)

	// Simulate a notification persisted before a crash: PENDING with no
	// deliveries yet.
	n := &domain.Notification{
		ID:       "crashed",
		Intent:   "account.alert",
		Urgency:  domain.UrgencyNormal,
		Mode:     domain.ModeImmediate,
		Target:   "user@example.com",
		Channels: []domain.Channel{domain.ChannelPush},
		Status:   domain.NotificationPending,
		Content:  map[string]domain.Content{"en": {Body: "hello"}},
	}
	if err := notifications.Create(context.Background(), n); err != nil {
		t.Fatalf("Create: %v", err)
	}

	retried, err := o.RetryPending(context.Background())
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if retried != 1 {
		t.Fatalf("retried = %d, want 1", retried)
	}
	if attempt != 1 {
		t.Fatalf("provider calls = %d, want 1", attempt)
	}

	stored, err := notifications.GetByID(context.Background(), "crashed")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != domain.NotificationDelivered {
		t.Fatalf("status = %s, want DELIVERED", stored.Status)
	}
}

// A transient failure leaves the delivery to the executor's own retry chain;
// when that deferred retry succeeds, the notification's global status must
// follow without another dispatch call.
func TestDeferredRetryOutcomeUpdatesGlobalStatus(t *testing.T) {
	t.Parallel()

	notifications := newFakeNotificationRepo()
	deliveries := newFakeDeliveryRepo()

	var mu sync.Mutex
	sends := 0
	handler := &fakeHandler{
		name: domain.ChannelPush,
		sendFn: func(ctx context.Context, target channel.Target, payload channel.Payload) (*channel.SendResult, error) {
			mu.Lock()
			defer mu.Unlock()
			sends++
			if sends == 1 {
				return nil, &channel.SendError{Reason: channel.FailureTimeout, Message: "provider timeout"}
			}
			return &channel.SendResult{Status: domain.DeliveryDelivered, ProviderMessageID: "msg-1"}, nil
		},
	}
	o := newTestOrchestrator(t, notifications, deliveries, handler)

	n, err := o.Dispatch(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n.Status != domain.NotificationPending {
		t.Fatalf("status after transient failure = %s, want PENDING", n.Status)
	}

	var deliveryID string
	for ch, status := range deliveries.channels(n.ID) {
		if status != domain.DeliveryRetryScheduled {
			t.Fatalf("channel %s status = %s, want RETRY_SCHEDULED", ch, status)
		}
	}
	deliveries.mu.Lock()
	for id, d := range deliveries.deliveries {
		if d.NotificationID == n.ID {
			deliveryID = id
		}
	}
	deliveries.mu.Unlock()
	if deliveryID == "" {
		t.Fatal("expected a delivery for the notification")
	}

	// Drive the deferred retry the way the armed timer does.
	if err := o.executor.Execute(context.Background(), deliveryID); err != nil {
		t.Fatalf("Execute (deferred retry): %v", err)
	}

	stored, err := notifications.GetByID(context.Background(), n.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Status != domain.NotificationDelivered {
		t.Fatalf("status after deferred retry = %s, want DELIVERED", stored.Status)
	}
}
