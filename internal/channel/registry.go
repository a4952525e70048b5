package channel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/halcyon-dev/courier/internal/domain"
	"go.uber.org/zap"
)

// DefaultPriority is assigned when a registration passes a non-positive
// priority. Lower priority means tried first.
const DefaultPriority = 100

// Registration is the registry's bookkeeping for one channel.
type Registration struct {
	Name         domain.Channel
	Priority     int
	Enabled      bool
	RegisteredAt time.Time

	// seq breaks priority ties by registration order.
	seq int
}

// Registry is the single source of truth for which delivery channels exist
// and in what order they should be tried. It is an injected instance owned by
// the composition root, not package state, so tests get isolation for free.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Channel]Handler
	regs     map[domain.Channel]*Registration
	breakers map[domain.Channel]*Breaker
	nextSeq  int
	logger   *zap.Logger
	now      func() time.Time
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		handlers: make(map[domain.Channel]Handler),
		regs:     make(map[domain.Channel]*Registration),
		breakers: make(map[domain.Channel]*Breaker),
		logger:   logger,
		now:      time.Now,
	}
}

// Register adds a channel handler. Registering a name twice fails; the first
// registration stays active. A non-positive priority gets DefaultPriority.
func (r *Registry) Register(handler Handler, priority int) error {
	if handler == nil {
		return fmt.Errorf("%w: handler is required", domain.ErrValidation)
	}
	name := handler.Name()
	if !name.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, name)
	}
	if priority <= 0 {
		priority = DefaultPriority
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.regs[name]; exists {
		return fmt.Errorf("%w: channel %s is already registered", domain.ErrConflict, name)
	}

	r.nextSeq++
	r.handlers[name] = handler
	r.regs[name] = &Registration{
		Name:         name,
		Priority:     priority,
		Enabled:      true,
		RegisteredAt: r.now().UTC(),
		seq:          r.nextSeq,
	}
	r.breakers[name] = NewBreaker(0, 0)

	r.logger.Info("channel registered",
		zap.String("channel", name.String()),
		zap.Int("priority", priority),
	)
	return nil
}

// Enable re-activates a disabled channel.
func (r *Registry) Enable(name domain.Channel) error {
	return r.setEnabled(name, true)
}

// Disable excludes a channel from resolution without removing it; the
// registration stays queryable.
func (r *Registry) Disable(name domain.Channel) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name domain.Channel, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[name]
	if !ok {
		return fmt.Errorf("%w: channel %s is not registered", domain.ErrNotFound, name)
	}
	reg.Enabled = enabled
	return nil
}

// Registration returns the bookkeeping entry for a channel, enabled or not.
func (r *Registry) Registration(name domain.Channel) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.regs[name]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Handler returns the live handler for an enabled channel.
func (r *Registry) Handler(name domain.Channel) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.regs[name]
	if !ok || !reg.Enabled {
		return nil, false
	}
	return r.handlers[name], true
}

// Breaker returns the circuit breaker guarding a registered channel.
func (r *Registry) Breaker(name domain.Channel) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	breaker, ok := r.breakers[name]
	return breaker, ok
}

// ListActive returns enabled channels in ascending priority order, ties
// broken by registration order.
func (r *Registry) ListActive() []domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		if reg.Enabled {
			active = append(active, reg)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].seq < active[j].seq
	})

	names := make([]domain.Channel, 0, len(active))
	for _, reg := range active {
		names = append(names, reg.Name)
	}
	return names
}

// ResolveOrder returns the fallback-ordered attempt sequence: active
// preferred channels first (in registry priority order), then the remaining
// active channels.
func (r *Registry) ResolveOrder(preferred ...domain.Channel) []domain.Channel {
	active := r.ListActive()
	if len(preferred) == 0 {
		return active
	}

	wanted := make(map[domain.Channel]bool, len(preferred))
	for _, name := range preferred {
		wanted[name] = true
	}

	order := make([]domain.Channel, 0, len(active))
	for _, name := range active {
		if wanted[name] {
			order = append(order, name)
		}
	}
	for _, name := range active {
		if !wanted[name] {
			order = append(order, name)
		}
	}
	return order
}

// DeliverWithFallback walks the resolved order and returns the first
// successful send. On exhaustion it returns the last observed failure, or a
// synthetic no-channel failure when nothing was attempted. The registry holds
// no delivery state; recording outcomes is the caller's concern.
func (r *Registry) DeliverWithFallback(ctx context.Context, target Target, payload Payload, preferred ...domain.Channel) (*SendResult, error) {
	var lastResult *SendResult
	var lastErr error

	for _, name := range r.ResolveOrder(preferred...) {
		handler, ok := r.Handler(name)
		if !ok {
			continue
		}

		breaker, _ := r.Breaker(name)
		if breaker != nil && !breaker.Allow() {
			r.logger.Warn("channel skipped, circuit open", zap.String("channel", name.String()))
			continue
		}

		result, err := handler.Send(ctx, target, payload)
		if err == nil && result.Delivered() {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return result, nil
		}

		if breaker != nil {
			breaker.RecordFailure()
		}
		lastResult, lastErr = result, err
		r.logger.Warn("channel send failed, trying next",
			zap.String("channel", name.String()),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			return lastResult, ctx.Err()
		}
	}

	if lastResult == nil && lastErr == nil {
		return nil, &SendError{
			Reason:  FailureNoChannel,
			Message: "no active channel available for delivery",
		}
	}
	return lastResult, lastErr
}

// HealthCheckAll probes every registered channel, enabled or not. A probe
// that panics is recorded as unhealthy instead of propagating.
func (r *Registry) HealthCheckAll(ctx context.Context) map[domain.Channel]HealthStatus {
	r.mu.RLock()
	handlers := make(map[domain.Channel]Handler, len(r.handlers))
	for name, handler := range r.handlers {
		handlers[name] = handler
	}
	r.mu.RUnlock()

	results := make(map[domain.Channel]HealthStatus, len(handlers))
	for name, handler := range handlers {
		results[name] = r.probe(ctx, name, handler)
	}
	return results
}

func (r *Registry) probe(ctx context.Context, name domain.Channel, handler Handler) (status HealthStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("health probe panicked",
				zap.String("channel", name.String()),
				zap.Any("panic", rec),
			)
			status = HealthStatus{Healthy: false, Error: fmt.Sprintf("probe panicked: %v", rec)}
		}
	}()

	checker, ok := handler.(HealthChecker)
	if !ok {
		// No probe means no evidence against the channel.
		return HealthStatus{Healthy: true, Metadata: map[string]string{"probe": "none"}}
	}
	return checker.HealthCheck(ctx)
}
