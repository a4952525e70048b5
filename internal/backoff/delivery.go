package backoff

import "time"

const (
	offlineDelayFloor = 5 * time.Minute
	minPriorityScale  = 0.5
	maxPriorityScale  = 2.0
)

// DeliveryContext carries the orchestration-level adjustments applied on top
// of the base policy computation.
type DeliveryContext struct {
	Attempt int
	Policy  RetryPolicy
	Signals *Signals
	// Priority is the urgency weight on the 1..10 scale; 5 is neutral.
	Priority int
	// TargetOffline floors the delay at five minutes: a known-offline target
	// cannot be reached faster by retrying sooner.
	TargetOffline bool
	// MaxAcceptableDelay caps the result when the caller has an SLA; zero
	// means no cap.
	MaxAcceptableDelay time.Duration
}

// ComputeDeliveryDelay wraps ComputeDelay with priority scaling, the offline
// floor, and the SLA cap, applied in that order.
func (e *Engine) ComputeDeliveryDelay(dctx DeliveryContext) time.Duration {
	delay := e.ComputeDelay(dctx.Attempt, dctx.Policy, dctx.Signals)
	if delay == Abandon {
		return Abandon
	}

	if dctx.Priority > 0 {
		scale := float64(dctx.Priority) / 5
		if scale < minPriorityScale {
			scale = minPriorityScale
		}
		if scale > maxPriorityScale {
			scale = maxPriorityScale
		}
		delay = time.Duration(float64(delay) * scale).Round(time.Millisecond)
	}

	if dctx.TargetOffline && delay < offlineDelayFloor {
		delay = offlineDelayFloor
	}

	if dctx.MaxAcceptableDelay > 0 && delay > dctx.MaxAcceptableDelay {
		delay = dctx.MaxAcceptableDelay
	}

	return delay
}
