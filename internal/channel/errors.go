package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// FailureReason is the closed taxonomy of provider failure causes.
type FailureReason string

const (
	// Transient: retryable under the active policy.
	FailureNetworkError  FailureReason = "NETWORK_ERROR"
	FailureTimeout       FailureReason = "TIMEOUT"
	FailureProviderError FailureReason = "PROVIDER_ERROR"

	// Permanent: recorded as FAILED immediately, never retried.
	FailureInvalidTarget  FailureReason = "INVALID_TARGET"
	FailurePayloadReject  FailureReason = "PAYLOAD_REJECTED"
	FailureConsentBlocked FailureReason = "CONSENT_BLOCKED"

	// Capacity: should delay; currently accounted like ordinary failures.
	FailureRateLimited FailureReason = "RATE_LIMITED"
	FailureThrottled   FailureReason = "THROTTLED"

	// Infrastructure: fail fast, escalation trigger.
	FailureNoProvider FailureReason = "NO_PROVIDER"
	FailureNoChannel  FailureReason = "NO_CHANNEL"

	FailureUnknown FailureReason = "UNKNOWN"
)

// FailureClass groups reasons by retry semantics.
type FailureClass string

const (
	ClassTransient      FailureClass = "TRANSIENT"
	ClassPermanent      FailureClass = "PERMANENT"
	ClassCapacity       FailureClass = "CAPACITY"
	ClassInfrastructure FailureClass = "INFRASTRUCTURE"
)

// Class maps a failure reason to its retry class. Unknown reasons classify
// as transient so a taxonomy gap never silently drops a message.
func (r FailureReason) Class() FailureClass {
	switch r {
	case FailureInvalidTarget, FailurePayloadReject, FailureConsentBlocked:
		return ClassPermanent
	case FailureRateLimited, FailureThrottled:
		return ClassCapacity
	case FailureNoProvider, FailureNoChannel:
		return ClassInfrastructure
	default:
		return ClassTransient
	}
}

// Retryable reports whether the active retry policy applies to this reason.
// Capacity errors currently consume the attempt budget like transient ones.
func (r FailureReason) Retryable() bool {
	switch r.Class() {
	case ClassPermanent, ClassInfrastructure:
		return false
	}
	return true
}

// SendError classifies a provider call failure.
type SendError struct {
	Reason     FailureReason
	StatusCode int
	Message    string
	Cause      error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, fmt.Sprintf("send failed (%s)", e.Reason))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ReasonOf extracts the taxonomy reason from any error.
func ReasonOf(err error) FailureReason {
	if err == nil {
		return ""
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.Reason != "" {
		return sendErr.Reason
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return FailureTimeout
		}
		return FailureNetworkError
	}

	return FailureUnknown
}

// IsRetryable reports whether an error should go back through the retry
// policy. Context cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return ReasonOf(err).Retryable()
}
