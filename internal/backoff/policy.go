package backoff

import (
	"strings"
	"time"

	"github.com/halcyon-dev/courier/internal/domain"
)

// RetryPolicy is an immutable retry configuration value.
type RetryPolicy struct {
	// MaxAttempts bounds the retry budget. Any attempt beyond it yields the
	// Abandon sentinel; a zero or negative budget abandons every attempt.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponent    float64
	Jitter      bool
	Adaptive    bool
}

// Named backoff profiles. Presets map a business classification to a policy;
// they are static configuration and never mutated at runtime.
const (
	ProfileRealtimeCritical = "realtime-critical"
	ProfileStandard         = "standard"
	ProfileOfflineTolerant  = "offline-tolerant"
	ProfileFinancialGrade   = "financial-grade"
	ProfileBulk             = "bulk"
)

var profiles = map[string]RetryPolicy{
	ProfileRealtimeCritical: {
		MaxAttempts: 10,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Exponent:    1.5,
		Jitter:      true,
		Adaptive:    true,
	},
	ProfileStandard: {
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Exponent:    2,
		Jitter:      true,
		Adaptive:    true,
	},
	ProfileOfflineTolerant: {
		MaxAttempts: 100,
		BaseDelay:   2 * time.Minute,
		MaxDelay:    time.Hour,
		Exponent:    1.5,
		Jitter:      true,
		Adaptive:    false,
	},
	// Stability-critical flows disable jitter and adaptivity so retry timing
	// stays reproducible for reconciliation.
	ProfileFinancialGrade: {
		MaxAttempts: 4,
		BaseDelay:   5 * time.Second,
		MaxDelay:    2 * time.Minute,
		Exponent:    2,
		Jitter:      false,
		Adaptive:    false,
	},
	ProfileBulk: {
		MaxAttempts: 8,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		Exponent:    2,
		Jitter:      true,
		Adaptive:    true,
	},
}

// Profile returns the named preset policy.
func Profile(name string) (RetryPolicy, bool) {
	policy, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	return policy, ok
}

// ProfileNames lists the available preset names.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	return names
}

// ProfileFor selects a preset from the business classification of a
// notification: its urgency tier and intent namespace.
func ProfileFor(urgency domain.Urgency, intent string) RetryPolicy {
	normalized := strings.ToLower(strings.TrimSpace(intent))
	if strings.HasPrefix(normalized, "payment.") || strings.HasPrefix(normalized, "financial.") {
		return profiles[ProfileFinancialGrade]
	}

	switch urgency {
	case domain.UrgencyCritical:
		return profiles[ProfileRealtimeCritical]
	case domain.UrgencyLow:
		return profiles[ProfileBulk]
	default:
		return profiles[ProfileStandard]
	}
}
