package backoff

import (
	"testing"

	"github.com/halcyon-dev/courier/internal/domain"
)

func TestProfileLookup(t *testing.T) {
	t.Parallel()

	policy, ok := Profile(" Realtime-Critical ")
	if !ok {
		t.Fatal("Profile() should match case-insensitively")
	}
	if policy.MaxAttempts != 10 {
		t.Fatalf("realtime-critical max attempts = %d, want 10", policy.MaxAttempts)
	}

	if _, ok := Profile("no-such-profile"); ok {
		t.Fatal("Profile() should miss unknown names")
	}
}

func TestProfileFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		urgency domain.Urgency
		intent  string
		want    RetryPolicy
	}{
		{name: "critical", urgency: domain.UrgencyCritical, intent: "account.alert", want: profiles[ProfileRealtimeCritical]},
		{name: "financial intent overrides urgency", urgency: domain.UrgencyCritical, intent: "payment.settled", want: profiles[ProfileFinancialGrade]},
		{name: "low urgency", urgency: domain.UrgencyLow, intent: "digest.weekly", want: profiles[ProfileBulk]},
		{name: "default", urgency: domain.UrgencyNormal, intent: "misc", want: profiles[ProfileStandard]},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ProfileFor(tt.urgency, tt.intent); got != tt.want {
				t.Fatalf("ProfileFor(%s, %s) = %+v, want %+v", tt.urgency, tt.intent, got, tt.want)
			}
		})
	}
}

func TestFinancialGradeIsDeterministic(t *testing.T) {
	t.Parallel()

	policy := profiles[ProfileFinancialGrade]
	if policy.Jitter || policy.Adaptive {
		t.Fatal("financial-grade must disable jitter and adaptivity")
	}
}
