package escalation

import (
	"testing"
	"time"

	"github.com/halcyon-dev/courier/internal/domain"
)

func fullCapabilities() domain.RecipientCapabilities {
	return domain.RecipientCapabilities{
		Smartphone: true,
		Internet:   true,
		SIM:        true,
		USSD:       true,
		Mesh:       true,
	}
}

func pushFailures(n int) []Failure {
	failures := make([]Failure, 0, n)
	for i := 0; i < n; i++ {
		failures = append(failures, Failure{Channel: domain.ChannelPush, Reason: "timeout"})
	}
	return failures
}

func TestDecideNonCriticalAlwaysGivesUp(t *testing.T) {
	t.Parallel()

	for _, urgency := range []domain.Urgency{domain.UrgencyHigh, domain.UrgencyNormal, domain.UrgencyLow} {
		decision := Decide(Input{
			Urgency:      urgency,
			Channel:      domain.ChannelPush,
			Failures:     pushFailures(5),
			Capabilities: fullCapabilities(),
		})
		if decision.Action != ActionGiveUp {
			t.Fatalf("urgency %s: action = %s, want GIVE_UP", urgency, decision.Action)
		}
		if decision.Reason == "" {
			t.Fatal("give-up decision must carry a reason")
		}
	}
}

func TestDecideTimeoutExceeded(t *testing.T) {
	t.Parallel()

	decision := Decide(Input{
		Urgency:      domain.UrgencyCritical,
		Channel:      domain.ChannelPush,
		Failures:     pushFailures(3),
		Capabilities: fullCapabilities(),
		Elapsed:      time.Hour + time.Minute,
	})
	if decision.Action != ActionGiveUp {
		t.Fatalf("action = %s, want GIVE_UP", decision.Action)
	}
	if decision.Reason != "timeout exceeded" {
		t.Fatalf("reason = %q, want timeout exceeded", decision.Reason)
	}
}

func TestDecideRetriesSameChannelOnFirstFailures(t *testing.T) {
	t.Parallel()

	for _, failureCount := range []int{0, 1} {
		decision := Decide(Input{
			Urgency:      domain.UrgencyCritical,
			Channel:      domain.ChannelPush,
			Failures:     pushFailures(failureCount),
			Capabilities: fullCapabilities(),
		})
		if decision.Action != ActionRetrySame {
			t.Fatalf("%d failures: action = %s, want RETRY_SAME_CHANNEL", failureCount, decision.Action)
		}
		if decision.Delay != 5*time.Second {
			t.Fatalf("%d failures: delay = %s, want 5s", failureCount, decision.Delay)
		}
	}
}

func TestDecideSwitchesToNextSupportedChannel(t *testing.T) {
	t.Parallel()

	decision := Decide(Input{
		Urgency:      domain.UrgencyCritical,
		Channel:      domain.ChannelPush,
		Failures:     pushFailures(2),
		Capabilities: fullCapabilities(),
	})
	if decision.Action != ActionSwitchChannel {
		t.Fatalf("action = %s, want SWITCH_CHANNEL", decision.Action)
	}
	// Email is next in resilience order after push.
	if decision.Channel != domain.ChannelEmail {
		t.Fatalf("channel = %s, want EMAIL", decision.Channel)
	}
}

func TestDecideSkipsUnsupportedChannels(t *testing.T) {
	t.Parallel()

	caps := domain.RecipientCapabilities{SIM: true}
	decision := Decide(Input{
		Urgency:      domain.UrgencyCritical,
		Channel:      domain.ChannelPush,
		Failures:     pushFailures(2),
		Capabilities: caps,
	})
	if decision.Action != ActionSwitchChannel {
		t.Fatalf("action = %s, want SWITCH_CHANNEL", decision.Action)
	}
	// No internet: email is gated out, SMS is the first reachable channel.
	if decision.Channel != domain.ChannelSMS {
		t.Fatalf("channel = %s, want SMS", decision.Channel)
	}
}

func TestDecideEscalatesOfflineWhenAllTried(t *testing.T) {
	t.Parallel()

	failures := []Failure{
		{Channel: domain.ChannelPush}, {Channel: domain.ChannelPush},
		{Channel: domain.ChannelEmail}, {Channel: domain.ChannelEmail},
		{Channel: domain.ChannelSMS}, {Channel: domain.ChannelSMS},
		{Channel: domain.ChannelWhatsApp}, {Channel: domain.ChannelWhatsApp},
		{Channel: domain.ChannelTelegram}, {Channel: domain.ChannelTelegram},
		{Channel: domain.ChannelUSSD}, {Channel: domain.ChannelUSSD},
		{Channel: domain.ChannelMesh}, {Channel: domain.ChannelMesh},
	}

	decision := Decide(Input{
		Urgency:      domain.UrgencyCritical,
		Channel:      domain.ChannelMesh,
		Failures:     failures,
		Capabilities: fullCapabilities(),
	})
	if decision.Action != ActionEscalateOffline {
		t.Fatalf("action = %s, want ESCALATE_OFFLINE", decision.Action)
	}
	if decision.Channel != domain.ChannelUSSD {
		t.Fatalf("channel = %s, want USSD preferred over MESH", decision.Channel)
	}
}

func TestDecideGivesUpWithoutViablePath(t *testing.T) {
	t.Parallel()

	// Smartphone-only recipient with no connectivity: nothing to switch to
	// and no offline-capable device support.
	decision := Decide(Input{
		Urgency:      domain.UrgencyCritical,
		Channel:      domain.ChannelPush,
		Failures:     pushFailures(2),
		Capabilities: domain.RecipientCapabilities{Smartphone: true},
	})
	if decision.Action != ActionGiveUp {
		t.Fatalf("action = %s, want GIVE_UP", decision.Action)
	}
	if decision.Reason != "no viable escalation path" {
		t.Fatalf("reason = %q", decision.Reason)
	}
}
