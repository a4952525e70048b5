// Package escalation decides what to do after a delivery failure on a
// channel: retry it, switch channel, fall back to an offline-capable channel,
// or give up. Decisions are pure functions of the failure history and the
// recipient's capabilities; nothing here schedules or performs I/O.
package escalation

import (
	"time"

	"github.com/halcyon-dev/courier/internal/domain"
)

// Action is the kind of decision returned by Decide.
type Action string

const (
	ActionRetrySame       Action = "RETRY_SAME_CHANNEL"
	ActionSwitchChannel   Action = "SWITCH_CHANNEL"
	ActionEscalateOffline Action = "ESCALATE_OFFLINE"
	ActionGiveUp          Action = "GIVE_UP"
)

const (
	// Escalation stops once a critical message has been failing this long.
	maxEscalationWindow = time.Hour
	// Fixed delay for same-channel retries treated as transient.
	sameChannelRetryDelay = 5 * time.Second
	// Failures on the current channel tolerated before switching.
	sameChannelFailureBudget = 2
)

// Failure is one recorded delivery failure.
type Failure struct {
	Channel domain.Channel
	At      time.Time
	Reason  string
}

// Input is everything Decide looks at.
type Input struct {
	Urgency      domain.Urgency
	Channel      domain.Channel
	Failures     []Failure
	Capabilities domain.RecipientCapabilities
	// Elapsed is the time since the first delivery attempt.
	Elapsed time.Duration
}

// Decision is the outcome; Channel is set for switch and offline actions,
// Delay for same-channel retries. Reason is always populated.
type Decision struct {
	Action  Action
	Channel domain.Channel
	Delay   time.Duration
	Reason  string
}

// Decide applies the escalation policy in fixed order. Escalation machinery
// exists only for the critical urgency tier; everything else gives up
// immediately and falls back to plain per-channel retry budgets.
func Decide(in Input) Decision {
	if in.Urgency != domain.UrgencyCritical {
		return Decision{Action: ActionGiveUp, Reason: "escalation reserved for critical urgency"}
	}

	if in.Elapsed > maxEscalationWindow {
		return Decision{Action: ActionGiveUp, Reason: "timeout exceeded"}
	}

	if failuresOn(in.Failures, in.Channel) < sameChannelFailureBudget {
		return Decision{
			Action: ActionRetrySame,
			Delay:  sameChannelRetryDelay,
			Reason: "transient failure, retrying current channel",
		}
	}

	attempted := attemptedChannels(in)
	for _, candidate := range domain.ResilienceOrder {
		if attempted[candidate] {
			continue
		}
		if !in.Capabilities.Supports(candidate) {
			continue
		}
		return Decision{
			Action:  ActionSwitchChannel,
			Channel: candidate,
			Reason:  "current channel exhausted, switching to " + candidate.String(),
		}
	}

	for _, fallback := range domain.OfflineFallbackOrder {
		if !in.Capabilities.Supports(fallback) {
			continue
		}
		return Decision{
			Action:  ActionEscalateOffline,
			Channel: fallback,
			Reason:  "all online channels exhausted, escalating to " + fallback.String(),
		}
	}

	return Decision{Action: ActionGiveUp, Reason: "no viable escalation path"}
}

func failuresOn(failures []Failure, channel domain.Channel) int {
	count := 0
	for _, f := range failures {
		if f.Channel == channel {
			count++
		}
	}
	return count
}

func attemptedChannels(in Input) map[domain.Channel]bool {
	attempted := make(map[domain.Channel]bool, len(in.Failures)+1)
	attempted[in.Channel] = true
	for _, f := range in.Failures {
		attempted[f.Channel] = true
	}
	return attempted
}
