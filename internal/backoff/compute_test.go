package backoff

import (
	"testing"
	"time"
)

func fixedEngine(f float64) *Engine {
	return &Engine{randFloat: func() float64 { return f }}
}

func basePolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		Exponent:    2,
	}
}

func TestComputeDelayExponentialGrowth(t *testing.T) {
	t.Parallel()

	engine := NewEngine()
	policy := basePolicy()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 5, want: 16 * time.Second},
	}

	for _, tt := range tests {
		if got := engine.ComputeDelay(tt.attempt, policy, nil); got != tt.want {
			t.Fatalf("ComputeDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestComputeDelayClampsToMaxDelay(t *testing.T) {
	t.Parallel()

	policy := basePolicy()
	policy.MaxAttempts = 20

	if got := NewEngine().ComputeDelay(12, policy, nil); got != policy.MaxDelay {
		t.Fatalf("ComputeDelay(12) = %s, want clamp to %s", got, policy.MaxDelay)
	}
}

func TestComputeDelayNonPositiveAttempt(t *testing.T) {
	t.Parallel()

	engine := NewEngine()
	policy := basePolicy()

	if got := engine.ComputeDelay(0, policy, nil); got != 0 {
		t.Fatalf("ComputeDelay(0) = %s, want 0", got)
	}
	if got := engine.ComputeDelay(-3, policy, nil); got != 0 {
		t.Fatalf("ComputeDelay(-3) = %s, want 0", got)
	}
}

func TestComputeDelayAbandonBeyondBudget(t *testing.T) {
	t.Parallel()

	engine := NewEngine()
	for _, name := range ProfileNames() {
		policy, ok := Profile(name)
		if !ok {
			t.Fatalf("Profile(%q) missing", name)
		}
		if got := engine.ComputeDelay(policy.MaxAttempts+1, policy, nil); got != Abandon {
			t.Fatalf("profile %s: ComputeDelay(max+1) = %s, want Abandon", name, got)
		}
	}
}

func TestComputeDelayZeroBudgetAbandons(t *testing.T) {
	t.Parallel()

	engine := NewEngine()
	for _, budget := range []int{0, -1} {
		policy := basePolicy()
		policy.MaxAttempts = budget
		if got := engine.ComputeDelay(1, policy, nil); got != Abandon {
			t.Fatalf("MaxAttempts=%d: ComputeDelay(1) = %s, want Abandon", budget, got)
		}
	}
}

func TestComputeDelayAdaptiveFactors(t *testing.T) {
	t.Parallel()

	engine := NewEngine()
	policy := basePolicy()
	policy.Adaptive = true

	tests := []struct {
		name    string
		signals Signals
		want    time.Duration
	}{
		{name: "calm system", signals: Signals{}, want: time.Second},
		{
			name:    "network degraded",
			signals: Signals{NetworkLatency: 700 * time.Millisecond},
			want:    1200 * time.Millisecond,
		},
		{
			name:    "high error rate",
			signals: Signals{ErrorRate: 0.5},
			want:    2500 * time.Millisecond,
		},
		{
			name:    "full pressure doubles",
			signals: Signals{CPULoad: 1, MemoryLoad: 1},
			want:    2 * time.Second,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			signals := tt.signals
			if got := engine.ComputeDelay(1, policy, &signals); got != tt.want {
				t.Fatalf("ComputeDelay() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComputeDelayJitterBounds(t *testing.T) {
	t.Parallel()

	policy := basePolicy()
	policy.Jitter = true

	// randFloat at the extremes gives exactly +-30%.
	if got := fixedEngine(1).ComputeDelay(1, policy, nil); got != 1300*time.Millisecond {
		t.Fatalf("max jitter delay = %s, want 1.3s", got)
	}
	if got := fixedEngine(0).ComputeDelay(1, policy, nil); got != 700*time.Millisecond {
		t.Fatalf("min jitter delay = %s, want 700ms", got)
	}
}

func TestExplainDecomposesFactors(t *testing.T) {
	t.Parallel()

	policy := basePolicy()
	policy.Adaptive = true

	signals := Signals{CPULoad: 0.5, MemoryLoad: 0.5, NetworkLatency: 2 * time.Second, ErrorRate: 0.2}
	expl := NewEngine().Explain(2, policy, &signals)

	if expl.Abandoned {
		t.Fatal("Explain() should not abandon within budget")
	}
	if expl.ExponentialDelay != 2*time.Second {
		t.Fatalf("exponential delay = %s, want 2s", expl.ExponentialDelay)
	}
	if expl.PressureFactor != 1.5 {
		t.Fatalf("pressure factor = %v, want 1.5", expl.PressureFactor)
	}
	if expl.LatencyFactor != 1.5 {
		t.Fatalf("latency factor = %v, want 1.5", expl.LatencyFactor)
	}
	if expl.ErrorRateFactor != 1.8 {
		t.Fatalf("error rate factor = %v, want 1.8", expl.ErrorRateFactor)
	}
	if expl.FinalDelay <= 0 {
		t.Fatalf("final delay = %s, want > 0", expl.FinalDelay)
	}

	abandoned := NewEngine().Explain(policy.MaxAttempts+1, policy, nil)
	if !abandoned.Abandoned {
		t.Fatal("Explain(max+1) should report abandoned")
	}
}

func TestComputeDeliveryDelayAdjustments(t *testing.T) {
	t.Parallel()

	engine := NewEngine()
	policy := basePolicy()

	// Priority scaling: clamp(priority/5, 0.5, 2).
	tests := []struct {
		name string
		dctx DeliveryContext
		want time.Duration
	}{
		{name: "neutral priority", dctx: DeliveryContext{Attempt: 1, Policy: policy, Priority: 5}, want: time.Second},
		{name: "critical weight halves", dctx: DeliveryContext{Attempt: 1, Policy: policy, Priority: 2}, want: 500 * time.Millisecond},
		{name: "low weight doubles", dctx: DeliveryContext{Attempt: 1, Policy: policy, Priority: 10}, want: 2 * time.Second},
		{name: "scale clamped high", dctx: DeliveryContext{Attempt: 1, Policy: policy, Priority: 50}, want: 2 * time.Second},
		{name: "offline floor", dctx: DeliveryContext{Attempt: 1, Policy: policy, Priority: 5, TargetOffline: true}, want: 5 * time.Minute},
		{
			name: "sla cap wins",
			dctx: DeliveryContext{Attempt: 1, Policy: policy, Priority: 5, TargetOffline: true, MaxAcceptableDelay: time.Minute},
			want: time.Minute,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := engine.ComputeDeliveryDelay(tt.dctx); got != tt.want {
				t.Fatalf("ComputeDeliveryDelay() = %s, want %s", got, tt.want)
			}
		})
	}

	abandon := engine.ComputeDeliveryDelay(DeliveryContext{Attempt: policy.MaxAttempts + 1, Policy: policy, Priority: 5})
	if abandon != Abandon {
		t.Fatalf("ComputeDeliveryDelay(max+1) = %s, want Abandon", abandon)
	}
}
