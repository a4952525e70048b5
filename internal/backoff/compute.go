package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Abandon is the sentinel returned when the attempt number exceeds the
// policy's budget and no further retry should be scheduled.
const Abandon time.Duration = -1

const jitterFraction = 0.3

// Signals carries live system measurements feeding the adaptive factors.
// All loads are fractions in [0, 1].
type Signals struct {
	CPULoad        float64
	MemoryLoad     float64
	NetworkLatency time.Duration
	ErrorRate      float64
}

// Engine computes retry delays. It holds no mutable state beyond the
// injectable jitter source, so a single instance is safe for concurrent use.
type Engine struct {
	randFloat func() float64
}

func NewEngine() *Engine {
	return &Engine{randFloat: rand.Float64}
}

// ComputeDelay returns the delay before the given attempt, Abandon when the
// attempt exceeds the policy budget, or 0 for non-positive attempts. The
// result is clamped to [0, policy.MaxDelay] and rounded to the millisecond.
func (e *Engine) ComputeDelay(attempt int, policy RetryPolicy, signals *Signals) time.Duration {
	delay, _ := e.compute(attempt, policy, signals)
	return delay
}

// Explanation decomposes one delay computation into its named factors for
// observability. Producing it never schedules anything.
type Explanation struct {
	Attempt          int           `json:"attempt"`
	Abandoned        bool          `json:"abandoned"`
	BaseDelay        time.Duration `json:"baseDelay"`
	ExponentialDelay time.Duration `json:"exponentialDelay"`
	PressureFactor   float64       `json:"pressureFactor"`
	LatencyFactor    float64       `json:"latencyFactor"`
	ErrorRateFactor  float64       `json:"errorRateFactor"`
	JitterApplied    bool          `json:"jitterApplied"`
	FinalDelay       time.Duration `json:"finalDelay"`
}

// Explain runs the same computation as ComputeDelay and returns its parts.
func (e *Engine) Explain(attempt int, policy RetryPolicy, signals *Signals) Explanation {
	delay, expl := e.compute(attempt, policy, signals)
	expl.FinalDelay = delay
	return expl
}

func (e *Engine) compute(attempt int, policy RetryPolicy, signals *Signals) (time.Duration, Explanation) {
	expl := Explanation{
		Attempt:         attempt,
		BaseDelay:       policy.BaseDelay,
		PressureFactor:  1,
		LatencyFactor:   1,
		ErrorRateFactor: 1,
	}

	if attempt <= 0 {
		return 0, expl
	}
	if attempt > policy.MaxAttempts {
		expl.Abandoned = true
		return Abandon, expl
	}

	exponent := policy.Exponent
	if exponent <= 0 {
		exponent = 2
	}

	delay := float64(policy.BaseDelay) * math.Pow(exponent, float64(attempt-1))
	if maxDelay := float64(policy.MaxDelay); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	expl.ExponentialDelay = time.Duration(delay)

	if policy.Adaptive && signals != nil {
		expl.PressureFactor = pressureFactor(signals.CPULoad, signals.MemoryLoad)
		expl.LatencyFactor = latencyFactor(signals.NetworkLatency)
		expl.ErrorRateFactor = errorRateFactor(signals.ErrorRate)
		delay *= expl.PressureFactor * expl.LatencyFactor * expl.ErrorRateFactor
	}

	if policy.Jitter {
		expl.JitterApplied = true
		randFloat := e.randFloat
		if randFloat == nil {
			randFloat = rand.Float64
		}
		// Symmetric jitter within +-30% of the current delay.
		delay += delay * jitterFraction * (2*randFloat() - 1)
	}

	if delay < 0 {
		delay = 0
	}
	if maxDelay := float64(policy.MaxDelay); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	return time.Duration(delay).Round(time.Millisecond), expl
}

// pressureFactor rises with CPU and memory load; at full combined pressure it
// roughly doubles the delay.
func pressureFactor(cpuLoad, memoryLoad float64) float64 {
	return 1 + 0.6*clampFraction(cpuLoad) + 0.4*clampFraction(memoryLoad)
}

func latencyFactor(latency time.Duration) float64 {
	switch {
	case latency <= 200*time.Millisecond:
		return 1
	case latency < time.Second:
		return 1.2
	case latency < 5*time.Second:
		return 1.5
	default:
		return 2.2
	}
}

func errorRateFactor(errorRate float64) float64 {
	rate := clampFraction(errorRate)
	switch {
	case rate < 0.05:
		return 1
	case rate < 0.15:
		return 1.3
	case rate < 0.30:
		return 1.8
	default:
		return 2.5
	}
}

func clampFraction(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
