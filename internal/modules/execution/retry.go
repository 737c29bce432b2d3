package execution

import "time"

// Backoff computes bounded exponential delays between submission retries.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff provides conservative order-submission defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    750 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 2.0,
	}
}

// Next returns the delay before the given retry attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 10 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}
	return wait
}

// RetryConfig bounds the submission and fill-wait loops.
type RetryConfig struct {
	MaxRetries      int
	Backoff         Backoff
	WaitFillTimeout time.Duration
	PollInterval    time.Duration
}

// DefaultRetryConfig mirrors the retry posture used in live runs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		Backoff:         DefaultBackoff(),
		WaitFillTimeout: 15 * time.Second,
		PollInterval:    750 * time.Millisecond,
	}
}

// Clock abstracts wall time and sleeping so retry timing is testable.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now().UTC() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }
