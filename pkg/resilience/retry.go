package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/traderlink/mtgate/pkg/errs"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
	StrategyCustom      Strategy = "custom"
)

// Condition selects which failures are worth retrying.
type Condition string

const (
	ConditionAlways         Condition = "always"
	ConditionOnError        Condition = "on-error"
	ConditionOnTimeout      Condition = "on-timeout"
	ConditionOnNetworkError Condition = "on-network-error"
	ConditionCustom         Condition = "custom"
)

// RetryConfig defines configuration for the retry executor.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including first try)
	MaxAttempts int

	// BaseDelay is the initial wait interval
	BaseDelay time.Duration

	// MaxDelay caps every computed delay
	MaxDelay time.Duration

	// Multiplier for exponential backoff (delay = base * multiplier^(n-1))
	Multiplier float64

	// Strategy selects the backoff curve
	Strategy Strategy

	// DelayFunc is used when Strategy is StrategyCustom.
	// attempt is 1-based.
	DelayFunc func(attempt int, base time.Duration) time.Duration

	// Condition selects retryable failures
	Condition Condition

	// RetryIf is used when Condition is ConditionCustom
	RetryIf func(err error) bool

	// Jitter enables randomized delay inflation
	Jitter bool

	// JitterFactor scales the random component (delay += rand * factor * delay)
	JitterFactor float64

	// AttemptTimeout bounds each individual attempt; zero means unbounded
	AttemptTimeout time.Duration

	// OnRetry is called before each sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Strategy:     StrategyExponential,
		Condition:    ConditionOnError,
		Jitter:       true,
		JitterFactor: 0.25,
	}
}

// Attempt records one try.
type Attempt struct {
	Number    int
	StartedAt time.Time
	Duration  time.Duration
	Delay     time.Duration
	Err       error
}

// Result summarizes a retry run.
type Result struct {
	OK            bool
	Value         any
	Err           error
	Attempts      []Attempt
	TotalDuration time.Duration
	FinalAttempt  int
}

// Retryer executes operations under the configured policy.
type Retryer struct {
	config *RetryConfig
}

// NewRetryer creates a retryer, filling unset fields with defaults.
func NewRetryer(config *RetryConfig) *Retryer {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.Strategy == "" {
		config.Strategy = StrategyExponential
	}
	if config.Condition == "" {
		config.Condition = ConditionOnError
	}
	if config.JitterFactor <= 0 {
		config.JitterFactor = 0.25
	}
	return &Retryer{config: config}
}

// Do executes fn under the policy without a result value.
func (r *Retryer) Do(ctx context.Context, fn func(context.Context) error) error {
	res := r.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	if res.OK {
		return nil
	}
	return res.Err
}

// Execute runs op up to MaxAttempts times and returns the full result.
// Cancelling ctx aborts any pending delay and surfaces Cancelled
// immediately; there is never a sleep after the final failed attempt.
func (r *Retryer) Execute(ctx context.Context, op func(context.Context) (any, error)) *Result {
	start := time.Now()
	result := &Result{Attempts: make([]Attempt, 0, r.config.MaxAttempts)}

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.Err = errs.Cancelled("retry aborted").WithCause(ctx.Err())
			break
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if r.config.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.config.AttemptTimeout)
		}

		tryStart := time.Now()
		value, err := op(attemptCtx)
		tryDur := time.Since(tryStart)
		if cancel != nil {
			cancel()
		}

		rec := Attempt{Number: attempt, StartedAt: tryStart, Duration: tryDur, Err: err}
		result.FinalAttempt = attempt

		if err == nil {
			result.Attempts = append(result.Attempts, rec)
			result.OK = true
			result.Value = value
			break
		}

		result.Err = err

		if !r.shouldRetry(err) || attempt == r.config.MaxAttempts {
			result.Attempts = append(result.Attempts, rec)
			break
		}

		delay := r.delayFor(attempt)
		rec.Delay = delay
		result.Attempts = append(result.Attempts, rec)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			result.Err = errs.Cancelled("retry aborted during backoff").WithCause(ctx.Err())
			result.TotalDuration = time.Since(start)
			return result
		case <-time.After(delay):
		}
	}

	result.TotalDuration = time.Since(start)
	return result
}

func (r *Retryer) shouldRetry(err error) bool {
	switch r.config.Condition {
	case ConditionAlways:
		return true
	case ConditionOnError:
		return err != nil
	case ConditionOnTimeout:
		return errs.IsTimeoutError(err)
	case ConditionOnNetworkError:
		return errs.IsNetworkError(err)
	case ConditionCustom:
		if r.config.RetryIf == nil {
			return err != nil
		}
		return r.config.RetryIf(err)
	default:
		return err != nil
	}
}

// delayFor computes the post-attempt delay, clamped to MaxDelay.
// attempt is 1-based.
func (r *Retryer) delayFor(attempt int) time.Duration {
	base := r.config.BaseDelay
	var delay time.Duration

	switch r.config.Strategy {
	case StrategyFixed:
		delay = base
	case StrategyLinear:
		delay = time.Duration(attempt) * base
	case StrategyExponential:
		delay = base
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * r.config.Multiplier)
			if delay > r.config.MaxDelay {
				break
			}
		}
	case StrategyFibonacci:
		delay = time.Duration(fib(attempt)) * base
	case StrategyCustom:
		if r.config.DelayFunc != nil {
			delay = r.config.DelayFunc(attempt, base)
		} else {
			delay = base
		}
	default:
		delay = base
	}

	if r.config.Jitter && delay > 0 {
		delay += time.Duration(rand.Float64() * r.config.JitterFactor * float64(delay))
	}
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	return delay
}

// fib returns the n-th Fibonacci number, 1-based: 1, 1, 2, 3, 5...
func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i < n; i++ {
		a, b = b, a+b
	}
	if n <= 1 {
		return 1
	}
	return b
}

// ============ Convenience ============

// Retry executes fn with the default config.
func Retry(ctx context.Context, fn func(context.Context) error) error {
	return NewRetryer(nil).Do(ctx, fn)
}

// RetryN executes fn up to n times with exponential backoff.
func RetryN(ctx context.Context, n int, fn func(context.Context) error) error {
	return NewRetryer(&RetryConfig{MaxAttempts: n}).Do(ctx, fn)
}

// ParseStrategy maps a config string to a Strategy, defaulting to
// exponential for unknown values.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyFixed, StrategyLinear, StrategyExponential, StrategyFibonacci, StrategyCustom:
		return Strategy(s)
	default:
		return StrategyExponential
	}
}

// ParseCondition maps a config string to a Condition, defaulting to
// on-error for unknown values.
func ParseCondition(s string) Condition {
	switch Condition(s) {
	case ConditionAlways, ConditionOnError, ConditionOnTimeout, ConditionOnNetworkError, ConditionCustom:
		return Condition(s)
	default:
		return ConditionOnError
	}
}
