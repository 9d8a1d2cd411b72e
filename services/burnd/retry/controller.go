package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"burnkeeper/services/burnd/executor"
	"burnkeeper/services/burnd/ledger"
)

// Status summarises how a controlled execution ended.
type Status string

// Outcome statuses.
const (
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusRefreshRequired Status = "refresh_required"
	StatusExhausted       Status = "exhausted"
	StatusInterrupted     Status = "interrupted"
)

// Outcome is the result of a controlled execution.
type Outcome struct {
	Result   executor.Result
	Status   Status
	Attempts int
}

// Runner performs a single attempt.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) executor.Result
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req executor.Request) executor.Result

// Execute calls f.
func (f RunnerFunc) Execute(ctx context.Context, req executor.Request) executor.Result {
	return f(ctx, req)
}

// Metrics receives retry notifications.
type Metrics interface {
	RecordRetry(kind string)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Controller retries retryable failures with exponential backoff.
type Controller struct {
	runner      Runner
	base        time.Duration
	maxAttempts int
	sleep       SleepFunc
	metrics     Metrics
	logger      *slog.Logger
}

// Option customises the controller.
type Option func(*Controller)

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.base = d
		}
	}
}

// WithMaxAttempts caps the number of attempts, the first included.
func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithSleep overrides how the controller waits between attempts.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Controller) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithMetrics wires a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a controller around runner.
func New(runner Runner, opts ...Option) *Controller {
	c := &Controller{
		runner:      runner,
		base:        time.Second,
		maxAttempts: 3,
		sleep:       sleepContext,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// MaxAttempts reports the configured attempt cap.
func (c *Controller) MaxAttempts() int {
	return c.maxAttempts
}

// Execute runs req from the first attempt.
func (c *Controller) Execute(ctx context.Context, req executor.Request) Outcome {
	return c.Resume(ctx, req, 0)
}

// Resume continues a controlled execution after attempted attempts have
// already been spent, typically once the caller refreshed the submission
// context following StatusRefreshRequired. The backoff schedule continues
// where it left off.
func (c *Controller) Resume(ctx context.Context, req executor.Request, attempted int) Outcome {
	if attempted < 0 {
		attempted = 0
	}
	schedule := c.schedule()
	for i := 0; i < attempted; i++ {
		schedule.NextBackOff()
	}
	var last executor.Result
	for attempt := attempted; attempt < c.maxAttempts; attempt++ {
		last = c.runner.Execute(ctx, req)
		attempts := attempt + 1
		if last.Success {
			return Outcome{Result: last, Status: StatusSucceeded, Attempts: attempts}
		}
		if !last.Kind.Retryable() {
			return Outcome{Result: last, Status: StatusFailed, Attempts: attempts}
		}
		if attempts >= c.maxAttempts {
			break
		}
		delay := schedule.NextBackOff()
		c.logger.Info("retrying burn submission",
			slog.String("type", string(req.Type)),
			slog.String("kind", string(last.Kind)),
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay))
		if c.metrics != nil {
			c.metrics.RecordRetry(string(last.Kind))
		}
		if err := c.sleep(ctx, delay); err != nil {
			return Outcome{Result: last, Status: StatusInterrupted, Attempts: attempts}
		}
		if last.Kind.RequiresRefresh() {
			return Outcome{Result: last, Status: StatusRefreshRequired, Attempts: attempts}
		}
	}
	exhausted := last
	exhausted.Success = false
	exhausted.Kind = ledger.KindMaxRetries
	exhausted.Detail = fmt.Sprintf("gave up after %d attempts, last error %s: %s", c.maxAttempts, last.Kind, last.Detail)
	return Outcome{Result: exhausted, Status: StatusExhausted, Attempts: c.maxAttempts}
}

// schedule yields base, base*2, base*4, ... with no jitter and no elapsed-time cap.
func (c *Controller) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
