package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/trellis/fulfillment/engine/history"
	"github.com/trellis/fulfillment/shared/telemetry"
)

// ActivityFunc is a side-effecting operation invoked by the executor.
// Implementations must be idempotent by their natural business key: the
// same input may execute more than once across crashes and retries, and
// must produce the same external effect and reported outcome.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// DefaultActivityOptions mirror the per-attempt budget the fulfillment
// activities were tuned for: short attempts, fast first retry.
func DefaultActivityOptions() ActivityOptions {
	return ActivityOptions{
		StartToCloseTimeout: 2 * time.Second,
		Retry: RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 1.5,
			MaxAttempts:        2,
		},
	}
}

// executeActivity runs the scheduled activity to a single recorded outcome.
// Retryable failures are retried with exponential backoff inside the
// executor and never surface to workflow logic; fatal errors and exhausted
// budgets produce one ActivityFailed event. A canceled runtime context
// means the process is shutting down, not that the activity failed: the
// executor reports no outcome and recovery re-dispatches the command.
func (r *Runtime) executeActivity(ctx context.Context, sagaID string, sched history.Event) (history.Event, bool) {
	fn, ok := r.activities[sched.Name]
	if !ok {
		return history.NewActivityFailed(sched.CommandID, "activity not registered: "+sched.Name, 0), true
	}

	opts := DefaultActivityOptions()
	if sched.Options != nil {
		opts = *sched.Options
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.BackoffCoefficient <= 0 {
		opts.Retry.BackoffCoefficient = 1
	}

	interval := opts.Retry.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= opts.Retry.MaxAttempts; attempt++ {
		telemetry.RecordCounter(ctx, "saga_activity_attempts_total", "Activity attempts", 1,
			attribute.String("activity", sched.Name),
		)

		attemptCtx := ctx
		cancel := func() {}
		if opts.StartToCloseTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.StartToCloseTimeout)
		}

		start := time.Now()
		result, err := fn(attemptCtx, sched.Input)
		cancel()

		telemetry.RecordHistogram(ctx, "saga_activity_duration_seconds", "Activity attempt duration",
			time.Since(start).Seconds(), attribute.String("activity", sched.Name))

		if err == nil {
			return history.NewActivityCompleted(sched.CommandID, result, attempt), true
		}
		if ctx.Err() != nil {
			return history.Event{}, false
		}

		lastErr = err
		if IsFatal(err) {
			telemetry.RecordCounter(ctx, "saga_activity_fatal_total", "Fatal activity failures", 1,
				attribute.String("activity", sched.Name))
			return history.NewActivityFailed(sched.CommandID, err.Error(), attempt), true
		}

		telemetry.RecordCounter(ctx, "saga_activity_retries_total", "Retryable activity failures", 1,
			attribute.String("activity", sched.Name))

		if attempt == opts.Retry.MaxAttempts {
			break
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return history.Event{}, false
		}
		interval = time.Duration(float64(interval) * opts.Retry.BackoffCoefficient)
	}

	return history.NewActivityFailed(sched.CommandID, lastErr.Error(), opts.Retry.MaxAttempts), true
}
