package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// ExhaustedError is returned when every attempt in the budget failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retry budget exhausted after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// IsExhausted reports whether err came from a spent retry budget.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper.
func ContextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier runs an operation under a backoff policy.
type Retrier struct {
	Policy BackoffPolicy
	Sleep  Sleeper
}

// New returns a Retrier using the wall clock.
func New(policy BackoffPolicy) *Retrier {
	return &Retrier{Policy: policy, Sleep: ContextSleep}
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Non-retryable errors are returned unchanged.
func (r *Retrier) Do(ctx context.Context, operationID string, fn func(ctx context.Context) error) error {
	maxAttempts := r.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = ContextSleep
	}

	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			d := ComputeBackoff(BackoffParams{
				PolicyID:     r.Policy.PolicyID,
				OperationID:  operationID,
				AttemptIndex: attempt,
			}, r.Policy)
			if err := sleep(ctx, d); err != nil {
				return &ExhaustedError{Operation: operationID, Attempts: attempt, Last: errors.Join(last, err)}
			}
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !contracts.KindOf(last).Retryable() {
			return last
		}
	}
	return &ExhaustedError{Operation: operationID, Attempts: maxAttempts, Last: last}
}
