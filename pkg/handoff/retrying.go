package handoff

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/resiliency"
	"github.com/Mindburn-Labs/anchor/pkg/retry"
)

// RetryingQueue retries transient enqueue failures with backoff behind a
// circuit breaker. An error it returns means the record was not queued.
type RetryingQueue struct {
	next    Queue
	retrier *retry.Retrier
	breaker *resiliency.CircuitBreaker
	logger  *slog.Logger
}

// NewRetryingQueue wraps next. A nil breaker disables circuit breaking.
func NewRetryingQueue(next Queue, retrier *retry.Retrier, breaker *resiliency.CircuitBreaker, logger *slog.Logger) *RetryingQueue {
	if retrier == nil {
		retrier = retry.New(retry.GenericPolicy)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingQueue{
		next:    next,
		retrier: retrier,
		breaker: breaker,
		logger:  logger.With("component", "handoff"),
	}
}

func (q *RetryingQueue) Enqueue(ctx context.Context, r *contracts.CommittedRecord) (contracts.HandoffMessage, error) {
	var msg contracts.HandoffMessage
	attempt := func(ctx context.Context) error {
		call := func() error {
			m, err := q.next.Enqueue(ctx, r)
			if err == nil {
				msg = m
			}
			return err
		}
		var err error
		if q.breaker != nil {
			err = q.breaker.Execute(call)
		} else {
			err = call()
		}
		if err != nil {
			q.logger.Warn("enqueue attempt failed", "record", r.ID, "digest", r.DigestHex, "error", err)
		}
		return err
	}

	err := q.retrier.Do(ctx, r.ID, attempt)
	if err == nil {
		return msg, nil
	}
	if retry.IsExhausted(err) {
		return contracts.HandoffMessage{}, contracts.Wrap(contracts.KindTransient, contracts.OpHandoffEnqueue, err)
	}
	return contracts.HandoffMessage{}, err
}

// Unwrap returns the wrapped queue.
func (q *RetryingQueue) Unwrap() Queue { return q.next }
