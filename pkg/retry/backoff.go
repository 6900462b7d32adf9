// Package retry provides exponential backoff with deterministic jitter and
// bounded retry loops for transient failures.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identify one attempt of one operation. The same params always
// yield the same jitter, so a retry schedule can be reproduced after a restart.
type BackoffParams struct {
	PolicyID     string
	OperationID  string
	AttemptIndex int
}

// BackoffPolicy bounds the delay curve and the attempt budget.
type BackoffPolicy struct {
	PolicyID    string
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// Default policies for the two independent operation classes.
var (
	// GenericPolicy covers hand-off, archive and other infrastructure calls.
	GenericPolicy = BackoffPolicy{
		PolicyID:    "generic",
		BaseMs:      200,
		MaxMs:       30_000,
		MaxJitterMs: 100,
		MaxAttempts: 5,
	}

	// ConfirmationPolicy governs confirmation polling of ledger transactions.
	ConfirmationPolicy = BackoffPolicy{
		PolicyID:    "confirmation",
		BaseMs:      30_000,
		MaxMs:       3_600_000,
		MaxJitterMs: 1_000,
		MaxAttempts: 100,
	}
)

// ComputeBackoff returns the delay before the given attempt: base * 2^attempt,
// capped at MaxMs, plus deterministic jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs || delay < 0 {
		delay = policy.MaxMs
	}

	return time.Duration(delay+ComputeDeterministicJitter(params, policy)) * time.Millisecond
}

// ComputeDeterministicJitter derives jitter in [0, MaxJitterMs) from the params.
func ComputeDeterministicJitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}

	seed := fmt.Sprintf("%s:%s:%d", params.PolicyID, params.OperationID, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])

	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs checked positive
}

// NextRetryAt returns when the operation should next be attempted after
// `attempts` failures.
func NextRetryAt(now time.Time, operationID string, attempts int, policy BackoffPolicy) time.Time {
	return now.Add(ComputeBackoff(BackoffParams{
		PolicyID:     policy.PolicyID,
		OperationID:  operationID,
		AttemptIndex: attempts,
	}, policy))
}
