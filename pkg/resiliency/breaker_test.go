package resiliency

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("ledger", 2, 10*time.Second).WithClock(func() time.Time { return now })
	down := errors.New("connection refused")

	require.Error(t, cb.Execute(func() error { return down }))
	assert.Equal(t, StateClosed, cb.State())
	require.Error(t, cb.Execute(func() error { return down }))
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, contracts.KindTransient, contracts.KindOf(err))

	now = now.Add(11 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("handoff", 3, time.Second).WithClock(func() time.Time { return now })
	for i := 0; i < 3; i++ {
		cb.Failure()
	}
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
}

func TestCircuitBreaker_ValidationErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("handoff", 1, time.Minute)
	bad := contracts.Errorf(contracts.KindValidation, "handoff", "malformed record")

	require.ErrorIs(t, cb.Execute(func() error { return bad }), bad)
	assert.Equal(t, StateClosed, cb.State())
}
