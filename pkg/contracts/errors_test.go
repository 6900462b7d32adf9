package contracts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindValidation, KindOf(Wrap(KindValidation, "intake", base)))
	assert.Equal(t, KindLedgerRejection, KindOf(fmt.Errorf("outer: %w", Wrap(KindLedgerRejection, "poll", base))))
	assert.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("query: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindUnknown, KindOf(base))
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("storage down")
	err := Errorf(KindTransient, "handoff.enqueue", "append: %w", base)

	require.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "handoff.enqueue")
	assert.Contains(t, err.Error(), "TRANSIENT")
	assert.Nil(t, Wrap(KindTransient, "x", nil))
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, SeverityLow, SeverityOf(KindValidation))
	assert.Equal(t, SeverityMedium, SeverityOf(KindTransient))
	assert.Equal(t, SeverityHigh, SeverityOf(KindLedgerRejection))
	assert.Equal(t, SeverityCritical, SeverityOf(KindInvariant))
}

func TestDeadLetterFilterMatch(t *testing.T) {
	yes := true
	no := false
	e := &DeadLetterEntry{Operation: OpConfirmPoll, Status: DeadLetterPending, TenantID: "t1"}

	assert.True(t, DeadLetterFilter{}.Match(e))
	assert.True(t, DeadLetterFilter{Operation: OpConfirmPoll, TenantID: "t1"}.Match(e))
	assert.False(t, DeadLetterFilter{Operation: OpHandoffEnqueue}.Match(e))
	assert.True(t, DeadLetterFilter{Resolved: &no}.Match(e))
	assert.False(t, DeadLetterFilter{Resolved: &yes}.Match(e))

	e.Status = DeadLetterResolved
	assert.True(t, DeadLetterFilter{Resolved: &yes}.Match(e))
}
