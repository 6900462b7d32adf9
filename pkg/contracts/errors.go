package contracts

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind is the failure taxonomy used to decide between rejecting, retrying,
// terminating or escalating.
type ErrorKind string

const (
	KindValidation      ErrorKind = "VALIDATION"
	KindEntitlement     ErrorKind = "ENTITLEMENT"
	KindTransient       ErrorKind = "TRANSIENT"
	KindLedgerRejection ErrorKind = "LEDGER_REJECTION"
	KindInvariant       ErrorKind = "INVARIANT"
	KindUnknown         ErrorKind = "UNKNOWN"
)

// Retryable reports whether errors of this kind go through backoff.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindUnknown
}

// Error carries a kind and the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a kinded error.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Timeouts and network errors are transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindUnknown
}

// SeverityOf maps an error kind onto a dead-letter severity.
func SeverityOf(kind ErrorKind) Severity {
	switch kind {
	case KindValidation, KindEntitlement:
		return SeverityLow
	case KindTransient:
		return SeverityMedium
	case KindLedgerRejection:
		return SeverityHigh
	case KindInvariant:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}
