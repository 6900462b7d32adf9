// Package store persists transactions, dead-letter entries and committed
// records. The unique-digest invariant is enforced here, at the storage boundary.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: already exists")
)

// TransactionStore keeps one Transaction per digest.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *contracts.Transaction) error
	GetTransaction(ctx context.Context, digestHex string) (*contracts.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *contracts.Transaction) error
	// ListOutstanding returns up to limit submitted or pending transactions
	// with RetryCount below maxRetries, least recently checked first.
	ListOutstanding(ctx context.Context, maxRetries, limit int) ([]*contracts.Transaction, error)
}

// DeadLetterStore keeps dead-letter entries by id.
type DeadLetterStore interface {
	CreateDeadLetter(ctx context.Context, e *contracts.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (*contracts.DeadLetterEntry, error)
	UpdateDeadLetter(ctx context.Context, e *contracts.DeadLetterEntry) error
	// ListDeadLetters returns matching entries oldest first.
	ListDeadLetters(ctx context.Context, f contracts.DeadLetterFilter) ([]*contracts.DeadLetterEntry, error)
}

// RecordStore keeps committed records by digest.
type RecordStore interface {
	SaveRecord(ctx context.Context, r *contracts.CommittedRecord) error
	GetRecord(ctx context.Context, digestHex string) (*contracts.CommittedRecord, error)
}

// Store is the full persistence surface the pipeline needs.
type Store interface {
	TransactionStore
	DeadLetterStore
	RecordStore
	Ping(ctx context.Context) error
	Close() error
}

func outstanding(tx *contracts.Transaction, maxRetries int) bool {
	return (tx.Status == contracts.TxSubmitted || tx.Status == contracts.TxPending) && tx.RetryCount < maxRetries
}

// lessChecked orders never-checked transactions first, then by last check, then by age.
func lessChecked(a, b *contracts.Transaction) bool {
	switch {
	case a.LastCheckedAt == nil && b.LastCheckedAt != nil:
		return true
	case a.LastCheckedAt != nil && b.LastCheckedAt == nil:
		return false
	case a.LastCheckedAt != nil && !a.LastCheckedAt.Equal(*b.LastCheckedAt):
		return a.LastCheckedAt.Before(*b.LastCheckedAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func utc(t time.Time) time.Time { return t.UTC() }
