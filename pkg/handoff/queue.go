// Package handoff is the durable, ordered hand-off point between the anchoring
// pipeline and the external broadcaster. A record is accepted once it is
// durably queued; broadcasting it is someone else's job.
package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// Queue appends committed records for the broadcaster. Enqueue is idempotent on
// the record id: a repeated call returns the message recorded the first time.
type Queue interface {
	Enqueue(ctx context.Context, r *contracts.CommittedRecord) (contracts.HandoffMessage, error)
}

// Outbox is implemented by backends the broadcaster polls instead of consuming
// a stream.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]contracts.HandoffMessage, error)
	Ack(ctx context.Context, sequence int64) error
}

// MemoryQueue is a process-local queue for tests and development.
type MemoryQueue struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	messages []contracts.HandoffMessage
	byRecord map[string]int64
	acked    map[int64]bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		now:      time.Now,
		byRecord: make(map[string]int64),
		acked:    make(map[int64]bool),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, r *contracts.CommittedRecord) (contracts.HandoffMessage, error) {
	if r == nil || r.DigestHex == "" {
		return contracts.HandoffMessage{}, contracts.Errorf(contracts.KindValidation, contracts.OpHandoffEnqueue, "record has no digest")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq, ok := q.byRecord[r.ID]; ok {
		return q.messages[seq-1], nil
	}
	q.seq++
	msg := contracts.NewHandoffMessage(r, q.now().UTC())
	msg.Sequence = q.seq
	q.messages = append(q.messages, msg)
	q.byRecord[r.ID] = msg.Sequence
	return msg, nil
}

// Messages returns every message in sequence order.
func (q *MemoryQueue) Messages() []contracts.HandoffMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]contracts.HandoffMessage(nil), q.messages...)
}

func (q *MemoryQueue) Pending(_ context.Context, limit int) ([]contracts.HandoffMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]contracts.HandoffMessage, 0)
	for _, m := range q.messages {
		if q.acked[m.Sequence] {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, sequence int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sequence <= 0 || sequence > q.seq {
		return contracts.Errorf(contracts.KindValidation, "handoff.ack", "unknown sequence %d", sequence)
	}
	q.acked[sequence] = true
	return nil
}
