package handoff

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/store"
)

// SQLQueue is a transactional outbox table. The sequence column gives the
// broadcaster a total FIFO order.
type SQLQueue struct {
	db      *sql.DB
	dialect store.Dialect
	now     func() time.Time
}

// NewSQLQueue creates the outbox table if needed.
func NewSQLQueue(ctx context.Context, db *sql.DB, dialect store.Dialect) (*SQLQueue, error) {
	q := &SQLQueue{db: db, dialect: dialect, now: time.Now}
	if err := q.migrate(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) migrate(ctx context.Context) error {
	seqColumn := "sequence INTEGER PRIMARY KEY AUTOINCREMENT"
	if q.dialect == store.DialectPostgres {
		seqColumn = "sequence BIGSERIAL PRIMARY KEY"
	}
	query := `
	CREATE TABLE IF NOT EXISTS anchor_handoff (
		` + seqColumn + `,
		record_id TEXT NOT NULL UNIQUE,
		digest_hex TEXT NOT NULL,
		message TEXT NOT NULL,
		enqueued_at TIMESTAMP NOT NULL,
		dispatched_at TIMESTAMP
	)`
	if _, err := q.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("handoff: migrate: %w", err)
	}
	return nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, r *contracts.CommittedRecord) (contracts.HandoffMessage, error) {
	if r == nil || r.DigestHex == "" {
		return contracts.HandoffMessage{}, contracts.Errorf(contracts.KindValidation, contracts.OpHandoffEnqueue, "record has no digest")
	}
	msg := contracts.NewHandoffMessage(r, q.now().UTC())
	body, err := json.Marshal(msg)
	if err != nil {
		return contracts.HandoffMessage{}, contracts.Wrap(contracts.KindValidation, contracts.OpHandoffEnqueue, err)
	}

	query := q.dialect.Rebind(`
		INSERT INTO anchor_handoff (record_id, digest_hex, message, enqueued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (record_id) DO NOTHING
		RETURNING sequence`)
	err = q.db.QueryRowContext(ctx, query, r.ID, r.DigestHex, string(body), msg.EnqueuedAt).Scan(&msg.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		// Already queued by an earlier attempt.
		return q.byRecord(ctx, r.ID)
	}
	if err != nil {
		return contracts.HandoffMessage{}, contracts.Wrap(contracts.KindTransient, contracts.OpHandoffEnqueue, err)
	}
	return msg, nil
}

func (q *SQLQueue) byRecord(ctx context.Context, recordID string) (contracts.HandoffMessage, error) {
	query := q.dialect.Rebind(`SELECT sequence, message FROM anchor_handoff WHERE record_id = ?`)
	var (
		seq  int64
		body string
	)
	if err := q.db.QueryRowContext(ctx, query, recordID).Scan(&seq, &body); err != nil {
		return contracts.HandoffMessage{}, contracts.Wrap(contracts.KindTransient, contracts.OpHandoffEnqueue, err)
	}
	return decodeMessage(seq, body)
}

func (q *SQLQueue) Pending(ctx context.Context, limit int) ([]contracts.HandoffMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := q.dialect.Rebind(`
		SELECT sequence, message FROM anchor_handoff
		WHERE dispatched_at IS NULL
		ORDER BY sequence ASC
		LIMIT ?`)
	rows, err := q.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, "handoff.pending", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]contracts.HandoffMessage, 0)
	for rows.Next() {
		var (
			seq  int64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, err
		}
		msg, err := decodeMessage(seq, body)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *SQLQueue) Ack(ctx context.Context, sequence int64) error {
	query := q.dialect.Rebind(`UPDATE anchor_handoff SET dispatched_at = ? WHERE sequence = ?`)
	res, err := q.db.ExecContext(ctx, query, q.now().UTC(), sequence)
	if err != nil {
		return contracts.Wrap(contracts.KindTransient, "handoff.ack", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return contracts.Errorf(contracts.KindValidation, "handoff.ack", "unknown sequence %d", sequence)
	}
	return nil
}

func decodeMessage(seq int64, body string) (contracts.HandoffMessage, error) {
	var msg contracts.HandoffMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return contracts.HandoffMessage{}, contracts.Errorf(contracts.KindInvariant, contracts.OpHandoffEnqueue, "corrupt hand-off message %d: %v", seq, err)
	}
	msg.Sequence = seq
	return msg, nil
}
