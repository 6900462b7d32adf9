package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTx(digest string, created time.Time) *contracts.Transaction {
	return &contracts.Transaction{
		ID:        "tx-" + digest,
		DigestHex: digest,
		RecordID:  "rec-" + digest,
		TenantID:  "acme",
		Status:    contracts.TxSubmitted,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestTransactions_UniqueDigest(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.CreateTransaction(ctx, newTx("aa", t0)))
			err := s.CreateTransaction(ctx, newTx("aa", t0))
			require.ErrorIs(t, err, ErrConflict)

			_, err = s.GetTransaction(ctx, "bb")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTransactions_UpdateRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tx := newTx("aa", t0)
			require.NoError(t, s.CreateTransaction(ctx, tx))

			height := int64(812)
			hash := "00ff"
			checked := t0.Add(time.Minute)
			tx.Status = contracts.TxConfirmed
			tx.ConfirmationCount = 3
			tx.BlockHeight = &height
			tx.BlockHash = &hash
			tx.RetryCount = 2
			tx.LastCheckedAt = &checked
			tx.ConfirmedAt = &checked
			tx.LedgerTxID = "ltx-1"
			tx.UpdatedAt = checked
			require.NoError(t, s.UpdateTransaction(ctx, tx))

			got, err := s.GetTransaction(ctx, "aa")
			require.NoError(t, err)
			assert.Equal(t, contracts.TxConfirmed, got.Status)
			assert.Equal(t, int64(3), got.ConfirmationCount)
			require.NotNil(t, got.BlockHeight)
			assert.Equal(t, height, *got.BlockHeight)
			require.NotNil(t, got.BlockHash)
			assert.Equal(t, hash, *got.BlockHash)
			require.NotNil(t, got.ConfirmedAt)
			assert.True(t, checked.Equal(*got.ConfirmedAt))
			assert.Equal(t, "ltx-1", got.LedgerTxID)

			require.ErrorIs(t, s.UpdateTransaction(ctx, newTx("missing", t0)), ErrNotFound)
		})
	}
}

func TestTransactions_TenantSetRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tx := newTx("aa", t0)
			tx.TenantSet = []string{"acme", "zeta"}
			require.NoError(t, s.CreateTransaction(ctx, tx))
			require.NoError(t, s.CreateTransaction(ctx, newTx("bb", t0)))

			got, err := s.GetTransaction(ctx, "aa")
			require.NoError(t, err)
			assert.Equal(t, []string{"acme", "zeta"}, got.Tenants())

			got.Status = contracts.TxPending
			require.NoError(t, s.UpdateTransaction(ctx, got))
			got, err = s.GetTransaction(ctx, "aa")
			require.NoError(t, err)
			assert.Equal(t, []string{"acme", "zeta"}, got.Tenants())

			single, err := s.GetTransaction(ctx, "bb")
			require.NoError(t, err)
			assert.Equal(t, []string{"acme"}, single.Tenants())
		})
	}
}

func TestTransactions_ListOutstanding(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			checkedLate := t0.Add(10 * time.Minute)
			checkedEarly := t0.Add(5 * time.Minute)

			a := newTx("a", t0)
			a.Status = contracts.TxPending
			a.LastCheckedAt = &checkedLate
			b := newTx("b", t0.Add(time.Second))
			b.Status = contracts.TxPending
			b.LastCheckedAt = &checkedEarly
			c := newTx("c", t0.Add(2*time.Second)) // never checked
			d := newTx("d", t0)
			d.Status = contracts.TxConfirmed
			e := newTx("e", t0)
			e.Status = contracts.TxPending
			e.RetryCount = 100

			for _, tx := range []*contracts.Transaction{a, b, c, d, e} {
				require.NoError(t, s.CreateTransaction(ctx, tx))
			}

			got, err := s.ListOutstanding(ctx, 100, 10)
			require.NoError(t, err)
			digests := make([]string, len(got))
			for i, tx := range got {
				digests[i] = tx.DigestHex
			}
			assert.Equal(t, []string{"c", "b", "a"}, digests)

			got, err = s.ListOutstanding(ctx, 100, 2)
			require.NoError(t, err)
			assert.Len(t, got, 2)
		})
	}
}

func TestDeadLetters_FilterAndUpdate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mk := func(id, op, tenant string, status contracts.DeadLetterStatus, at time.Time) *contracts.DeadLetterEntry {
				return &contracts.DeadLetterEntry{
					ID: id, OperationID: "op-" + id, Operation: op, TenantID: tenant,
					PayloadSnapshot: json.RawMessage(`{"digest":"aa"}`),
					Attempts:        5, LastError: "timeout", Severity: contracts.SeverityMedium,
					NextRetryAt: at.Add(time.Minute), Status: status, CreatedAt: at, UpdatedAt: at,
				}
			}
			require.NoError(t, s.CreateDeadLetter(ctx, mk("1", contracts.OpConfirmPoll, "acme", contracts.DeadLetterPending, t0)))
			require.NoError(t, s.CreateDeadLetter(ctx, mk("2", contracts.OpHandoffEnqueue, "acme", contracts.DeadLetterPending, t0.Add(time.Second))))
			require.NoError(t, s.CreateDeadLetter(ctx, mk("3", contracts.OpConfirmPoll, "globex", contracts.DeadLetterResolved, t0.Add(2*time.Second))))
			require.ErrorIs(t, s.CreateDeadLetter(ctx, mk("1", contracts.OpConfirmPoll, "acme", contracts.DeadLetterPending, t0)), ErrConflict)

			all, err := s.ListDeadLetters(ctx, contracts.DeadLetterFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "1", all[0].ID)
			assert.JSONEq(t, `{"digest":"aa"}`, string(all[0].PayloadSnapshot))

			confirm, err := s.ListDeadLetters(ctx, contracts.DeadLetterFilter{Operation: contracts.OpConfirmPoll})
			require.NoError(t, err)
			assert.Len(t, confirm, 2)

			unresolved := false
			open, err := s.ListDeadLetters(ctx, contracts.DeadLetterFilter{Resolved: &unresolved})
			require.NoError(t, err)
			assert.Len(t, open, 2)

			byOp, err := s.ListDeadLetters(ctx, contracts.DeadLetterFilter{OperationID: "op-2", TenantID: "acme"})
			require.NoError(t, err)
			require.Len(t, byOp, 1)

			limited, err := s.ListDeadLetters(ctx, contracts.DeadLetterFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			e := byOp[0]
			now := t0.Add(time.Hour)
			e.Status = contracts.DeadLetterResolved
			e.ResolutionNote = "manually anchored"
			e.ResolvedAt = &now
			e.UpdatedAt = now
			require.NoError(t, s.UpdateDeadLetter(ctx, e))

			got, err := s.GetDeadLetter(ctx, "2")
			require.NoError(t, err)
			assert.Equal(t, contracts.DeadLetterResolved, got.Status)
			assert.Equal(t, "manually anchored", got.ResolutionNote)
			require.NotNil(t, got.ResolvedAt)

			_, err = s.GetDeadLetter(ctx, "9")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRecords_SaveAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := &contracts.CommittedRecord{
				ID: "rec-1", DigestHex: "ab", Kind: contracts.KindMerkleRoot, Mode: contracts.ModeBatch,
				Tier: "standard", MemberCount: 2, TenantSet: []string{"acme"}, EventIDs: []string{"e1", "e2"},
				CreatedAt: t0,
			}
			require.NoError(t, s.SaveRecord(ctx, r))
			require.ErrorIs(t, s.SaveRecord(ctx, r), ErrConflict)

			got, err := s.GetRecord(ctx, "ab")
			require.NoError(t, err)
			assert.Equal(t, r.EventIDs, got.EventIDs)
			assert.Equal(t, contracts.KindMerkleRoot, got.Kind)
			assert.True(t, t0.Equal(got.CreatedAt))

			_, err = s.GetRecord(ctx, "cd")
			require.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestDialect_Rebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	assert.Equal(t, q, DialectSQLite.Rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", DialectPostgres.Rebind(q))
}

func TestSQLStore_PostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLStore(db, DialectPostgres)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT .* FROM anchor_transactions\s+WHERE status IN \('submitted', 'pending'\) AND retry_count < \$1`).
		WithArgs(100, 50).
		WillReturnRows(sqlmock.NewRows(nil))
	got, err := s.ListOutstanding(ctx, 100, 50)
	require.NoError(t, err)
	assert.Empty(t, got)

	mock.ExpectExec(`UPDATE anchor_transactions SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = s.UpdateTransaction(ctx, newTx("zz", t0))
	require.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(`SELECT .* FROM anchor_dead_letters WHERE operation = \$1 AND status <> 'resolved' ORDER BY created_at ASC, id ASC LIMIT \$2`).
		WithArgs(contracts.OpConfirmPoll, 10).
		WillReturnRows(sqlmock.NewRows(nil))
	unresolved := false
	_, err = s.ListDeadLetters(ctx, contracts.DeadLetterFilter{Operation: contracts.OpConfirmPoll, Resolved: &unresolved, Limit: 10})
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
