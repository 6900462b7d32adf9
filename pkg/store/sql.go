package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Rebind rewrites ? placeholders to $n for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsUniqueViolation recognises duplicate-key errors from both drivers.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const schema = `
CREATE TABLE IF NOT EXISTS anchor_transactions (
	id TEXT PRIMARY KEY,
	digest_hex TEXT NOT NULL UNIQUE,
	record_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	tenant_set TEXT NOT NULL DEFAULT '[]',
	ledger_tx_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	confirmation_count BIGINT NOT NULL DEFAULT 0,
	block_height BIGINT,
	block_hash TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_checked_at TIMESTAMP,
	confirmed_at TIMESTAMP,
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anchor_transactions_outstanding ON anchor_transactions (status, last_checked_at);
CREATE TABLE IF NOT EXISTS anchor_dead_letters (
	id TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	payload_snapshot TEXT,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	severity TEXT NOT NULL,
	next_retry_at TIMESTAMP NOT NULL,
	status TEXT NOT NULL,
	resolution_note TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_anchor_dead_letters_operation ON anchor_dead_letters (operation_id, status);
CREATE TABLE IF NOT EXISTS anchor_records (
	id TEXT PRIMARY KEY,
	digest_hex TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	mode TEXT NOT NULL,
	tier TEXT NOT NULL,
	member_count INTEGER NOT NULL,
	tenant_set TEXT NOT NULL,
	event_ids TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// SQLStore implements Store on database/sql for Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db without touching the schema.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects with the named driver ("postgres" or "sqlite") and migrates.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect := DialectSQLite
	if driver == "postgres" {
		dialect = DialectPostgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// One writer avoids SQLITE_BUSY between the tracker and intake.
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for components sharing the database.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the placeholder dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Migrate creates the tables if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

const txColumns = `id, digest_hex, record_id, tenant_id, tenant_set, ledger_tx_id, status, confirmation_count,
	block_height, block_hash, retry_count, last_checked_at, confirmed_at, error_message, created_at, updated_at`

func (s *SQLStore) CreateTransaction(ctx context.Context, tx *contracts.Transaction) error {
	tenants, err := json.Marshal(tx.Tenants())
	if err != nil {
		return fmt.Errorf("store: encode tenant set: %w", err)
	}
	query := s.dialect.Rebind(`INSERT INTO anchor_transactions (` + txColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		tx.ID, tx.DigestHex, tx.RecordID, tx.TenantID, string(tenants), tx.LedgerTxID, string(tx.Status), tx.ConfirmationCount,
		nullInt(tx.BlockHeight), nullString(tx.BlockHash), tx.RetryCount,
		nullTime(tx.LastCheckedAt), nullTime(tx.ConfirmedAt), tx.ErrorMessage, utc(tx.CreatedAt), utc(tx.UpdatedAt),
	)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: create transaction %s: %w", tx.DigestHex, err)
	}
	return nil
}

func (s *SQLStore) GetTransaction(ctx context.Context, digestHex string) (*contracts.Transaction, error) {
	query := s.dialect.Rebind(`SELECT ` + txColumns + ` FROM anchor_transactions WHERE digest_hex = ?`)
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, digestHex))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get transaction %s: %w", digestHex, err)
	}
	return tx, nil
}

func (s *SQLStore) UpdateTransaction(ctx context.Context, tx *contracts.Transaction) error {
	query := s.dialect.Rebind(`UPDATE anchor_transactions SET
		ledger_tx_id = ?, status = ?, confirmation_count = ?, block_height = ?, block_hash = ?,
		retry_count = ?, last_checked_at = ?, confirmed_at = ?, error_message = ?, updated_at = ?
		WHERE digest_hex = ?`)
	res, err := s.db.ExecContext(ctx, query,
		tx.LedgerTxID, string(tx.Status), tx.ConfirmationCount, nullInt(tx.BlockHeight), nullString(tx.BlockHash),
		tx.RetryCount, nullTime(tx.LastCheckedAt), nullTime(tx.ConfirmedAt), tx.ErrorMessage, utc(tx.UpdatedAt),
		tx.DigestHex,
	)
	if err != nil {
		return fmt.Errorf("store: update transaction %s: %w", tx.DigestHex, err)
	}
	return requireRow(res)
}

func (s *SQLStore) ListOutstanding(ctx context.Context, maxRetries, limit int) ([]*contracts.Transaction, error) {
	query := s.dialect.Rebind(`SELECT ` + txColumns + ` FROM anchor_transactions
		WHERE status IN ('submitted', 'pending') AND retry_count < ?
		ORDER BY (last_checked_at IS NULL) DESC, last_checked_at ASC, created_at ASC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list outstanding: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*contracts.Transaction, error) {
	var (
		tx            contracts.Transaction
		status        string
		tenants       string
		blockHeight   sql.NullInt64
		blockHash     sql.NullString
		lastCheckedAt sql.NullTime
		confirmedAt   sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.DigestHex, &tx.RecordID, &tx.TenantID, &tenants, &tx.LedgerTxID, &status, &tx.ConfirmationCount,
		&blockHeight, &blockHash, &tx.RetryCount, &lastCheckedAt, &confirmedAt, &tx.ErrorMessage, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.Status = contracts.TxStatus(status)
	if err := json.Unmarshal([]byte(tenants), &tx.TenantSet); err != nil {
		return nil, fmt.Errorf("store: decode tenant set of %s: %w", tx.DigestHex, err)
	}
	if blockHeight.Valid {
		v := blockHeight.Int64
		tx.BlockHeight = &v
	}
	if blockHash.Valid {
		v := blockHash.String
		tx.BlockHash = &v
	}
	if lastCheckedAt.Valid {
		v := lastCheckedAt.Time.UTC()
		tx.LastCheckedAt = &v
	}
	if confirmedAt.Valid {
		v := confirmedAt.Time.UTC()
		tx.ConfirmedAt = &v
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	return &tx, nil
}

const dlColumns = `id, operation_id, operation, tenant_id, payload_snapshot, attempts, last_error, severity,
	next_retry_at, status, resolution_note, created_at, updated_at, resolved_at`

func (s *SQLStore) CreateDeadLetter(ctx context.Context, e *contracts.DeadLetterEntry) error {
	query := s.dialect.Rebind(`INSERT INTO anchor_dead_letters (` + dlColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.OperationID, e.Operation, e.TenantID, nullPayload(e.PayloadSnapshot), e.Attempts, e.LastError,
		string(e.Severity), utc(e.NextRetryAt), string(e.Status), e.ResolutionNote,
		utc(e.CreatedAt), utc(e.UpdatedAt), nullTime(e.ResolvedAt),
	)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: create dead letter %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLStore) GetDeadLetter(ctx context.Context, id string) (*contracts.DeadLetterEntry, error) {
	query := s.dialect.Rebind(`SELECT ` + dlColumns + ` FROM anchor_dead_letters WHERE id = ?`)
	e, err := scanDeadLetter(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get dead letter %s: %w", id, err)
	}
	return e, nil
}

func (s *SQLStore) UpdateDeadLetter(ctx context.Context, e *contracts.DeadLetterEntry) error {
	query := s.dialect.Rebind(`UPDATE anchor_dead_letters SET
		attempts = ?, last_error = ?, severity = ?, next_retry_at = ?, status = ?,
		resolution_note = ?, updated_at = ?, resolved_at = ?, payload_snapshot = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		e.Attempts, e.LastError, string(e.Severity), utc(e.NextRetryAt), string(e.Status),
		e.ResolutionNote, utc(e.UpdatedAt), nullTime(e.ResolvedAt), nullPayload(e.PayloadSnapshot),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update dead letter %s: %w", e.ID, err)
	}
	return requireRow(res)
}

func (s *SQLStore) ListDeadLetters(ctx context.Context, f contracts.DeadLetterFilter) ([]*contracts.DeadLetterEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.OperationID != "" {
		where = append(where, "operation_id = ?")
		args = append(args, f.OperationID)
	}
	if f.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, f.Operation)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Resolved != nil {
		if *f.Resolved {
			where = append(where, "status = 'resolved'")
		} else {
			where = append(where, "status <> 'resolved'")
		}
	}

	query := `SELECT ` + dlColumns + ` FROM anchor_dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*contracts.DeadLetterEntry, 0)
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanDeadLetter(row scanner) (*contracts.DeadLetterEntry, error) {
	var (
		e          contracts.DeadLetterEntry
		payload    sql.NullString
		severity   string
		status     string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.OperationID, &e.Operation, &e.TenantID, &payload, &e.Attempts, &e.LastError, &severity,
		&e.NextRetryAt, &status, &e.ResolutionNote, &e.CreatedAt, &e.UpdatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	e.Severity = contracts.Severity(severity)
	e.Status = contracts.DeadLetterStatus(status)
	if payload.Valid && payload.String != "" {
		e.PayloadSnapshot = json.RawMessage(payload.String)
	}
	if resolvedAt.Valid {
		v := resolvedAt.Time.UTC()
		e.ResolvedAt = &v
	}
	e.NextRetryAt = e.NextRetryAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func (s *SQLStore) SaveRecord(ctx context.Context, r *contracts.CommittedRecord) error {
	tenants, err := json.Marshal(r.TenantSet)
	if err != nil {
		return err
	}
	events, err := json.Marshal(r.EventIDs)
	if err != nil {
		return err
	}
	query := s.dialect.Rebind(`INSERT INTO anchor_records
		(id, digest_hex, kind, mode, tier, member_count, tenant_set, event_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.DigestHex, string(r.Kind), string(r.Mode), r.Tier, r.MemberCount,
		string(tenants), string(events), utc(r.CreatedAt))
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: save record %s: %w", r.DigestHex, err)
	}
	return nil
}

func (s *SQLStore) GetRecord(ctx context.Context, digestHex string) (*contracts.CommittedRecord, error) {
	query := s.dialect.Rebind(`SELECT id, digest_hex, kind, mode, tier, member_count, tenant_set, event_ids, created_at
		FROM anchor_records WHERE digest_hex = ?`)
	var (
		r               contracts.CommittedRecord
		kind, mode      string
		tenants, events string
	)
	err := s.db.QueryRowContext(ctx, query, digestHex).Scan(
		&r.ID, &r.DigestHex, &kind, &mode, &r.Tier, &r.MemberCount, &tenants, &events, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record %s: %w", digestHex, err)
	}
	r.Kind = contracts.RecordKind(kind)
	r.Mode = contracts.AnchoringMode(mode)
	r.CreatedAt = r.CreatedAt.UTC()
	if err := json.Unmarshal([]byte(tenants), &r.TenantSet); err != nil {
		return nil, fmt.Errorf("corrupt tenant set in record %s: %w", digestHex, err)
	}
	if err := json.Unmarshal([]byte(events), &r.EventIDs); err != nil {
		return nil, fmt.Errorf("corrupt event ids in record %s: %w", digestHex, err)
	}
	return &r, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}

func nullPayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}
