// Package confirm polls the external ledger for outstanding transactions and
// drives each one through submitted -> pending -> confirmed|failed.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/deadletter"
	"github.com/Mindburn-Labs/anchor/pkg/ledger"
	"github.com/Mindburn-Labs/anchor/pkg/observability"
	"github.com/Mindburn-Labs/anchor/pkg/store"
)

// Config bounds the polling loop.
type Config struct {
	Interval     time.Duration
	BatchSize    int
	MaxRetries   int
	Required     int64
	Parallelism  int
	QueryTimeout time.Duration
}

// DefaultConfig polls 50 transactions every 30s, 8 at a time.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		BatchSize:    50,
		MaxRetries:   100,
		Required:     1,
		Parallelism:  8,
		QueryTimeout: 30 * time.Second,
	}
}

// DeadLetterer parks transactions whose polling budget is spent.
type DeadLetterer interface {
	Record(ctx context.Context, f deadletter.Failure) contracts.Severity
	DeadLetter(ctx context.Context, f deadletter.Failure) (*contracts.DeadLetterEntry, error)
}

// Emitter receives transition notifications. Emit must not block.
type Emitter interface {
	Emit(n contracts.Notification)
}

// Tracker owns confirmation polling.
type Tracker struct {
	cfg      Config
	store    store.TransactionStore
	client   ledger.Client
	dlq      DeadLetterer
	notifier Emitter
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithNotifier(e Emitter) Option { return func(t *Tracker) { t.notifier = e } }
func WithMetrics(m *observability.Metrics) Option { return func(t *Tracker) { t.metrics = m } }
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l.With("component", "confirm")
		}
	}
}

// NewTracker creates a Tracker. Zero config fields take DefaultConfig values.
func NewTracker(cfg Config, s store.TransactionStore, client ledger.Client, dlq DeadLetterer, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Required <= 0 {
		cfg.Required = def.Required
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}
	t := &Tracker{
		cfg:      cfg,
		store:    s,
		client:   client,
		dlq:      dlq,
		logger:   slog.Default().With("component", "confirm"),
		now:      time.Now,
		inflight: make(map[string]chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Run polls every Interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	t.logger.InfoContext(ctx, "confirmation tracker started",
		"interval", t.cfg.Interval, "batch", t.cfg.BatchSize, "max_retries", t.cfg.MaxRetries)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				t.logger.ErrorContext(ctx, "confirmation cycle failed", "error", err)
			}
		}
	}
}

// Cycle checks one batch of outstanding transactions and returns how many
// were checked. Transactions locked by a concurrent CheckNow are skipped.
func (t *Tracker) Cycle(ctx context.Context) (int, error) {
	txs, err := t.store.ListOutstanding(ctx, t.cfg.MaxRetries, t.cfg.BatchSize)
	if err != nil {
		return 0, contracts.Wrap(contracts.KindTransient, contracts.OpConfirmPoll, err)
	}

	var g errgroup.Group
	g.SetLimit(t.cfg.Parallelism)
	checked := 0
	for _, tx := range txs {
		digest := tx.DigestHex
		if !t.tryLock(digest) {
			t.logger.DebugContext(ctx, "transaction busy, skipping", "digest", digest)
			continue
		}
		checked++
		g.Go(func() error {
			defer t.unlock(digest)
			if _, err := t.check(ctx, digest); err != nil {
				t.logger.ErrorContext(ctx, "confirmation check failed", "digest", digest, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return checked, ctx.Err()
}

// CheckNow polls one transaction outside the interval. It waits for any
// in-flight check of the same transaction. Terminal transactions are returned
// unchanged; one already at the retry cap is failed and dead-lettered.
func (t *Tracker) CheckNow(ctx context.Context, digestHex string) (*contracts.Transaction, error) {
	if err := t.lock(ctx, digestHex); err != nil {
		return nil, err
	}
	defer t.unlock(digestHex)
	return t.check(ctx, digestHex)
}

// Mutate applies fn to a transaction under its check lock and saves the result.
func (t *Tracker) Mutate(ctx context.Context, digestHex string, fn func(tx *contracts.Transaction) error) (*contracts.Transaction, error) {
	if err := t.lock(ctx, digestHex); err != nil {
		return nil, err
	}
	defer t.unlock(digestHex)

	tx, err := t.store.GetTransaction(ctx, digestHex)
	if err != nil {
		return nil, err
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	tx.UpdatedAt = t.now().UTC()
	if err := t.save(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Recheck is the dead-letter handler for confirmation-class entries. It asks
// the ledger once more about a transaction whose budget ran out. The
// transaction keeps its terminal status; a nil return, which resolves the
// entry, means the ledger now confirms the record.
func (t *Tracker) Recheck(ctx context.Context, e *contracts.DeadLetterEntry) error {
	digest := e.OperationID
	if err := t.lock(ctx, digest); err != nil {
		return err
	}
	defer t.unlock(digest)

	tx, err := t.store.GetTransaction(ctx, digest)
	if err != nil {
		return err
	}
	if tx.Status != contracts.TxFailed {
		// Confirmed, or still owned by the polling loop.
		return nil
	}

	st, err := t.query(ctx, digest)
	if err != nil {
		return err
	}
	if st.IsRejected {
		return contracts.Errorf(contracts.KindLedgerRejection, contracts.OpConfirmPoll,
			"ledger rejected %s: %s", digest, st.RejectReason)
	}
	count := max(st.ConfirmationCount, tx.ConfirmationCount)
	if !st.IsConfirmed && count < t.cfg.Required {
		return contracts.Errorf(contracts.KindTransient, contracts.OpConfirmPoll,
			"%s has %d of %d required confirmations", digest, count, t.cfg.Required)
	}

	now := t.now().UTC()
	tx.ConfirmationCount = count
	if st.BlockHeight != nil {
		tx.BlockHeight = st.BlockHeight
	}
	if st.BlockHash != nil {
		tx.BlockHash = st.BlockHash
	}
	tx.LastCheckedAt = &now
	tx.UpdatedAt = now
	tx.ErrorMessage = "confirmed on ledger after the retry budget was spent"
	if err := t.save(ctx, tx); err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "dead-lettered transaction found on ledger",
		"digest", digest, "confirmations", count)
	return nil
}

// query asks the ledger about one digest, bounded by QueryTimeout.
func (t *Tracker) query(ctx context.Context, digest string) (contracts.LedgerStatus, error) {
	qctx, cancel := context.WithTimeout(ctx, t.cfg.QueryTimeout)
	defer cancel()
	start := time.Now()
	st, err := t.client.QueryTransaction(qctx, digest)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	t.metrics.LedgerQuery(ctx, time.Since(start), outcome)
	return st, err
}

func (t *Tracker) check(ctx context.Context, digest string) (*contracts.Transaction, error) {
	tx, err := t.store.GetTransaction(ctx, digest)
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return tx, nil
	}
	if tx.RetryCount >= t.cfg.MaxRetries {
		// The cap was lowered since this transaction was last checked.
		tx.UpdatedAt = t.now().UTC()
		return t.exhausted(ctx, tx, tx.Status, contracts.Errorf(contracts.KindTransient, contracts.OpConfirmPoll,
			"retry count %d is at the cap of %d", tx.RetryCount, t.cfg.MaxRetries))
	}

	st, qerr := t.query(ctx, digest)

	now := t.now().UTC()
	from := tx.Status
	tx.LastCheckedAt = &now
	tx.UpdatedAt = now

	if qerr != nil {
		return t.failedAttempt(ctx, tx, qerr)
	}

	tx.ErrorMessage = ""
	if st.ConfirmationCount > tx.ConfirmationCount {
		tx.ConfirmationCount = st.ConfirmationCount
	}
	if st.BlockHeight != nil {
		tx.BlockHeight = st.BlockHeight
	}
	if st.BlockHash != nil {
		tx.BlockHash = st.BlockHash
	}

	switch {
	case st.IsRejected:
		tx.Status = contracts.TxFailed
		tx.ErrorMessage = st.RejectReason
		if tx.ErrorMessage == "" {
			tx.ErrorMessage = "rejected by ledger"
		}
		if err := t.save(ctx, tx); err != nil {
			return nil, err
		}
		t.logger.ErrorContext(ctx, "transaction rejected", "digest", digest, "reason", tx.ErrorMessage)
		t.transition(ctx, tx, from, contracts.NotifyFailed, tx.ErrorMessage)

	case st.IsConfirmed || tx.ConfirmationCount >= t.cfg.Required:
		tx.Status = contracts.TxConfirmed
		tx.ConfirmedAt = &now
		if err := t.save(ctx, tx); err != nil {
			return nil, err
		}
		t.logger.InfoContext(ctx, "transaction confirmed", "digest", digest, "confirmations", tx.ConfirmationCount)
		t.transition(ctx, tx, from, contracts.NotifyConfirmed, "")

	default:
		tx.Status = contracts.TxPending
		tx.RetryCount++
		if tx.RetryCount >= t.cfg.MaxRetries {
			return t.exhausted(ctx, tx, from, contracts.Errorf(contracts.KindTransient, contracts.OpConfirmPoll,
				"not confirmed after %d checks", tx.RetryCount))
		}
		if err := t.save(ctx, tx); err != nil {
			return nil, err
		}
		t.transition(ctx, tx, from, contracts.NotifyPendingUpdate, "")
	}
	return tx, nil
}

// failedAttempt counts a query error against the budget. Status is unchanged
// until the budget is spent.
func (t *Tracker) failedAttempt(ctx context.Context, tx *contracts.Transaction, qerr error) (*contracts.Transaction, error) {
	tx.RetryCount++
	tx.ErrorMessage = qerr.Error()
	t.dlq.Record(ctx, deadletter.Failure{
		Operation:   contracts.OpConfirmPoll,
		OperationID: tx.DigestHex,
		TenantID:    tx.TenantID,
		TenantSet:   tx.Tenants(),
		DigestHex:   tx.DigestHex,
		Err:         qerr,
		Attempts:    tx.RetryCount,
	})
	if tx.RetryCount >= t.cfg.MaxRetries {
		return t.exhausted(ctx, tx, tx.Status, qerr)
	}
	if err := t.save(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (t *Tracker) exhausted(ctx context.Context, tx *contracts.Transaction, from contracts.TxStatus, cause error) (*contracts.Transaction, error) {
	tx.Status = contracts.TxFailed
	tx.ErrorMessage = cause.Error()
	if err := t.save(ctx, tx); err != nil {
		return nil, err
	}
	if _, err := t.dlq.DeadLetter(ctx, deadletter.Failure{
		Operation:   contracts.OpConfirmPoll,
		OperationID: tx.DigestHex,
		TenantID:    tx.TenantID,
		TenantSet:   tx.Tenants(),
		DigestHex:   tx.DigestHex,
		Err:         cause,
		Attempts:    tx.RetryCount,
		Payload:     tx,
	}); err != nil {
		t.logger.ErrorContext(ctx, "dead-letter write failed", "digest", tx.DigestHex, "error", err)
	}
	t.transition(ctx, tx, from, contracts.NotifyFailed, fmt.Sprintf("retry budget exhausted after %d attempts", tx.RetryCount))
	return tx, nil
}

func (t *Tracker) save(ctx context.Context, tx *contracts.Transaction) error {
	if err := t.store.UpdateTransaction(ctx, tx); err != nil {
		return contracts.Wrap(contracts.KindTransient, contracts.OpConfirmPoll, err)
	}
	return nil
}

func (t *Tracker) transition(ctx context.Context, tx *contracts.Transaction, from contracts.TxStatus, kind contracts.NotificationType, msg string) {
	t.metrics.TxTransition(ctx, string(from), string(tx.Status))
	if t.notifier == nil {
		return
	}
	t.notifier.Emit(contracts.Notification{
		Type:              kind,
		TenantID:          tx.TenantID,
		TenantSet:         tx.Tenants(),
		DigestHex:         tx.DigestHex,
		Status:            tx.Status,
		ConfirmationCount: tx.ConfirmationCount,
		Message:           msg,
	})
}

func (t *Tracker) tryLock(digest string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inflight[digest]; busy {
		return false
	}
	t.inflight[digest] = make(chan struct{})
	return true
}

func (t *Tracker) lock(ctx context.Context, digest string) error {
	for {
		t.mu.Lock()
		ch, busy := t.inflight[digest]
		if !busy {
			t.inflight[digest] = make(chan struct{})
			t.mu.Unlock()
			return nil
		}
		t.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (t *Tracker) unlock(digest string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.inflight[digest]; ok {
		close(ch)
		delete(t.inflight, digest)
	}
}
