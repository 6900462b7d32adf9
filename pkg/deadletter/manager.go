// Package deadletter classifies pipeline failures and parks operations that
// exhausted their retry budget until an operator or the sweep re-attempts them.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/anchor/pkg/audit"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/observability"
	"github.com/Mindburn-Labs/anchor/pkg/retry"
	"github.com/Mindburn-Labs/anchor/pkg/store"
)

const op = "deadletter"

// Handler re-attempts the operation behind an entry. A nil return resolves it.
type Handler func(ctx context.Context, e *contracts.DeadLetterEntry) error

// Emitter receives dead-letter notifications.
type Emitter interface {
	Emit(n contracts.Notification)
}

// Failure describes one failed operation.
type Failure struct {
	Operation   string
	OperationID string
	TenantID    string
	TenantSet   []string
	DigestHex   string
	Err         error
	Attempts    int
	Payload     any
}

// Manager owns dead-letter entries.
type Manager struct {
	store    store.DeadLetterStore
	audit    audit.Logger
	notifier Emitter
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	handlers map[string]Handler
}

// Option configures a Manager.
type Option func(*Manager)

func WithAudit(a audit.Logger) Option { return func(m *Manager) { m.audit = a } }
func WithNotifier(e Emitter) Option { return func(m *Manager) { m.notifier = e } }
func WithMetrics(mt *observability.Metrics) Option { return func(m *Manager) { m.metrics = mt } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l.With("component", "deadletter")
		}
	}
}

// NewManager creates a Manager over s.
func NewManager(s store.DeadLetterStore, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		audit:    audit.Nop(),
		logger:   slog.Default().With("component", "deadletter"),
		now:      time.Now,
		handlers: make(map[string]Handler),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Handle registers the re-attempt handler for an operation class.
func (m *Manager) Handle(operation string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[operation] = h
}

// PolicyFor returns the backoff policy governing an operation class.
func PolicyFor(operation string) retry.BackoffPolicy {
	if operation == contracts.OpConfirmPoll {
		return retry.ConfirmationPolicy
	}
	return retry.GenericPolicy
}

// maxAttempts is the attempt cap of an operation class. An entry's attempts
// never exceed it.
func maxAttempts(operation string) int {
	if n := PolicyFor(operation).MaxAttempts; n > 0 {
		return n
	}
	return 1
}

// schedule sets the next automated re-attempt. An entry that failed again at
// the cap is left for an operator and has no nextRetryAt.
func schedule(e *contracts.DeadLetterEntry, now time.Time, reattempted bool) {
	if reattempted && e.Attempts >= maxAttempts(e.Operation) {
		e.NextRetryAt = time.Time{}
		return
	}
	e.NextRetryAt = retry.NextRetryAt(now, e.OperationID, e.Attempts, PolicyFor(e.Operation))
}

// OperatorOnly reports whether the sweep has given up on e.
func OperatorOnly(e *contracts.DeadLetterEntry) bool {
	return e.Status == contracts.DeadLetterPending && e.NextRetryAt.IsZero()
}

// Record logs a failed attempt with its severity. It does not park the operation.
func (m *Manager) Record(ctx context.Context, f Failure) contracts.Severity {
	kind := contracts.KindOf(f.Err)
	sev := contracts.SeverityOf(kind)
	attrs := []any{
		"operation", f.Operation,
		"operation_id", f.OperationID,
		"tenant_id", f.TenantID,
		"kind", kind,
		"severity", sev,
		"attempts", f.Attempts,
		"error", f.Err,
	}
	switch sev {
	case contracts.SeverityCritical, contracts.SeverityHigh:
		m.logger.ErrorContext(ctx, "operation failed", attrs...)
	case contracts.SeverityMedium:
		m.logger.WarnContext(ctx, "operation failed", attrs...)
	default:
		m.logger.InfoContext(ctx, "operation failed", attrs...)
	}
	return sev
}

// DeadLetter parks an operation that exhausted its budget. An unresolved entry
// for the same operation id is updated rather than duplicated.
func (m *Manager) DeadLetter(ctx context.Context, f Failure) (*contracts.DeadLetterEntry, error) {
	if f.Operation == "" || f.OperationID == "" {
		return nil, contracts.Errorf(contracts.KindValidation, op, "operation and operation id are required")
	}
	sev := m.Record(ctx, f)

	var snapshot json.RawMessage
	if f.Payload != nil {
		b, err := json.Marshal(f.Payload)
		if err != nil {
			return nil, contracts.Wrap(contracts.KindInvariant, op, fmt.Errorf("snapshot payload: %w", err))
		}
		snapshot = b
	}

	now := m.now().UTC()
	lastErr := ""
	if f.Err != nil {
		lastErr = f.Err.Error()
	}

	existing, err := m.open(ctx, f.Operation, f.OperationID)
	if err != nil {
		return nil, err
	}
	e := existing
	if e == nil {
		e = &contracts.DeadLetterEntry{
			ID:          uuid.NewString(),
			OperationID: f.OperationID,
			Operation:   f.Operation,
			TenantID:    f.TenantID,
			CreatedAt:   now,
		}
	}
	if f.Attempts > e.Attempts {
		e.Attempts = min(f.Attempts, maxAttempts(f.Operation))
	}
	if snapshot != nil {
		e.PayloadSnapshot = snapshot
	}
	e.LastError = lastErr
	e.Severity = sev
	e.Status = contracts.DeadLetterPending
	schedule(e, now, false)
	e.UpdatedAt = now

	if existing == nil {
		err = m.store.CreateDeadLetter(ctx, e)
	} else {
		err = m.store.UpdateDeadLetter(ctx, e)
	}
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, op, err)
	}

	m.logger.WarnContext(ctx, "operation dead-lettered",
		"id", e.ID, "operation", e.Operation, "operation_id", e.OperationID,
		"attempts", e.Attempts, "next_retry_at", e.NextRetryAt)
	m.metrics.DeadLetterCreated(ctx, e.Operation, string(e.Severity))
	m.auditf(ctx, e, "deadletter.create", map[string]any{"attempts": e.Attempts, "severity": e.Severity})
	if m.notifier != nil && (e.TenantID != "" || len(f.TenantSet) > 0) {
		m.notifier.Emit(contracts.Notification{
			Type:      contracts.NotifyDeadLettered,
			TenantID:  e.TenantID,
			TenantSet: f.TenantSet,
			DigestHex: f.DigestHex,
			Message:   fmt.Sprintf("%s exhausted after %d attempts: %s", e.Operation, e.Attempts, e.LastError),
		})
	}
	return e, nil
}

func (m *Manager) open(ctx context.Context, operation, operationID string) (*contracts.DeadLetterEntry, error) {
	unresolved := false
	list, err := m.store.ListDeadLetters(ctx, contracts.DeadLetterFilter{
		OperationID: operationID,
		Operation:   operation,
		Resolved:    &unresolved,
	})
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, op, err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

// List returns entries matching f, oldest first.
func (m *Manager) List(ctx context.Context, f contracts.DeadLetterFilter) ([]*contracts.DeadLetterEntry, error) {
	return m.store.ListDeadLetters(ctx, f)
}

// Get resolves ref as an entry id, falling back to the latest unresolved
// entry for that operation id.
func (m *Manager) Get(ctx context.Context, ref string) (*contracts.DeadLetterEntry, error) {
	e, err := m.store.GetDeadLetter(ctx, ref)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	unresolved := false
	list, err := m.store.ListDeadLetters(ctx, contracts.DeadLetterFilter{OperationID: ref, Resolved: &unresolved})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return list[len(list)-1], nil
}

// Requeue moves an entry to processing and re-attempts it. A successful
// re-attempt resolves the entry; a failed one returns it to pending with a
// later nextRetryAt, or with none once its attempts reached the cap.
func (m *Manager) Requeue(ctx context.Context, ref string) (*contracts.DeadLetterEntry, error) {
	e, err := m.claim(ctx, ref)
	if err != nil {
		return nil, err
	}
	m.auditf(ctx, e, "deadletter.requeue", map[string]any{"attempts": e.Attempts})

	m.mu.Lock()
	h := m.handlers[e.Operation]
	m.mu.Unlock()

	var runErr error
	if h == nil {
		runErr = contracts.Errorf(contracts.KindInvariant, op, "no handler registered for %s", e.Operation)
	} else {
		runErr = h(ctx, e)
	}

	now := m.now().UTC()
	e.UpdatedAt = now
	if runErr == nil {
		e.Status = contracts.DeadLetterResolved
		e.ResolvedAt = &now
		e.ResolutionNote = "requeued"
		m.logger.InfoContext(ctx, "dead letter requeued", "id", e.ID, "operation", e.Operation, "attempts", e.Attempts)
	} else {
		e.Status = contracts.DeadLetterPending
		e.LastError = runErr.Error()
		e.Severity = contracts.SeverityOf(contracts.KindOf(runErr))
		schedule(e, now, true)
		m.logger.WarnContext(ctx, "dead letter re-attempt failed",
			"id", e.ID, "operation", e.Operation, "attempts", e.Attempts, "error", runErr, "next_retry_at", e.NextRetryAt)
	}
	if err := m.store.UpdateDeadLetter(ctx, e); err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, op, err)
	}
	return e, nil
}

func (m *Manager) claim(ctx context.Context, ref string) (*contracts.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case contracts.DeadLetterResolved:
		return nil, contracts.Errorf(contracts.KindValidation, op, "entry %s is already resolved", e.ID)
	case contracts.DeadLetterProcessing:
		return nil, contracts.Errorf(contracts.KindValidation, op, "entry %s is already being processed", e.ID)
	}
	e.Status = contracts.DeadLetterProcessing
	if e.Attempts < maxAttempts(e.Operation) {
		e.Attempts++
	}
	e.UpdatedAt = m.now().UTC()
	if err := m.store.UpdateDeadLetter(ctx, e); err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, op, err)
	}
	return e, nil
}

// Resolve marks an entry resolved without re-attempting it. Resolving an
// already resolved entry returns it unchanged.
func (m *Manager) Resolve(ctx context.Context, ref, note string) (*contracts.DeadLetterEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if e.Status == contracts.DeadLetterResolved {
		return e, nil
	}
	now := m.now().UTC()
	e.Status = contracts.DeadLetterResolved
	e.ResolvedAt = &now
	e.ResolutionNote = note
	e.UpdatedAt = now
	if err := m.store.UpdateDeadLetter(ctx, e); err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, op, err)
	}
	m.logger.InfoContext(ctx, "dead letter resolved", "id", e.ID, "operation", e.Operation, "note", note)
	m.auditf(ctx, e, "deadletter.resolve", map[string]any{"note": note})
	return e, nil
}

// Sweep re-attempts every pending entry whose nextRetryAt has passed and
// returns how many were resolved. Operator-only entries are skipped.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	due, err := m.store.ListDeadLetters(ctx, contracts.DeadLetterFilter{Status: contracts.DeadLetterPending})
	if err != nil {
		return 0, err
	}
	now := m.now()
	resolved := 0
	for _, e := range due {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if OperatorOnly(e) || e.NextRetryAt.After(now) {
			continue
		}
		got, err := m.Requeue(ctx, e.ID)
		if err != nil {
			m.logger.WarnContext(ctx, "sweep requeue failed", "id", e.ID, "error", err)
			continue
		}
		if got.Status == contracts.DeadLetterResolved {
			resolved++
		}
	}
	return resolved, nil
}

// Run sweeps every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.ErrorContext(ctx, "dead letter sweep failed", "error", err)
			} else if n > 0 {
				m.logger.InfoContext(ctx, "dead letter sweep", "resolved", n)
			}
		}
	}
}

func (m *Manager) auditf(ctx context.Context, e *contracts.DeadLetterEntry, action string, meta map[string]any) {
	eventType := audit.EventDeadLetter
	if audit.ActorFrom(ctx) != "system" {
		eventType = audit.EventOperator
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["operation"] = e.Operation
	meta["operation_id"] = e.OperationID
	if err := m.audit.Record(ctx, eventType, e.TenantID, action, e.ID, meta); err != nil {
		m.logger.WarnContext(ctx, "audit write failed", "action", action, "error", err)
	}
}
