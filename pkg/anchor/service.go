// Package anchor wires the pipeline: routing, batching, digesting, hand-off,
// confirmation tracking, dead-lettering and notification.
package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/anchor/pkg/archive"
	"github.com/Mindburn-Labs/anchor/pkg/audit"
	"github.com/Mindburn-Labs/anchor/pkg/batch"
	"github.com/Mindburn-Labs/anchor/pkg/config"
	"github.com/Mindburn-Labs/anchor/pkg/confirm"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/deadletter"
	"github.com/Mindburn-Labs/anchor/pkg/digest"
	"github.com/Mindburn-Labs/anchor/pkg/handoff"
	"github.com/Mindburn-Labs/anchor/pkg/ledger"
	"github.com/Mindburn-Labs/anchor/pkg/notify"
	"github.com/Mindburn-Labs/anchor/pkg/observability"
	"github.com/Mindburn-Labs/anchor/pkg/retry"
	"github.com/Mindburn-Labs/anchor/pkg/router"
	"github.com/Mindburn-Labs/anchor/pkg/store"
)

var (
	// ErrNoArchive is returned for proof requests when no archive is configured.
	ErrNoArchive = errors.New("anchor: inclusion proofs are not archived")
	// ErrNoOutbox is returned when the hand-off backend cannot be read back.
	ErrNoOutbox = errors.New("anchor: hand-off backend has no readable outbox")
)

// Deps are the collaborators of a Service. Store, Queue and Ledger are required.
type Deps struct {
	Tiers     *config.TierTable
	Store     store.Store
	Queue     handoff.Queue
	Ledger    ledger.Client
	Hub       *notify.Hub
	Archive   *archive.Archive
	Audit     audit.Logger
	Metrics   *observability.Metrics
	Telemetry *observability.Provider
	Logger    *slog.Logger

	Batch         batch.Config
	Confirm       confirm.Config
	SweepInterval time.Duration
	Now           func() time.Time
	// SaveRetry retries record saves. Nil uses retry.GenericPolicy.
	SaveRetry *retry.Retrier
}

// Service is the pipeline.
type Service struct {
	router   *router.Router
	builder  *digest.Builder
	agg      *batch.Aggregator
	store    store.Store
	queue    handoff.Queue
	outbox   handoff.Outbox
	tracker  *confirm.Tracker
	dlq      *deadletter.Manager
	hub      *notify.Hub
	archive  *archive.Archive
	audit    audit.Logger
	metrics  *observability.Metrics
	tel      *observability.Provider
	saves    *retry.Retrier
	logger   *slog.Logger
	now      func() time.Time
	sweepInt time.Duration

	closeOnce sync.Once
}

// New builds a Service.
func New(d Deps) (*Service, error) {
	if d.Store == nil || d.Queue == nil || d.Ledger == nil {
		return nil, fmt.Errorf("anchor: store, queue and ledger are required")
	}
	if d.Tiers == nil {
		d.Tiers = config.DefaultTiers()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Hub == nil {
		d.Hub = notify.NewHub(notify.DefaultBuffer, d.Logger)
	}
	if d.Audit == nil {
		d.Audit = audit.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SaveRetry == nil {
		d.SaveRetry = retry.New(retry.GenericPolicy)
	}

	rt, err := router.New(d.Tiers)
	if err != nil {
		return nil, fmt.Errorf("anchor: %w", err)
	}

	s := &Service{
		router:   rt,
		builder:  digest.NewBuilder().WithClock(d.Now),
		store:    d.Store,
		queue:    d.Queue,
		outbox:   outboxOf(d.Queue),
		hub:      d.Hub,
		archive:  d.Archive,
		audit:    d.Audit,
		metrics:  d.Metrics,
		tel:      d.Telemetry,
		saves:    d.SaveRetry,
		logger:   d.Logger.With("component", "anchor"),
		now:      d.Now,
		sweepInt: d.SweepInterval,
	}

	s.dlq = deadletter.NewManager(d.Store,
		deadletter.WithAudit(d.Audit),
		deadletter.WithNotifier(d.Hub),
		deadletter.WithMetrics(d.Metrics),
		deadletter.WithLogger(d.Logger),
		deadletter.WithClock(d.Now),
	)
	s.tracker = confirm.NewTracker(d.Confirm, d.Store, d.Ledger, s.dlq,
		confirm.WithNotifier(d.Hub),
		confirm.WithMetrics(d.Metrics),
		confirm.WithLogger(d.Logger),
		confirm.WithClock(d.Now),
	)
	s.dlq.Handle(contracts.OpConfirmPoll, s.tracker.Recheck)
	s.dlq.Handle(contracts.OpRecordSave, s.replayCommit)
	s.dlq.Handle(contracts.OpHandoffEnqueue, s.replayHandoff)
	s.dlq.Handle(contracts.OpArchivePut, s.replayArchive)

	bcfg := d.Batch
	if bcfg.Logger == nil {
		bcfg.Logger = d.Logger
	}
	s.agg = batch.New(bcfg, s.builder, s.commitBatch)
	return s, nil
}

func outboxOf(q handoff.Queue) handoff.Outbox {
	for q != nil {
		if ob, ok := q.(handoff.Outbox); ok {
			return ob
		}
		u, ok := q.(interface{ Unwrap() handoff.Queue })
		if !ok {
			return nil
		}
		q = u.Unwrap()
	}
	return nil
}

// Run drives the confirmation tracker and the dead-letter sweep until ctx is done.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tracker.Run(ctx)
	}()
	if s.sweepInt > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dlq.Run(ctx, s.sweepInt)
		}()
	}
	wg.Wait()
}

// Close flushes every open batch window. Later submissions are rejected.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() { err = s.agg.Close(ctx) })
	return err
}

func (s *Service) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if s.tel == nil {
		return ctx, func(error) {}
	}
	return s.tel.TrackOperation(ctx, name, attrs...)
}

// SubmitEvent routes an event and either commits it now (immediate) or adds
// it to its stream's open window (batch). A decline is not an error.
func (s *Service) SubmitEvent(ctx context.Context, ev contracts.Event, tier string, mode contracts.AnchoringMode) (dec contracts.AnchoringDecision, err error) {
	ctx, end := s.track(ctx, "anchor.submit", observability.AttrTier.String(tier))
	defer func() { end(err) }()

	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = s.now().UTC()
	}
	if err := digest.Validate(&ev); err != nil {
		return contracts.AnchoringDecision{}, err
	}
	dec, err = s.router.Decide(ev, tier, mode)
	if err != nil {
		return contracts.AnchoringDecision{}, err
	}
	if !dec.Accepted {
		s.metrics.EventDeclined(ctx, string(dec.Mode), dec.Tier)
		s.logger.InfoContext(ctx, "event declined",
			"event_id", ev.ID, "tenant_id", ev.TenantID, "tier", dec.Tier, "mode", dec.Mode, "reason", dec.Reason)
		return dec, nil
	}

	switch dec.Mode {
	case contracts.ModeBatch:
		window, err := s.agg.Add(ctx, &ev, dec.Tier)
		if err != nil {
			if errors.Is(err, batch.ErrClosed) {
				return contracts.AnchoringDecision{}, contracts.Wrap(contracts.KindTransient, "anchor.submit", err)
			}
			return contracts.AnchoringDecision{}, err
		}
		s.logger.DebugContext(ctx, "event batched", "event_id", ev.ID, "tenant_id", ev.TenantID, "window", window)

	case contracts.ModeImmediate:
		rec, err := s.builder.Single(&ev, dec.Tier)
		if err != nil {
			return contracts.AnchoringDecision{}, err
		}
		got, err := s.commit(ctx, rec, archive.SingleManifest(rec, &ev))
		if err != nil {
			return contracts.AnchoringDecision{}, err
		}
		dec.RecordDigest = got
	}

	s.metrics.EventAccepted(ctx, string(dec.Mode), dec.Tier)
	return dec, nil
}

func (s *Service) commitBatch(ctx context.Context, b *digest.Batch) error {
	s.metrics.BatchFlushed(ctx, b.Record.MemberCount, b.Record.Tier)
	_, err := s.commit(ctx, b.Record, archive.BatchManifest(b))
	return err
}

// pendingCommit is the dead-letter snapshot of a record that could not be saved.
type pendingCommit struct {
	Record   *contracts.CommittedRecord `json:"record"`
	Manifest *archive.Manifest          `json:"manifest,omitempty"`
}

// commit persists a record, archives its manifest and hands it off. A record
// whose digest was already committed is not handed off again; its digest is
// returned as is. A record that cannot be saved is dead-lettered whole.
func (s *Service) commit(ctx context.Context, rec *contracts.CommittedRecord, m *archive.Manifest) (string, error) {
	dup, err := s.saveRecord(ctx, rec)
	if err != nil {
		s.deadLetter(ctx, contracts.OpRecordSave, rec, err, pendingCommit{Record: rec, Manifest: m})
		return "", contracts.Wrap(contracts.KindTransient, contracts.OpRecordSave, err)
	}
	if dup {
		s.logger.InfoContext(ctx, "record already committed", "digest", rec.DigestHex, "kind", rec.Kind)
		return rec.DigestHex, nil
	}

	if s.archive != nil {
		if err := s.archive.Put(ctx, m); err != nil {
			s.deadLetter(ctx, contracts.OpArchivePut, rec, err, m)
		}
	}

	if err := s.handoff(ctx, rec); err != nil {
		s.deadLetter(ctx, contracts.OpHandoffEnqueue, rec, err, rec)
		return "", contracts.Wrap(contracts.KindTransient, contracts.OpHandoffEnqueue, err)
	}
	return rec.DigestHex, nil
}

// saveRecord stores rec, retrying failures. It reports whether the digest was
// already committed.
func (s *Service) saveRecord(ctx context.Context, rec *contracts.CommittedRecord) (bool, error) {
	dup := false
	err := s.saves.Do(ctx, rec.DigestHex, func(ctx context.Context) error {
		err := s.store.SaveRecord(ctx, rec)
		switch {
		case errors.Is(err, store.ErrConflict):
			dup = true
			return nil
		case err != nil:
			return contracts.Wrap(contracts.KindTransient, contracts.OpRecordSave, err)
		}
		return nil
	})
	return dup, err
}

// handoff enqueues rec and opens its Transaction. Both steps are idempotent.
func (s *Service) handoff(ctx context.Context, rec *contracts.CommittedRecord) error {
	msg, err := s.queue.Enqueue(ctx, rec)
	if err != nil {
		return err
	}
	s.metrics.RecordEnqueued(ctx, string(rec.Kind))
	if err := s.audit.Record(ctx, audit.EventHandoff, rec.PrimaryTenant(), contracts.OpHandoffEnqueue, rec.DigestHex, map[string]any{
		"record_id":    rec.ID,
		"sequence":     msg.Sequence,
		"kind":         rec.Kind,
		"mode":         rec.Mode,
		"member_count": rec.MemberCount,
		"tenant_set":   rec.TenantSet,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit write failed", "error", err)
	}

	now := s.now().UTC()
	tx := &contracts.Transaction{
		ID:        rec.ID,
		DigestHex: rec.DigestHex,
		RecordID:  rec.ID,
		TenantID:  rec.PrimaryTenant(),
		TenantSet: append([]string(nil), rec.TenantSet...),
		Status:    contracts.TxSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return contracts.Wrap(contracts.KindTransient, "anchor.transaction", err)
	}
	s.metrics.TxTransition(ctx, "", string(contracts.TxSubmitted))
	s.logger.InfoContext(ctx, "record handed off",
		"digest", rec.DigestHex, "kind", rec.Kind, "members", rec.MemberCount, "sequence", msg.Sequence)
	s.hub.Emit(contracts.Notification{
		Type:      contracts.NotifySubmitted,
		TenantID:  tx.TenantID,
		TenantSet: tx.Tenants(),
		DigestHex: tx.DigestHex,
		Status:    contracts.TxSubmitted,
	})
	return nil
}

func (s *Service) deadLetter(ctx context.Context, operation string, rec *contracts.CommittedRecord, cause error, payload any) {
	ctx = context.WithoutCancel(ctx)
	attempts := 1
	var ex *retry.ExhaustedError
	if errors.As(cause, &ex) {
		attempts = ex.Attempts
	}
	if _, err := s.dlq.DeadLetter(ctx, deadletter.Failure{
		Operation:   operation,
		OperationID: rec.DigestHex,
		TenantID:    rec.PrimaryTenant(),
		TenantSet:   rec.TenantSet,
		DigestHex:   rec.DigestHex,
		Err:         cause,
		Attempts:    attempts,
		Payload:     payload,
	}); err != nil {
		s.logger.ErrorContext(ctx, "dead-letter write failed",
			"operation", operation, "digest", rec.DigestHex, "severity", contracts.SeverityCritical, "error", err)
	}
}

func (s *Service) replayHandoff(ctx context.Context, e *contracts.DeadLetterEntry) error {
	rec, err := s.store.GetRecord(ctx, e.OperationID)
	if errors.Is(err, store.ErrNotFound) && len(e.PayloadSnapshot) > 0 {
		rec = &contracts.CommittedRecord{}
		err = json.Unmarshal(e.PayloadSnapshot, rec)
	}
	if err != nil {
		return err
	}
	return s.handoff(ctx, rec)
}

func (s *Service) replayCommit(ctx context.Context, e *contracts.DeadLetterEntry) error {
	var pc pendingCommit
	if err := json.Unmarshal(e.PayloadSnapshot, &pc); err != nil {
		return contracts.Wrap(contracts.KindInvariant, contracts.OpRecordSave, err)
	}
	if pc.Record == nil {
		return contracts.Errorf(contracts.KindInvariant, contracts.OpRecordSave, "entry %s has no record snapshot", e.ID)
	}
	if _, err := s.saveRecord(ctx, pc.Record); err != nil {
		return err
	}
	if s.archive != nil && pc.Manifest != nil {
		if err := s.archive.Put(ctx, pc.Manifest); err != nil {
			s.deadLetter(ctx, contracts.OpArchivePut, pc.Record, err, pc.Manifest)
		}
	}
	return s.handoff(ctx, pc.Record)
}

func (s *Service) replayArchive(ctx context.Context, e *contracts.DeadLetterEntry) error {
	if s.archive == nil {
		return ErrNoArchive
	}
	var m archive.Manifest
	if err := json.Unmarshal(e.PayloadSnapshot, &m); err != nil {
		return contracts.Wrap(contracts.KindInvariant, contracts.OpArchivePut, err)
	}
	return s.archive.Put(ctx, &m)
}

// GetTransactionStatus returns the Transaction for a digest.
func (s *Service) GetTransactionStatus(ctx context.Context, digestHex string) (*contracts.Transaction, error) {
	return s.store.GetTransaction(ctx, normalize(digestHex))
}

// CheckTransactionNow polls the ledger for one Transaction outside the interval.
func (s *Service) CheckTransactionNow(ctx context.Context, digestHex string) (tx *contracts.Transaction, err error) {
	ctx, end := s.track(ctx, "anchor.check_now")
	defer func() { end(err) }()
	return s.tracker.CheckNow(ctx, normalize(digestHex))
}

// ReportBroadcast attaches the broadcaster's ledger transaction id. Reporting
// the same id again is a no-op; a different id is rejected.
func (s *Service) ReportBroadcast(ctx context.Context, digestHex, ledgerTxID string) (*contracts.Transaction, error) {
	ledgerTxID = strings.TrimSpace(ledgerTxID)
	if ledgerTxID == "" {
		return nil, contracts.Errorf(contracts.KindValidation, "anchor.broadcast", "ledger transaction id is required")
	}
	tx, err := s.tracker.Mutate(ctx, normalize(digestHex), func(tx *contracts.Transaction) error {
		switch tx.LedgerTxID {
		case "", ledgerTxID:
			tx.LedgerTxID = ledgerTxID
			return nil
		default:
			return contracts.Errorf(contracts.KindValidation, "anchor.broadcast",
				"transaction %s already reported as %s", tx.DigestHex, tx.LedgerTxID)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, audit.EventHandoff, tx.TenantID, "handoff.broadcast", tx.DigestHex,
		map[string]any{"ledger_tx_id": ledgerTxID}); err != nil {
		s.logger.WarnContext(ctx, "audit write failed", "error", err)
	}
	return tx, nil
}

// GetInclusionProof proves that eventID is committed by the record digestHex.
func (s *Service) GetInclusionProof(ctx context.Context, digestHex, eventID string) (*InclusionProof, error) {
	if s.archive == nil {
		return nil, ErrNoArchive
	}
	p, err := s.archive.Proof(ctx, normalize(digestHex), eventID)
	if err != nil {
		return nil, err
	}
	return &InclusionProof{EventID: eventID, InclusionProof: *p}, nil
}

// ListDeadLetters returns matching entries oldest first.
func (s *Service) ListDeadLetters(ctx context.Context, f contracts.DeadLetterFilter) ([]*contracts.DeadLetterEntry, error) {
	return s.dlq.List(ctx, f)
}

// RequeueDeadLetter re-attempts an entry by id or operation id.
func (s *Service) RequeueDeadLetter(ctx context.Context, ref string) (*contracts.DeadLetterEntry, error) {
	return s.dlq.Requeue(ctx, ref)
}

// ResolveDeadLetter closes an entry without re-attempting it.
func (s *Service) ResolveDeadLetter(ctx context.Context, ref, note string) (*contracts.DeadLetterEntry, error) {
	return s.dlq.Resolve(ctx, ref, note)
}

// SubscribeTenant streams every transition for a tenant.
func (s *Service) SubscribeTenant(tenantID string) *notify.Subscription {
	return s.hub.Subscribe(notify.TenantRoom(tenantID))
}

// SubscribeDigest streams the transitions of one transaction.
func (s *Service) SubscribeDigest(digestHex string) *notify.Subscription {
	return s.hub.Subscribe(notify.DigestRoom(normalize(digestHex)))
}

// Hub exposes the notification hub for transports.
func (s *Service) Hub() *notify.Hub { return s.hub }

// PendingHandoffs lists enqueued records the broadcaster has not acknowledged.
func (s *Service) PendingHandoffs(ctx context.Context, limit int) ([]contracts.HandoffMessage, error) {
	if s.outbox == nil {
		return nil, ErrNoOutbox
	}
	return s.outbox.Pending(ctx, limit)
}

// AckHandoff marks a hand-off message as taken by the broadcaster.
func (s *Service) AckHandoff(ctx context.Context, sequence int64) error {
	if s.outbox == nil {
		return ErrNoOutbox
	}
	return s.outbox.Ack(ctx, sequence)
}

// Health reports store reachability and pipeline gauges.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{Status: "ok", OpenWindows: s.agg.OpenWindows()}
	if err := s.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Store = err.Error()
	} else {
		h.Store = "ok"
	}
	h.Emitted, h.Dropped, h.Subscribers = s.hub.Stats()
	return h
}

func normalize(digestHex string) string {
	return strings.ToLower(strings.TrimSpace(digestHex))
}
