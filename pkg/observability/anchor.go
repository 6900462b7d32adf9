package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Anchoring attributes.
var (
	AttrMode      = attribute.Key("anchor.mode")
	AttrTier      = attribute.Key("anchor.tier")
	AttrKind      = attribute.Key("anchor.record.kind")
	AttrTrigger   = attribute.Key("anchor.batch.trigger")
	AttrFrom      = attribute.Key("anchor.tx.from")
	AttrTo        = attribute.Key("anchor.tx.to")
	AttrOperation = attribute.Key("anchor.operation")
	AttrSeverity  = attribute.Key("anchor.severity")
	AttrOutcome   = attribute.Key("anchor.outcome")
	AttrErrorKind = attribute.Key("anchor.error.kind")
)

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	accepted     metric.Int64Counter
	declined     metric.Int64Counter
	flushed      metric.Int64Counter
	batchMembers metric.Int64Histogram
	enqueued     metric.Int64Counter
	transitions  metric.Int64Counter
	deadLetters  metric.Int64Counter
	queryLatency metric.Float64Histogram
}

// NewMetrics registers the pipeline instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.accepted, err = meter.Int64Counter("anchor.events.accepted",
		metric.WithDescription("Events accepted for anchoring"), metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.declined, err = meter.Int64Counter("anchor.events.declined",
		metric.WithDescription("Events declined by the mode router"), metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.flushed, err = meter.Int64Counter("anchor.batches.flushed",
		metric.WithDescription("Batch windows flushed"), metric.WithUnit("{batch}")); err != nil {
		return nil, err
	}
	if m.batchMembers, err = meter.Int64Histogram("anchor.batch.members",
		metric.WithDescription("Events per flushed batch"), metric.WithUnit("{event}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250)); err != nil {
		return nil, err
	}
	if m.enqueued, err = meter.Int64Counter("anchor.records.enqueued",
		metric.WithDescription("Committed records handed off for broadcast"), metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("anchor.tx.transitions",
		metric.WithDescription("Transaction status transitions"), metric.WithUnit("{transition}")); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("anchor.deadletters.created",
		metric.WithDescription("Operations moved to the dead-letter queue"), metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if m.queryLatency, err = meter.Float64Histogram("anchor.ledger.query.duration",
		metric.WithDescription("External ledger query latency"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) EventAccepted(ctx context.Context, mode, tier string) {
	if m == nil {
		return
	}
	m.accepted.Add(ctx, 1, metric.WithAttributes(AttrMode.String(mode), AttrTier.String(tier)))
}

func (m *Metrics) EventDeclined(ctx context.Context, mode, tier string) {
	if m == nil {
		return
	}
	m.declined.Add(ctx, 1, metric.WithAttributes(AttrMode.String(mode), AttrTier.String(tier)))
}

func (m *Metrics) BatchFlushed(ctx context.Context, members int, tier string) {
	if m == nil {
		return
	}
	m.flushed.Add(ctx, 1, metric.WithAttributes(AttrTier.String(tier)))
	m.batchMembers.Record(ctx, int64(members), metric.WithAttributes(AttrTier.String(tier)))
}

func (m *Metrics) RecordEnqueued(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(AttrKind.String(kind)))
}

func (m *Metrics) TxTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(AttrFrom.String(from), AttrTo.String(to)))
}

func (m *Metrics) DeadLetterCreated(ctx context.Context, operation, severity string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(operation), AttrSeverity.String(severity)))
}

func (m *Metrics) LedgerQuery(ctx context.Context, d time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.queryLatency.Record(ctx, d.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
}
