// Package batch buffers batch-mode events into per-stream windows and flushes
// each window exactly once, on size or on timeout, into a Merkle-root record.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/digest"
)

// Scope selects how windows are keyed.
type Scope string

const (
	ScopeTenant Scope = "tenant"
	ScopeGlobal Scope = "global"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("batch: aggregator closed")

// FlushFunc receives the batch produced from one window. It is called outside
// the aggregator lock, once per window.
type FlushFunc func(ctx context.Context, b *digest.Batch) error

// Config tunes an Aggregator.
type Config struct {
	MaxSize int
	MaxWait time.Duration
	Scope   Scope
	Logger  *slog.Logger
}

// Aggregator owns one open window per stream key.
type Aggregator struct {
	cfg     Config
	builder *digest.Builder
	onFlush FlushFunc
	logger  *slog.Logger

	mu      sync.Mutex
	windows map[string]*Window
	tails   map[string]chan struct{}
	closed  bool
	flushes sync.WaitGroup
}

// New returns an aggregator. Zero MaxSize and MaxWait take the defaults of 50 events and 5 minutes.
func New(cfg Config, builder *digest.Builder, onFlush FlushFunc) *Aggregator {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 50
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeTenant
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		builder = digest.NewBuilder()
	}
	return &Aggregator{
		cfg:     cfg,
		builder: builder,
		onFlush: onFlush,
		logger:  logger.With("component", "batch"),
		windows: make(map[string]*Window),
		tails:   make(map[string]chan struct{}),
	}
}

// StreamKey names the logical stream an event joins.
func (a *Aggregator) StreamKey(tenantID, tier string) string {
	tier = strings.ToLower(tier)
	if a.cfg.Scope == ScopeGlobal {
		return "global|" + tier
	}
	return tenantID + "|" + tier
}

// Add appends ev to the open window of its stream, opening one if needed. When
// the append fills the window it is flushed before Add returns. It returns the
// id of the window the event joined.
func (a *Aggregator) Add(ctx context.Context, ev *contracts.Event, tier string) (string, error) {
	if err := digest.Validate(ev); err != nil {
		return "", err
	}
	key := a.StreamKey(ev.TenantID, tier)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", contracts.Wrap(contracts.KindTransient, "batch.add", ErrClosed)
	}
	w := a.windows[key]
	if w == nil {
		w = a.open(key, strings.ToLower(tier))
	}
	if err := w.append(ev); err != nil {
		a.mu.Unlock()
		return "", err
	}
	id := w.ID
	full := len(w.events) >= a.cfg.MaxSize
	if full {
		a.seal(key, w)
	}
	a.mu.Unlock()

	if full {
		defer a.flushes.Done()
		a.flush(context.WithoutCancel(ctx), w, "size")
	}
	return id, nil
}

// OpenWindows returns the number of windows currently collecting.
func (a *Aggregator) OpenWindows() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}

// Close stops intake and flushes every open window, then waits for flushes
// already in progress.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	pending := make([]*Window, 0, len(a.windows))
	for key, w := range a.windows {
		a.seal(key, w)
		pending = append(pending, w)
	}
	a.mu.Unlock()

	for _, w := range pending {
		a.flush(ctx, w, "shutdown")
		a.flushes.Done()
	}

	done := make(chan struct{})
	go func() {
		a.flushes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: close: %w", ctx.Err())
	}
}

// open must be called with a.mu held.
func (a *Aggregator) open(key, tier string) *Window {
	w := &Window{
		ID:       uuid.NewString(),
		Key:      key,
		Tier:     tier,
		OpenedAt: time.Now().UTC(),
		state:    StateCollecting,
		seen:     make(map[string]struct{}),
	}
	w.timer = time.AfterFunc(a.cfg.MaxWait, func() { a.expire(key, w) })
	a.windows[key] = w
	a.logger.Debug("window opened", "stream", key, "window", w.ID)
	return w
}

// seal moves w out of collecting and detaches it from its stream so the next
// Add opens a fresh window. Flushes of one stream are chained so records reach
// the hand-off in the order their windows were sealed. Must be called with
// a.mu held; the caller owns one flushes count and must flush w.
func (a *Aggregator) seal(key string, w *Window) {
	w.state = StateFlushing
	w.timer.Stop()
	delete(a.windows, key)
	w.prev = a.tails[key]
	w.done = make(chan struct{})
	a.tails[key] = w.done
	a.flushes.Add(1)
}

func (a *Aggregator) expire(key string, w *Window) {
	a.mu.Lock()
	if a.windows[key] != w || w.state != StateCollecting {
		// Already sealed by size or by Close.
		a.mu.Unlock()
		return
	}
	a.seal(key, w)
	a.mu.Unlock()

	defer a.flushes.Done()
	a.flush(context.Background(), w, "timeout")
}

func (a *Aggregator) flush(ctx context.Context, w *Window, trigger string) {
	if w.prev != nil {
		<-w.prev
	}
	defer func() {
		a.mu.Lock()
		w.state = StateClosed
		if a.tails[w.Key] == w.done {
			delete(a.tails, w.Key)
		}
		a.mu.Unlock()
		close(w.done)
	}()

	b, err := a.builder.HashBatch(w.events, w.Tier)
	if err != nil {
		a.logger.Error("batch digest failed",
			"stream", w.Key, "window", w.ID, "members", len(w.events),
			"severity", contracts.SeverityOf(contracts.KindOf(err)), "error", err)
		return
	}
	a.logger.Info("window flushed",
		"stream", w.Key, "window", w.ID, "trigger", trigger,
		"members", b.Record.MemberCount, "digest", b.Record.DigestHex)

	if a.onFlush == nil {
		return
	}
	if err := a.onFlush(ctx, b); err != nil {
		a.logger.Error("batch hand-off failed", "stream", w.Key, "digest", b.Record.DigestHex, "error", err)
	}
}
