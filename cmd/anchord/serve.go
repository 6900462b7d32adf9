package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/anchor/pkg/anchor"
	"github.com/Mindburn-Labs/anchor/pkg/api"
	"github.com/Mindburn-Labs/anchor/pkg/archive"
	"github.com/Mindburn-Labs/anchor/pkg/audit"
	"github.com/Mindburn-Labs/anchor/pkg/batch"
	"github.com/Mindburn-Labs/anchor/pkg/config"
	"github.com/Mindburn-Labs/anchor/pkg/confirm"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/handoff"
	"github.com/Mindburn-Labs/anchor/pkg/ledger"
	"github.com/Mindburn-Labs/anchor/pkg/notify"
	"github.com/Mindburn-Labs/anchor/pkg/observability"
	"github.com/Mindburn-Labs/anchor/pkg/resiliency"
	"github.com/Mindburn-Labs/anchor/pkg/retry"
	"github.com/Mindburn-Labs/anchor/pkg/store"
)

const shutdownTimeout = 30 * time.Second

// runtime holds everything wire built, in the order it must be torn down.
type runtime struct {
	svc     *anchor.Service
	closers []func()
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// wire builds the service from cfg. auditOut receives the audit trail. An
// offline runtime never queries the ledger and tolerates its absence.
func wire(ctx context.Context, cfg *config.Config, logger *slog.Logger, auditOut io.Writer, offline bool) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		rt.close()
		return nil, err
	}

	tel, err := observability.New(ctx, observability.Config{
		ServiceName:    "anchord",
		ServiceVersion: version,
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       true,
	}, observability.WithLogger(logger))
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	rt.closers = append(rt.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	})
	metrics, err := observability.NewMetrics(tel.Meter())
	if err != nil {
		return fail(fmt.Errorf("metrics: %w", err))
	}

	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	rt.closers = append(rt.closers, func() { _ = st.Close() })

	queue, err := openQueue(ctx, cfg, st, logger, rt)
	if err != nil {
		return fail(err)
	}

	client, err := openLedger(cfg, offline)
	if err != nil {
		return fail(err)
	}

	tiers := config.DefaultTiers()
	if cfg.TiersFile != "" {
		if tiers, err = config.LoadTiers(cfg.TiersFile); err != nil {
			return fail(err)
		}
	}

	blobs, err := archive.OpenBlobs(ctx, archive.Config{
		Type:    archive.StorageType(cfg.ArchiveStorageType),
		DataDir: cfg.DataDir,
		S3: archive.S3Config{
			Bucket:   cfg.ArchiveS3Bucket,
			Region:   cfg.ArchiveS3Region,
			Endpoint: cfg.ArchiveS3Endpoint,
			Prefix:   cfg.ArchiveS3Prefix,
		},
		GCSBucket: cfg.ArchiveGCSBucket,
		GCSPrefix: cfg.ArchiveGCSPrefix,
	})
	if err != nil {
		return fail(fmt.Errorf("archive: %w", err))
	}

	svc, err := anchor.New(anchor.Deps{
		Tiers:     tiers,
		Store:     st,
		Queue:     queue,
		Ledger:    client,
		Hub:       notify.NewHub(notify.DefaultBuffer, logger),
		Archive:   archive.New(blobs),
		Audit:     audit.NewLoggerWithWriter(auditOut),
		Metrics:   metrics,
		Telemetry: tel,
		Logger:    logger,
		Batch: batch.Config{
			MaxSize: cfg.BatchSize,
			MaxWait: cfg.BatchTimeout,
			Scope:   batch.Scope(cfg.BatchStreamScope),
		},
		Confirm: confirm.Config{
			Interval:     cfg.ConfirmInterval,
			BatchSize:    cfg.ConfirmBatch,
			MaxRetries:   cfg.ConfirmMaxRetries,
			Required:     cfg.ConfirmRequired,
			Parallelism:  cfg.ConfirmParallelism,
			QueryTimeout: cfg.LedgerQueryTimeout,
		},
		SweepInterval: cfg.DLQSweepInterval,
	})
	if err != nil {
		return fail(err)
	}
	rt.svc = svc
	return rt, nil
}

func openQueue(ctx context.Context, cfg *config.Config, st *store.SQLStore, logger *slog.Logger, rt *runtime) (handoff.Queue, error) {
	var q handoff.Queue
	switch cfg.HandoffBackend {
	case "sql":
		sq, err := handoff.NewSQLQueue(ctx, st.DB(), st.Dialect())
		if err != nil {
			return nil, err
		}
		q = sq
	case "redis":
		rq := handoff.NewRedisQueue(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisStream)
		rt.closers = append(rt.closers, func() { _ = rq.Close() })
		if err := rq.Ping(ctx); err != nil {
			return nil, fmt.Errorf("handoff: redis %s: %w", cfg.RedisAddr, err)
		}
		q = rq
	case "memory":
		q = handoff.NewMemoryQueue()
	default:
		return nil, fmt.Errorf("HANDOFF_BACKEND must be sql, redis or memory, got %q", cfg.HandoffBackend)
	}

	policy := retry.GenericPolicy
	policy.MaxAttempts = cfg.DLQMaxAttempts
	breaker := resiliency.NewCircuitBreaker("handoff", 5, 30*time.Second)
	return handoff.NewRetryingQueue(q, retry.New(policy), breaker, logger), nil
}

func openLedger(cfg *config.Config, offline bool) (ledger.Client, error) {
	switch {
	case cfg.LedgerRPCURL != "":
		return ledger.NewHTTPClient(cfg.LedgerRPCURL, cfg.LedgerQueryTimeout,
			ledger.WithRateLimit(float64(cfg.LedgerRPS), cfg.LedgerRPS),
			ledger.WithBreaker(resiliency.NewCircuitBreaker("ledger", 5, time.Minute)),
		), nil
	case cfg.LedgerCommand != "":
		return ledger.NewCommandClient(cfg.LedgerCommand)
	case offline:
		return ledger.ClientFunc(func(context.Context, string) (contracts.LedgerStatus, error) {
			return contracts.LedgerStatus{}, contracts.Errorf(contracts.KindTransient, "ledger", "no ledger configured")
		}), nil
	default:
		return nil, errors.New("one of LEDGER_RPC_URL or LEDGER_COMMAND is required")
	}
}

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := newLogger(cfg.LogLevel, stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := wire(ctx, cfg, logger, stdout, false)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer rt.close()

	loops, cancelLoops := context.WithCancel(context.Background())
	loopsDone := make(chan struct{})
	go func() {
		defer close(loopsDone)
		rt.svc.Run(loops)
	}()

	limiter := api.NewRateLimiter(cfg.APIRPS, cfg.APIBurst)
	go limiter.Run(loops)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(rt.svc, api.WithRateLimiter(limiter), api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("anchord listening", "addr", srv.Addr, "version", version,
			"handoff", cfg.HandoffBackend, "archive", cfg.ArchiveStorageType)
		serveErr <- srv.ListenAndServe()
	}()

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			code = 1
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// Open windows are flushed while the store and queue are still up.
	if err := rt.svc.Close(sctx); err != nil {
		logger.Warn("batch flush on shutdown", "error", err)
	}
	cancelLoops()
	<-loopsDone
	return code
}
