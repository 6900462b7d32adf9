package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/anchor/pkg/anchor"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/notify"
)

const maxBodyBytes = 1 << 20

// Pipeline is the part of the anchoring service exposed over HTTP.
type Pipeline interface {
	SubmitEvent(ctx context.Context, ev contracts.Event, tier string, mode contracts.AnchoringMode) (contracts.AnchoringDecision, error)
	GetTransactionStatus(ctx context.Context, digestHex string) (*contracts.Transaction, error)
	CheckTransactionNow(ctx context.Context, digestHex string) (*contracts.Transaction, error)
	ReportBroadcast(ctx context.Context, digestHex, ledgerTxID string) (*contracts.Transaction, error)
	GetInclusionProof(ctx context.Context, digestHex, eventID string) (*anchor.InclusionProof, error)
	ListDeadLetters(ctx context.Context, f contracts.DeadLetterFilter) ([]*contracts.DeadLetterEntry, error)
	RequeueDeadLetter(ctx context.Context, ref string) (*contracts.DeadLetterEntry, error)
	ResolveDeadLetter(ctx context.Context, ref, note string) (*contracts.DeadLetterEntry, error)
	PendingHandoffs(ctx context.Context, limit int) ([]contracts.HandoffMessage, error)
	AckHandoff(ctx context.Context, sequence int64) error
	Hub() *notify.Hub
	Health(ctx context.Context) anchor.Health
}

// Server routes HTTP requests to a Pipeline.
type Server struct {
	p       Pipeline
	limiter *RateLimiter
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRateLimiter enforces per-IP limits on every route except /healthz.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer returns a Server for p.
func NewServer(p Pipeline, opts ...Option) *Server {
	s := &Server{p: p, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/events", s.handleSubmit)
	v1.HandleFunc("GET /v1/transactions/{digest}", s.handleTransaction)
	v1.HandleFunc("POST /v1/transactions/{digest}/check", s.handleCheck)
	v1.HandleFunc("POST /v1/transactions/{digest}/broadcast", s.handleBroadcast)
	v1.HandleFunc("GET /v1/records/{digest}/proof", s.handleProof)
	v1.HandleFunc("GET /v1/deadletters", s.handleListDeadLetters)
	v1.HandleFunc("POST /v1/deadletters/{id}/requeue", s.handleRequeue)
	v1.HandleFunc("POST /v1/deadletters/{id}/resolve", s.handleResolve)
	v1.HandleFunc("GET /v1/handoff/pending", s.handlePending)
	v1.HandleFunc("POST /v1/handoff/{sequence}/ack", s.handleAck)
	v1.HandleFunc("GET /v1/subscribe", s.handleSubscribe)

	var routed http.Handler = v1
	if s.limiter != nil {
		routed = s.limiter.Middleware(v1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("/v1/", routed)
	return withRequestContext(s.logger, mux)
}

// SubmitRequest is the body of POST /v1/events.
type SubmitRequest struct {
	ID       string                  `json:"id"`
	TenantID string                  `json:"tenant_id"`
	Payload  json.RawMessage         `json:"payload"`
	Priority string                  `json:"priority,omitempty"`
	Tier     string                  `json:"tier"`
	Mode     contracts.AnchoringMode `json:"mode,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Tier == "" {
		req.Tier = contracts.TierStandard
	}
	ev := contracts.Event{ID: req.ID, TenantID: req.TenantID, Payload: req.Payload, Priority: req.Priority}
	dec, err := s.p.SubmitEvent(r.Context(), ev, req.Tier, req.Mode)
	if err != nil {
		WriteServiceError(w, r, s.logger, err)
		return
	}
	status := http.StatusAccepted
	if !dec.Accepted {
		status = http.StatusOK
	}
	writeJSON(w, status, dec)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := s.p.GetTransactionStatus(r.Context(), r.PathValue("digest"))
	s.reply(w, r, tx, err)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	tx, err := s.p.CheckTransactionNow(r.Context(), r.PathValue("digest"))
	s.reply(w, r, tx, err)
}

type broadcastRequest struct {
	LedgerTxID string `json:"ledger_tx_id"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !s.decode(w, r, &req) {
		return
	}
	tx, err := s.p.ReportBroadcast(r.Context(), r.PathValue("digest"), req.LedgerTxID)
	s.reply(w, r, tx, err)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		WriteBadRequest(w, r, "event_id is required")
		return
	}
	p, err := s.p.GetInclusionProof(r.Context(), r.PathValue("digest"), eventID)
	s.reply(w, r, p, err)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := contracts.DeadLetterFilter{
		OperationID: q.Get("operation_id"),
		Operation:   q.Get("operation"),
		Status:      contracts.DeadLetterStatus(q.Get("status")),
		TenantID:    q.Get("tenant"),
	}
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteBadRequest(w, r, "resolved must be true or false")
			return
		}
		f.Resolved = &b
	}
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	f.Limit = limit

	entries, err := s.p.ListDeadLetters(r.Context(), f)
	if entries == nil {
		entries = []*contracts.DeadLetterEntry{}
	}
	s.reply(w, r, entries, err)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	e, err := s.p.RequeueDeadLetter(r.Context(), r.PathValue("id"))
	s.reply(w, r, e, err)
}

type resolveRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	e, err := s.p.ResolveDeadLetter(r.Context(), r.PathValue("id"), req.Note)
	s.reply(w, r, e, err)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}
	if limit == 0 {
		limit = 100
	}
	msgs, err := s.p.PendingHandoffs(r.Context(), limit)
	if msgs == nil {
		msgs = []contracts.HandoffMessage{}
	}
	s.reply(w, r, msgs, err)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(r.PathValue("sequence"), 10, 64)
	if err != nil || seq <= 0 {
		WriteBadRequest(w, r, "sequence must be a positive integer")
		return
	}
	if err := s.p.AckHandoff(r.Context(), seq); err != nil {
		WriteServiceError(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if _, err := notify.RoomsFromRequest(r); err != nil {
		WriteServiceError(w, r, s.logger, err)
		return
	}
	s.p.Hub().ServeWS(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.p.Health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		WriteServiceError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		WriteBadRequest(w, r, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
