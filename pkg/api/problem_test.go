package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/anchor/pkg/anchor"
	"github.com/Mindburn-Labs/anchor/pkg/archive"
	"github.com/Mindburn-Labs/anchor/pkg/audit"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/store"
)

func TestWriteServiceError_Mapping(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := []struct {
		err    error
		status int
		detail bool
	}{
		{fmt.Errorf("lookup: %w", store.ErrNotFound), http.StatusNotFound, true},
		{archive.ErrNotFound, http.StatusNotFound, true},
		{anchor.ErrNoArchive, http.StatusNotImplemented, true},
		{contracts.Errorf(contracts.KindValidation, "x", "bad id"), http.StatusBadRequest, true},
		{contracts.Errorf(contracts.KindEntitlement, "x", "tier"), http.StatusForbidden, true},
		{contracts.Errorf(contracts.KindTransient, "x", "busy"), http.StatusServiceUnavailable, true},
		{contracts.Errorf(contracts.KindLedgerRejection, "x", "nope"), http.StatusBadGateway, true},
		{contracts.Errorf(contracts.KindInvariant, "x", "secret internals"), http.StatusInternalServerError, false},
		{errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/v1/things", nil)
			WriteServiceError(w, r, quiet, tc.err)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			var p ProblemDetail
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
			assert.Equal(t, tc.status, p.Status)
			assert.Equal(t, fmt.Sprintf("%s%d", problemTypeBase, tc.status), p.Type)
			if tc.detail {
				assert.Contains(t, p.Detail, tc.err.Error())
			} else {
				assert.NotContains(t, p.Detail, tc.err.Error())
			}
		})
	}
}

func TestWriteServiceError_TransientSetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	WriteServiceError(w, r, slog.Default(), contracts.Wrap(contracts.KindTransient, "x", context.DeadlineExceeded))
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func TestRateLimiter_PerIPAndPrune(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	call := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/v1/deadletters", nil)
		r.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:5001"))
	assert.Equal(t, http.StatusOK, call("10.0.0.2:5000"))
	assert.Equal(t, http.StatusOK, call("[::1]"))

	assert.Equal(t, 3, rl.Prune())
	now = now.Add(visitorTTL + time.Second)
	assert.Equal(t, 0, rl.Prune())
}

func TestRequestContext_ActorAndRequestID(t *testing.T) {
	var actor string
	h := withRequestContext(slog.Default(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = audit.ActorFrom(r.Context())
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/deadletters/x/resolve", nil)
	r.Header.Set(actorHeader, "ops@acme")
	r.Header.Set(requestIDHeader, "req-7")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "ops@acme", actor)
	assert.Equal(t, "req-7", w.Header().Get(requestIDHeader))

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "system", actor)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}
