package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/resiliency"
)

func gateway(t *testing.T, handle func(digest string) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, Method, req.Method)
		require.Len(t, req.Params, 1)
		code, body := handle(req.Params[0].(string))
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_Confirmed(t *testing.T) {
	srv := gateway(t, func(digest string) (int, string) {
		assert.Equal(t, "ab", digest)
		return 200, `{"jsonrpc":"2.0","id":1,"result":{"confirmation_count":6,"block_height":100,"block_hash":"00aa","is_confirmed":true}}`
	})
	c := NewHTTPClient(srv.URL, time.Second)

	status, err := c.QueryTransaction(context.Background(), "ab")
	require.NoError(t, err)
	assert.True(t, status.IsConfirmed)
	assert.Equal(t, int64(6), status.ConfirmationCount)
	require.NotNil(t, status.BlockHeight)
	assert.Equal(t, int64(100), *status.BlockHeight)
}

func TestHTTPClient_NotFoundIsZeroStatus(t *testing.T) {
	srv := gateway(t, func(string) (int, string) {
		return 200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32004,"message":"unknown digest"}}`
	})
	status, err := NewHTTPClient(srv.URL, time.Second).QueryTransaction(context.Background(), "ab")
	require.NoError(t, err)
	assert.Equal(t, contracts.LedgerStatus{}, status)
}

func TestHTTPClient_Errors(t *testing.T) {
	cases := []struct {
		name string
		code int
		body string
		kind contracts.ErrorKind
	}{
		{"server error", 503, "unavailable", contracts.KindTransient},
		{"throttled", 429, "", contracts.KindTransient},
		{"bad request", 400, "bad digest", contracts.KindValidation},
		{"rpc error", 200, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"node syncing"}}`, contracts.KindTransient},
		{"garbage", 200, `not json`, contracts.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := gateway(t, func(string) (int, string) { return tc.code, tc.body })
			_, err := NewHTTPClient(srv.URL, time.Second).QueryTransaction(context.Background(), "ab")
			require.Error(t, err)
			assert.Equal(t, tc.kind, contracts.KindOf(err))
		})
	}
}

func TestHTTPClient_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPClient(srv.URL, 5*time.Second).QueryTransaction(ctx, "ab")
	require.Error(t, err)
	assert.Equal(t, contracts.KindTransient, contracts.KindOf(err))
}

func TestHTTPClient_BreakerOpens(t *testing.T) {
	calls := 0
	srv := gateway(t, func(string) (int, string) { calls++; return 502, "" })
	c := NewHTTPClient(srv.URL, time.Second, WithBreaker(resiliency.NewCircuitBreaker("ledger", 2, time.Hour)))

	for i := 0; i < 4; i++ {
		_, err := c.QueryTransaction(context.Background(), "ab")
		require.Error(t, err)
	}
	assert.Equal(t, 2, calls)
}

func TestHTTPClient_RateLimitHonoursContext(t *testing.T) {
	srv := gateway(t, func(string) (int, string) { return 200, `{"jsonrpc":"2.0","id":1,"result":{}}` })
	c := NewHTTPClient(srv.URL, time.Second, WithRateLimit(0.001, 1))

	_, err := c.QueryTransaction(context.Background(), "ab")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.QueryTransaction(ctx, "ab")
	require.Error(t, err)
	assert.Equal(t, contracts.KindTransient, contracts.KindOf(err))
}

func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "ledger-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCommandClient(t *testing.T) {
	path := script(t, `echo "{\"confirmation_count\": 2, \"is_confirmed\": true, \"block_hash\": \"$2\"}"`)
	c, err := NewCommandClient(path + " status")
	require.NoError(t, err)

	status, err := c.QueryTransaction(context.Background(), "cafe")
	require.NoError(t, err)
	assert.True(t, status.IsConfirmed)
	require.NotNil(t, status.BlockHash)
	assert.Equal(t, "cafe", *status.BlockHash)
}

func TestCommandClient_FailureAndTimeout(t *testing.T) {
	failing := script(t, `echo "node down" >&2; exit 3`)
	c, err := NewCommandClient(failing)
	require.NoError(t, err)
	_, err = c.QueryTransaction(context.Background(), "ab")
	require.Error(t, err)
	assert.Equal(t, contracts.KindTransient, contracts.KindOf(err))
	assert.Contains(t, err.Error(), "node down")

	slow := script(t, `exec sleep 5`)
	c, err = NewCommandClient(slow)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.QueryTransaction(ctx, "ab")
	require.Error(t, err)
	assert.Equal(t, contracts.KindTransient, contracts.KindOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)

	_, err = NewCommandClient("  ")
	require.Error(t, err)
}
