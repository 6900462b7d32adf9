package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/anchor/pkg/anchor"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/digest"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"anchord"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	orig := startServer
	t.Cleanup(func() { startServer = orig })
	calls := 0
	startServer = func(io.Writer, io.Writer) int { calls++; return 0 }

	code, _, _ := run()
	assert.Equal(t, 0, code)
	code, _, _ = run("serve")
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, calls)

	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "dlq requeue")

	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func writeProof(t *testing.T, p anchor.InclusionProof) string {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "proof.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestVerify(t *testing.T) {
	events := make([]*contracts.Event, 4)
	for i := range events {
		events[i] = &contracts.Event{
			ID:       fmt.Sprintf("evt-%d", i),
			TenantID: "acme",
			Payload:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	b, err := digest.NewBuilder().HashBatch(events, "standard")
	require.NoError(t, err)
	proof, err := b.Proof("evt-2")
	require.NoError(t, err)
	good := anchor.InclusionProof{EventID: "evt-2", InclusionProof: *proof}

	code, out, _ := run("verify", "-proof", writeProof(t, good))
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "OK: evt-2")

	code, _, _ = run("verify", "-proof", writeProof(t, good), "-root", b.Record.DigestHex)
	assert.Equal(t, 0, code)

	bad := good
	bad.LeafHash = b.Leaves[0].LeafHash
	code, out, _ = run("verify", "-proof", writeProof(t, bad))
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "INVALID")

	code, _, errOut := run("verify")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "-proof is required")
}

func TestHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anchor.Health{Status: "ok", Store: "ok", OpenWindows: 2})
	}))
	defer healthy.Close()
	code, out, _ := run("health", "-addr", healthy.URL)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "open_windows=2")

	sick := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(anchor.Health{Status: "degraded", Store: "connection refused"})
	}))
	defer sick.Close()
	code, _, errOut := run("health", "-addr", sick.URL)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "connection refused")
}

func TestDLQ_AgainstEmptyStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "file:"+filepath.Join(dir, "anchor.db"))
	t.Setenv("ARCHIVE_STORAGE_TYPE", "memory")
	t.Setenv("HANDOFF_BACKEND", "sql")
	t.Setenv("LEDGER_RPC_URL", "")
	t.Setenv("LEDGER_COMMAND", "")
	t.Setenv("LOG_LEVEL", "ERROR")

	code, out, errOut := run("dlq", "list", "-resolved", "false")
	require.Equal(t, 0, code, errOut)
	var entries []contracts.DeadLetterEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Empty(t, entries)

	code, _, errOut = run("dlq", "requeue", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not found")

	code, _, _ = run("dlq", "resolve")
	assert.Equal(t, 2, code)

	code, _, _ = run("dlq", "list", "-resolved", "perhaps")
	assert.Equal(t, 2, code)

	code, _, _ = run("dlq")
	assert.Equal(t, 2, code)
}
