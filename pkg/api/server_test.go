package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/anchor/pkg/anchor"
	"github.com/Mindburn-Labs/anchor/pkg/archive"
	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/handoff"
	"github.com/Mindburn-Labs/anchor/pkg/ledger"
	"github.com/Mindburn-Labs/anchor/pkg/store"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *anchor.Service) {
	t.Helper()
	client := ledger.ClientFunc(func(context.Context, string) (contracts.LedgerStatus, error) {
		return contracts.LedgerStatus{ConfirmationCount: 3, IsConfirmed: true}, nil
	})
	svc, err := anchor.New(anchor.Deps{
		Store:   store.NewMemoryStore(),
		Queue:   handoff.NewMemoryQueue(),
		Ledger:  client,
		Archive: archive.New(archive.NewMemoryBlobs()),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(NewServer(svc, opts...).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = svc.Close(context.Background())
	})
	return ts, svc
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func submitImmediate(t *testing.T, base, id string) string {
	t.Helper()
	resp := post(t, base+"/v1/events", SubmitRequest{
		ID:       id,
		TenantID: "acme",
		Payload:  json.RawMessage(`{"sku":"A-1"}`),
		Tier:     "premium",
		Mode:     contracts.ModeImmediate,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	dec := decodeBody[contracts.AnchoringDecision](t, resp)
	require.NotEmpty(t, dec.RecordDigest)
	return dec.RecordDigest
}

func TestSubmitAndTrack(t *testing.T) {
	ts, _ := newTestServer(t)
	digest := submitImmediate(t, ts.URL, "evt-1")

	resp := get(t, ts.URL+"/v1/transactions/"+digest)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tx := decodeBody[contracts.Transaction](t, resp)
	assert.Equal(t, contracts.TxSubmitted, tx.Status)
	assert.NotEmpty(t, resp.Header.Get(requestIDHeader))

	resp = post(t, ts.URL+"/v1/transactions/"+digest+"/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tx = decodeBody[contracts.Transaction](t, resp)
	assert.Equal(t, contracts.TxConfirmed, tx.Status)
	assert.EqualValues(t, 3, tx.ConfirmationCount)

	resp = get(t, ts.URL+"/v1/records/"+digest+"/proof?event_id=evt-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	proof := decodeBody[anchor.InclusionProof](t, resp)
	assert.Equal(t, "evt-1", proof.EventID)
	assert.Equal(t, digest, proof.MerkleRoot)
}

func TestSubmit_UnknownMode(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := post(t, ts.URL+"/v1/events", SubmitRequest{
		ID:       "evt-1",
		TenantID: "acme",
		Payload:  json.RawMessage(`{}`),
		Tier:     "standard",
		Mode:     "whenever",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	p := decodeBody[ProblemDetail](t, resp)
	assert.Equal(t, contracts.KindValidation, p.Kind)
	assert.Equal(t, "/v1/events", p.Instance)
}

func TestSubmit_BadBody(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/events", "application/json", strings.NewReader(`{"id":`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := post(t, ts.URL+"/v1/events", map[string]any{"id": "x", "unexpected": true})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestTransaction_NotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := get(t, ts.URL+"/v1/transactions/"+strings.Repeat("ab", 32))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, ts.URL+"/v1/records/"+strings.Repeat("ab", 32)+"/proof?event_id=x")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, ts.URL+"/v1/records/"+strings.Repeat("ab", 32)+"/proof")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcastConflict(t *testing.T) {
	ts, _ := newTestServer(t)
	digest := submitImmediate(t, ts.URL, "evt-b")

	resp := post(t, ts.URL+"/v1/transactions/"+digest+"/broadcast", broadcastRequest{LedgerTxID: "0xaa"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, ts.URL+"/v1/transactions/"+digest+"/broadcast", broadcastRequest{LedgerTxID: "0xbb"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandoffPendingAndAck(t *testing.T) {
	ts, _ := newTestServer(t)
	submitImmediate(t, ts.URL, "evt-h")

	resp := get(t, ts.URL+"/v1/handoff/pending?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decodeBody[[]contracts.HandoffMessage](t, resp)
	require.Len(t, msgs, 1)

	resp = post(t, fmt.Sprintf("%s/v1/handoff/%d/ack", ts.URL, msgs[0].Sequence), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = get(t, ts.URL+"/v1/handoff/pending")
	assert.Empty(t, decodeBody[[]contracts.HandoffMessage](t, resp))

	resp = post(t, ts.URL+"/v1/handoff/zero/ack", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeadLetters(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := get(t, ts.URL+"/v1/deadletters?resolved=false")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]*contracts.DeadLetterEntry](t, resp))

	resp = get(t, ts.URL+"/v1/deadletters?resolved=maybe")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, ts.URL+"/v1/deadletters?limit=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/deadletters/missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/deadletters/missing/resolve", resolveRequest{Note: "n/a"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := get(t, ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decodeBody[anchor.Health](t, resp)
	assert.Equal(t, "ok", h.Status)
}

func TestRateLimitExemptsHealthz(t *testing.T) {
	ts, _ := newTestServer(t, WithRateLimiter(NewRateLimiter(1, 1)))

	resp := get(t, ts.URL+"/v1/deadletters")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = get(t, ts.URL+"/v1/deadletters")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	resp = get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubscribe(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := get(t, ts.URL+"/v1/subscribe")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/subscribe?tenant=acme"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade completes.
	require.Eventually(t, func() bool {
		return healthSubscribers(t, ts.URL) == 1
	}, time.Second, 10*time.Millisecond)

	digest := submitImmediate(t, ts.URL, "evt-ws")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var n contracts.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, contracts.NotifySubmitted, n.Type)
	assert.Equal(t, digest, n.DigestHex)
}

func healthSubscribers(t *testing.T, base string) int {
	return decodeBody[anchor.Health](t, get(t, base+"/healthz")).Subscribers
}
