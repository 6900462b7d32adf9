package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
	"github.com/Mindburn-Labs/anchor/pkg/resiliency"
)

// Method is the JSON-RPC method the ledger gateway exposes.
const Method = "anchor_getTransaction"

// codeNotFound is returned by the gateway for digests it has not seen.
const codeNotFound = -32004

// HTTPClient talks JSON-RPC 2.0 to a ledger gateway.
type HTTPClient struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *resiliency.CircuitBreaker
	nextID  atomic.Int64
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithRateLimit caps outbound queries per second.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(h *HTTPClient) {
		if rps > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithBreaker guards the gateway with a circuit breaker.
func WithBreaker(cb *resiliency.CircuitBreaker) HTTPOption {
	return func(h *HTTPClient) { h.breaker = cb }
}

// NewHTTPClient builds a client for the gateway at url.
func NewHTTPClient(url string, timeout time.Duration, opts ...HTTPOption) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string                  `json:"jsonrpc"`
	ID      int64                   `json:"id"`
	Result  *contracts.LedgerStatus `json:"result"`
	Error   *rpcError               `json:"error"`
}

func (h *HTTPClient) QueryTransaction(ctx context.Context, digestHex string) (contracts.LedgerStatus, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return contracts.LedgerStatus{}, contracts.Wrap(contracts.KindTransient, op, err)
		}
	}
	var status contracts.LedgerStatus
	call := func() error {
		var err error
		status, err = h.query(ctx, digestHex)
		return err
	}
	var err error
	if h.breaker != nil {
		err = h.breaker.Execute(call)
	} else {
		err = call()
	}
	return status, err
}

func (h *HTTPClient) query(ctx context.Context, digestHex string) (contracts.LedgerStatus, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      h.nextID.Add(1),
		Method:  Method,
		Params:  []any{digestHex},
	})
	if err != nil {
		return contracts.LedgerStatus{}, contracts.Wrap(contracts.KindValidation, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return contracts.LedgerStatus{}, contracts.Wrap(contracts.KindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return contracts.LedgerStatus{}, contracts.Wrap(contracts.KindTransient, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return contracts.LedgerStatus{}, contracts.Wrap(contracts.KindTransient, op, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return contracts.LedgerStatus{}, contracts.Errorf(contracts.KindTransient, op, "gateway returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return contracts.LedgerStatus{}, contracts.Errorf(contracts.KindValidation, op, "gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return contracts.LedgerStatus{}, contracts.Errorf(contracts.KindTransient, op, "malformed gateway response: %v", err)
	}
	if out.Error != nil {
		if out.Error.Code == codeNotFound {
			return contracts.LedgerStatus{}, nil
		}
		return contracts.LedgerStatus{}, contracts.Errorf(contracts.KindTransient, op, "rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == nil {
		return contracts.LedgerStatus{}, nil
	}
	return *out.Result, nil
}

var _ Client = (*HTTPClient)(nil)
