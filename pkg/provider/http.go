package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpDoer posts JSON to a provider endpoint with a per-call timeout. The
// timeout bounds the only cancellable step in the pipeline; its expiry feeds
// the retry predicate as a retryable error.
type httpDoer struct {
	client  *http.Client
	baseURL string
	apiKey  string
	name    string
	timeout time.Duration
}

func newHTTPDoer(name, baseURL, apiKey string, timeout time.Duration) *httpDoer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &httpDoer{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
		name:    name,
		timeout: timeout,
	}
}

func (d *httpDoer) postJSON(ctx context.Context, path string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s encode request: %w", d.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s build request: %w", d.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return d.do(req, out)
}

func (d *httpDoer) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s build request: %w", d.name, err)
	}
	return d.do(req, out)
}

func (d *httpDoer) do(req *http.Request, out any) error {
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s call: %w", d.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s read response: %w", d.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Provider: d.name, Code: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s decode response: %w", d.name, err)
		}
	}
	return nil
}

// HTTPSwapProvider talks to the custodial swap service over HTTPS.
type HTTPSwapProvider struct {
	doer *httpDoer
}

// NewHTTPSwapProvider creates a swap provider adapter.
func NewHTTPSwapProvider(baseURL, apiKey string, timeout time.Duration) *HTTPSwapProvider {
	return &HTTPSwapProvider{doer: newHTTPDoer("swap-provider", baseURL, apiKey, timeout)}
}

// CreateSwap registers the swap. The idempotency key travels as a header so
// provider-side dedup covers retried requests.
func (p *HTTPSwapProvider) CreateSwap(ctx context.Context, req SwapRequest) (*SwapQuote, error) {
	var quote SwapQuote
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}
	if err := p.doer.postJSON(ctx, "/v1/swaps", headers, req, &quote); err != nil {
		return nil, err
	}
	if quote.Reference == "" || quote.InboundAmount.IsZero() {
		return nil, fmt.Errorf("swap-provider returned incomplete quote for %s", req.IdempotencyKey)
	}
	return &quote, nil
}

// HTTPPayoutProvider talks to the mobile-money disbursement service.
type HTTPPayoutProvider struct {
	doer *httpDoer
}

// NewHTTPPayoutProvider creates a payout provider adapter.
func NewHTTPPayoutProvider(baseURL, apiKey string, timeout time.Duration) *HTTPPayoutProvider {
	return &HTTPPayoutProvider{doer: newHTTPDoer("payout-provider", baseURL, apiKey, timeout)}
}

// Disburse requests the payout, keyed by transaction ID at the provider.
func (p *HTTPPayoutProvider) Disburse(ctx context.Context, req PayoutRequest) (*PayoutAck, error) {
	var ack PayoutAck
	if err := p.doer.postJSON(ctx, "/v1/disbursements", nil, req, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// QueryStatus fetches the provider-side view of a disbursement.
func (p *HTTPPayoutProvider) QueryStatus(ctx context.Context, requestID string) (*PayoutStatus, error) {
	var st PayoutStatus
	if err := p.doer.getJSON(ctx, "/v1/disbursements/"+requestID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
