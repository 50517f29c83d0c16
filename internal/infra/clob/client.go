// Package clob is the REST collaborator boundary: full book snapshots
// for resync, static market metadata and order submission. The client
// never originates credentials; pre-signed headers come in opaquely
// through a HeaderProvider.
package clob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/jmenglis/polyfill-go/internal/domain"
	"github.com/jmenglis/polyfill-go/internal/infra"
	"github.com/jmenglis/polyfill-go/pkg/quant"
)

// HeaderProvider supplies pre-signed request headers. The client treats
// them as opaque and never branches on their content.
type HeaderProvider interface {
	Headers(method, path string, body []byte) (http.Header, error)
}

// StaticHeaders is a HeaderProvider for fixed, already-signed headers.
type StaticHeaders map[string]string

func (h StaticHeaders) Headers(string, string, []byte) (http.Header, error) {
	out := make(http.Header, len(h))
	for k, v := range h {
		out.Set(k, v)
	}
	return out, nil
}

// Client talks to the venue's REST API with rate limiting, bounded
// retry on transient failures and circuit breaking on the snapshot
// path.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *infra.RateLimiter
	breaker    *infra.CircuitBreaker
	backoff    infra.BackoffPolicy
	maxRetries int
	auth       HeaderProvider
}

// New creates a client from config. dns may be nil to use the default
// dialer; auth may be nil for the public market-data endpoints.
func New(cfg *infra.Config, dns *infra.DNSCache, auth HeaderProvider) *Client {
	transport := &http.Transport{
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if dns != nil {
		transport.DialContext = dns.DialContext
	}

	return &Client{
		baseURL: cfg.Rest.BaseURL,
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.Rest.TimeoutSec) * time.Second,
			Transport: transport,
		},
		limiter:    infra.NewRateLimiter(cfg.Rest.RateLimit.Burst, cfg.Rest.RateLimit.PerSecond),
		breaker:    infra.NewCircuitBreaker("clob-rest"),
		backoff:    infra.BackoffPolicy{Base: 500 * time.Millisecond, Max: 10 * time.Second},
		maxRetries: cfg.Rest.MaxRetries,
		auth:       auth,
	}
}

// FetchBook fetches the full book snapshot for a token. Implements
// book.SnapshotFetcher. Transient failures surface as TransportError so
// the manager keeps the book OutOfSync and retries per its own policy.
func (c *Client) FetchBook(ctx context.Context, tokenID string) (*domain.BookSnapshot, error) {
	var resp bookResponse
	q := url.Values{"token_id": {tokenID}}
	if err := c.get(ctx, "/book", q, &resp); err != nil {
		return nil, err
	}

	snap := &domain.BookSnapshot{
		TokenID:  tokenID,
		Sequence: resp.Sequence,
	}
	if resp.Timestamp != "" {
		ms, err := strconv.ParseInt(resp.Timestamp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("book timestamp %q: %w", resp.Timestamp, err)
		}
		snap.Timestamp = quant.FromUnixMilli(ms)
	}

	var err error
	if snap.Bids, err = parseLevels(resp.Bids, true); err != nil {
		return nil, err
	}
	if snap.Asks, err = parseLevels(resp.Asks, false); err != nil {
		return nil, err
	}
	return snap, nil
}

// parseLevels converts wire levels to domain levels ordered best-first.
// The venue sends both sides worst-first, so ordering is imposed here
// rather than trusted.
func parseLevels(wire []wireLevel, bids bool) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(wire))
	for _, w := range wire {
		price, err := quant.ParseDecimal(w.Price)
		if err != nil {
			return nil, fmt.Errorf("book level price: %w", err)
		}
		size, err := quant.ParseDecimal(w.Size)
		if err != nil {
			return nil, fmt.Errorf("book level size: %w", err)
		}
		if size.IsZero() {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if bids {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, nil
}

// Markets fetches one page of market metadata. Empty cursor starts from
// the beginning; the returned page carries the next cursor.
func (c *Client) Markets(ctx context.Context, cursor string) (*MarketsPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("next_cursor", cursor)
	}
	var page MarketsPage
	if err := c.get(ctx, "/markets", q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// TickSize fetches the minimum price increment for a token.
func (c *Client) TickSize(ctx context.Context, tokenID string) (string, error) {
	var resp tickSizeResponse
	q := url.Values{"token_id": {tokenID}}
	if err := c.get(ctx, "/tick-size", q, &resp); err != nil {
		return "", err
	}
	return resp.MinimumTickSize, nil
}

// PostOrder submits an already-signed order payload verbatim. The
// payload's internal structure is the signer's business, not ours.
func (c *Client) PostOrder(ctx context.Context, signedOrder json.RawMessage) (*OrderResponse, error) {
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, "/order", nil, []byte(signedOrder), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrder cancels an order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*CancelResponse, error) {
	body, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return nil, err
	}
	var resp CancelResponse
	if err := c.do(ctx, http.MethodDelete, "/order", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, out)
}

// do runs one request through the limiter, breaker and bounded retry.
// Only transient failures are retried: timeouts, connection faults,
// 429 and 5xx. Auth and validation failures cannot succeed on retry.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff.Delay(attempt - 1)
			slog.Debug("retrying request", "method", method, "path", path, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.doOnce(ctx, method, path, q, body, out)
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	if !c.breaker.Allow() {
		return &domain.TransportError{Op: method + " " + path, Err: domain.ErrCircuitOpen}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		hdrs, err := c.auth.Headers(method, path, body)
		if err != nil {
			return fmt.Errorf("auth headers: %w", err)
		}
		for k, vs := range hdrs {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return &domain.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.breaker.RecordFailure()
		return fmt.Errorf("%s %s: %w", method, path, domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		return &domain.TransportError{
			Op:  method + " " + path,
			Err: fmt.Errorf("status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		// Not transient: retrying an auth/validation failure cannot
		// succeed.
		c.breaker.RecordSuccess()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, payload)
	}

	c.breaker.RecordSuccess()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
