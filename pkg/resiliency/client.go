// Package resiliency wraps http.Client with the gateway's outbound-call
// policy: explicit per-attempt timeouts, bounded retries with exponential
// backoff and jitter on transient failures, and optional circuit-breaker
// coupling. Every external HTTP call a connector or settlement tracker
// makes goes through this client; nothing in the gateway retries
// unboundedly.
package resiliency

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"math"
	"math/big"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/keel/core/pkg/errcode"
)

// Config bounds the retry loop.
type Config struct {
	Timeout     time.Duration // per-attempt timeout
	MaxRetries  int           // retries after the first attempt
	BackoffBase time.Duration // first backoff step, doubled per attempt
	MaxJitter   time.Duration // uniform random addition per backoff
}

// DefaultConfig retries three times over roughly a second.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		BackoffBase: 100 * time.Millisecond,
		MaxJitter:   50 * time.Millisecond,
	}
}

// Admitter is the circuit-breaker hook. When set, the client consults it
// before the first attempt and reports the final outcome.
type Admitter interface {
	Allow() bool
	Success()
	Failure()
}

// Client executes HTTP requests under the retry policy.
type Client struct {
	cfg      Config
	client   *http.Client
	admitter Admitter
	family   string
}

// NewClient builds a client for a connector family; the family tags the
// error codes it produces (<FAMILY>_HTTP_ERROR).
func NewClient(family string, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		family: family,
	}
}

// WithAdmitter couples the client to a circuit breaker.
func (c *Client) WithAdmitter(a Admitter) *Client {
	c.admitter = a
	return c
}

// WithTransport overrides the underlying transport (tests).
func (c *Client) WithTransport(rt http.RoundTripper) *Client {
	c.client.Transport = rt
	return c
}

// retryable reports whether a response status warrants another attempt:
// upstream overload (429) and server-side failures (5xx).
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Do executes the request, retrying transient failures with increasing
// backoff. The request must carry a context; its cancellation aborts both
// attempts and backoff sleeps.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.admitter != nil && !c.admitter.Allow() {
		return nil, errcode.Newf(errcode.CodeBreakerOpen,
			"circuit breaker open for family %q", c.family)
	}

	var resp *http.Response
	var err error
	var lastStatus int

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if req.Body != nil && req.GetBody == nil {
				break // body cannot be replayed; surface the last failure
			}
			if req.GetBody != nil {
				body, berr := req.GetBody()
				if berr != nil {
					break
				}
				req.Body = body
			}
			if werr := c.sleep(req.Context(), attempt); werr != nil {
				return nil, werr
			}
		}

		resp, err = c.client.Do(req)
		if err == nil && !retryable(resp.StatusCode) {
			if c.admitter != nil {
				c.admitter.Success()
			}
			return resp, nil
		}
		if resp != nil {
			lastStatus = resp.StatusCode
			_ = resp.Body.Close()
			resp = nil
		}
	}

	if c.admitter != nil {
		c.admitter.Failure()
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.FamilyCode(c.family, errcode.SuffixHTTPError), err,
			"request failed after bounded retries").AsRetryable()
	}
	return nil, errcode.Newf(errcode.FamilyCode(c.family, errcode.SuffixHTTPError),
		"upstream returned status %d after bounded retries", lastStatus).
		WithDetail("status", lastStatus).AsRetryable()
}

// sleep waits for the attempt's backoff (base * 2^(attempt-1) + jitter),
// honoring context cancellation.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.cfg.BackoffBase
	if c.cfg.MaxJitter > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(c.cfg.MaxJitter.Nanoseconds())); err == nil {
			backoff += time.Duration(n.Int64())
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

// GetJSON fetches url and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errcode.Wrap(errcode.FamilyCode(c.family, errcode.SuffixHTTPError), err, "build request")
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return c.decode(resp, out)
}

// PostJSON sends body as JSON to url and decodes the response into out
// (skipped when out is nil). Headers, when supplied, are applied before
// sending; connectors use this for signed requests.
func (c *Client) PostJSON(ctx context.Context, url string, body, out any, headers map[string]string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errcode.Wrap(errcode.FamilyCode(c.family, errcode.SuffixHTTPError), err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errcode.Wrap(errcode.FamilyCode(c.family, errcode.SuffixHTTPError), err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return c.decode(resp, out)
}

func (c *Client) decode(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errcode.Newf(errcode.FamilyCode(c.family, errcode.SuffixHTTPError),
			"upstream returned status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", string(snippet))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errcode.Wrap(errcode.FamilyCode(c.family, errcode.SuffixHTTPError), err,
			"decode upstream response")
	}
	return nil
}
