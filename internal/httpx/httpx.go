package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"time"
)

// UpstreamError is returned when an upstream request ultimately fails.
// Status is 0 when no response was received at all.
type UpstreamError struct {
	URL    string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s -> %d", e.URL, e.Status)
	}
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Transient reports whether a retry is expected to help: connection or
// timeout failures, 429, and 5xx responses.
func (e *UpstreamError) Transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// RetryPolicy bounds the backoff loop. The delay before retry n
// (0-indexed) is BaseDelay * Multiplier^n.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt)))
}

// Client is a small wrapper around http.Client with sane defaults and
// bounded exponential-backoff retry for transient upstream failures.
type Client struct {
	HTTP      *http.Client
	BaseURL   string
	UserAgent string
	Headers   map[string]string
	Retry     RetryPolicy

	log *slog.Logger
}

func New(baseURL string, timeout time.Duration, retry RetryPolicy, log *slog.Logger) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		HTTP:      &http.Client{Timeout: timeout, Transport: transport},
		BaseURL:   baseURL,
		UserAgent: "tokenfeed/1.0",
		Retry:     retry,
		log:       log,
	}
}

// GetJSON issues a GET for path relative to BaseURL and decodes the JSON
// response into dest. Transient failures are retried per the client's
// RetryPolicy; the last error is surfaced unchanged after exhaustion.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, dest any) error {
	u := c.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var last *UpstreamError
	for attempt := 0; ; attempt++ {
		body, uerr := c.getOnce(ctx, u)
		if uerr == nil {
			if dest == nil {
				return nil
			}
			if err := json.Unmarshal(body, dest); err != nil {
				return fmt.Errorf("decode %s: %w", u, err)
			}
			return nil
		}
		last = uerr
		if !uerr.Transient() || attempt >= c.Retry.MaxRetries {
			break
		}
		delay := c.Retry.delay(attempt)
		c.log.Warn("request failed, retrying",
			"url", u, "attempt", attempt+1, "max_retries", c.Retry.MaxRetries,
			"delay", delay, "err", uerr.Error())
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	c.log.Error("request failed after retries", "url", u, "status", last.Status)
	return last
}

func (c *Client) getOnce(ctx context.Context, u string) ([]byte, *UpstreamError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &UpstreamError{URL: u, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &UpstreamError{URL: u, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little for connection reuse; the body is not needed.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2<<10))
		return nil, &UpstreamError{URL: u, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &UpstreamError{URL: u, Err: err}
	}
	return body, nil
}
