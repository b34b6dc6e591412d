// Package gateway is the HTTP client every upstream adapter calls through.
// It maps transport failures into the shared error taxonomy and carries the
// resilience decorators (circuit breaker, bounded retry) so the
// reconciliation engine stays free of policy.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/therealuhlarzoltan/railsignal/internal/jsoncodec"
	"github.com/therealuhlarzoltan/railsignal/internal/logging"
)

// Options tunes one gateway client. Zero values fall back to defaults.
type Options struct {
	Name            string
	Timeout         time.Duration
	MaxRetries      uint64
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "upstream"
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 2
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	return o
}

// Client issues JSON and raw HTTP calls against one upstream API.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	opts       Options
	logger     logging.ServiceLogger
}

// NewClient constructs a Client with its own breaker state.
func NewClient(opts Options, logger logging.ServiceLogger) *Client {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logging.Nop()
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    opts.Name,
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		breaker:    breaker,
		opts:       opts,
		logger:     logger,
	}
}

// GetJSON fetches url and decodes the body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	body, err := c.fetch(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.decode(url, body, out)
}

// PostJSON sends body as JSON to url and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, url string, body, out any) error {
	payload, err := jsoncodec.Marshal(body)
	if err != nil {
		return &Error{Kind: KindInternal, Op: "POST " + url, Err: err}
	}
	raw, err := c.fetch(ctx, http.MethodPost, url, payload)
	if err != nil {
		return err
	}
	return c.decode(url, raw, out)
}

// GetRaw fetches url and returns the raw body bytes. Used by adapters whose
// upstream speaks protobuf rather than JSON.
func (c *Client) GetRaw(ctx context.Context, url string) ([]byte, error) {
	return c.fetch(ctx, http.MethodGet, url, nil)
}

// fetch runs one logical call: breaker around the HTTP round trip, bounded
// exponential backoff around KindUnavailable failures only.
func (c *Client) fetch(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	op := method + " " + url

	var result []byte
	attempt := func() error {
		raw, err := c.breaker.Execute(func() (any, error) {
			return c.roundTrip(ctx, method, url, body)
		})
		if err != nil {
			classified := c.classify(op, err)
			if !IsUnavailable(classified) {
				return backoff.Permanent(classified)
			}
			return classified
		}
		result = raw.([]byte)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.opts.MaxRetries),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		c.logger.Warn("upstream call failed", logging.LogFields{
			"op":   op,
			"kind": KindOf(err).String(),
		})
		return nil, err
	}
	return result, nil
}

func (c *Client) roundTrip(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{code: resp.StatusCode}
	}
	return raw, nil
}

// statusError carries a non-2xx status through the breaker for classification.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

func (c *Client) classify(op string, err error) error {
	var already *Error
	if errors.As(err, &already) {
		return err
	}

	var status *statusError
	if errors.As(err, &status) {
		kind := KindRejected
		switch {
		case status.code == http.StatusNotFound:
			kind = KindNotFound
		case status.code >= 500:
			kind = KindUnavailable
		}
		return &Error{Kind: kind, StatusCode: status.code, Op: op, Err: err}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}

	if isTimeout(err) {
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Connection refused counts as unavailable too.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func (c *Client) decode(url string, raw []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := jsoncodec.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindFormatMismatch, Op: "decode " + url, Err: err}
	}
	return nil
}
