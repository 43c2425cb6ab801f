// Package upstream fetches EOD account snapshots from the master-data
// service.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fundops/positionloader/internal/breaker"
	"github.com/fundops/positionloader/internal/debug"
	"github.com/fundops/positionloader/internal/types"
)

// Options configures the client.
type Options struct {
	BaseURL        string
	ConnectTimeout time.Duration // default 5s
	ReadTimeout    time.Duration // default 30s
	// Retry bounds the in-pipeline retry of transient failures.
	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
}

// Client calls GET {base}/snapshots/{accountId}?date=YYYY-MM-DD through a
// circuit breaker with bounded retries.
type Client struct {
	base    string
	http    *http.Client
	breaker *breaker.Breaker
	opts    Options
}

// statusError distinguishes HTTP-level failures for retry classification.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d", e.code)
}

// New builds a client. The breaker may be nil (calls pass through).
func New(opts Options, cb *breaker.Breaker) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.RetryMaxAttempts <= 0 {
		opts.RetryMaxAttempts = 3
	}
	if opts.RetryInitialDelay <= 0 {
		opts.RetryInitialDelay = 500 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 10 * time.Second
	}
	if opts.RetryMultiplier < 1 {
		opts.RetryMultiplier = 2
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
	}
	return &Client{
		base: opts.BaseURL,
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.ReadTimeout,
		},
		breaker: cb,
		opts:    opts,
	}
}

// FetchSnapshot retrieves the snapshot for (accountId, businessDate).
// Transport errors and 5xx responses are retried with exponential backoff
// up to the configured attempt budget; 4xx responses and bad payloads
// surface as validation errors without retry. A refusing breaker surfaces
// as a capacity error.
func (c *Client) FetchSnapshot(ctx context.Context, accountID int64, businessDate types.Date) (*types.AccountSnapshot, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.RetryInitialDelay
	bo.MaxInterval = c.opts.RetryMaxDelay
	bo.Multiplier = c.opts.RetryMultiplier
	bo.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time

	var snap *types.AccountSnapshot
	attempts := 0
	operation := func() error {
		attempts++
		s, err := c.fetchOnce(ctx, accountID, businessDate)
		if err == nil {
			snap = s
			return nil
		}
		if !retryableFetchError(err) || attempts >= c.opts.RetryMaxAttempts {
			return backoff.Permanent(err)
		}
		debug.Logf("upstream: fetch %d/%s attempt %d failed: %v\n",
			accountID, businessDate, attempts, err)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, classifyFetchError(err)
	}
	return snap, nil
}

func (c *Client) fetchOnce(ctx context.Context, accountID int64, businessDate types.Date) (*types.AccountSnapshot, error) {
	var snap *types.AccountSnapshot
	call := func() error {
		u := fmt.Sprintf("%s/snapshots/%d?%s", c.base, accountID,
			url.Values{"date": []string{businessDate.String()}}.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			// Drain so the connection is reusable.
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return &statusError{code: resp.StatusCode}
		}

		var s types.AccountSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		snap = &s
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Do(call); err != nil {
			return nil, err
		}
		return snap, nil
	}
	if err := call(); err != nil {
		return nil, err
	}
	return snap, nil
}

// retryableFetchError: transport failures and 5xx retry; everything else
// does not.
func retryableFetchError(err error) bool {
	if errors.Is(err, breaker.ErrOpen) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	// Transport-level error.
	return true
}

// classifyFetchError maps a terminal fetch error to the pipeline taxonomy.
func classifyFetchError(err error) error {
	if errors.Is(err, breaker.ErrOpen) {
		return types.Capacity("upstream circuit breaker open", err)
	}
	var se *statusError
	if errors.As(err, &se) {
		if se.code >= 500 {
			return types.Transient(types.CodeUpstreamFailed, "upstream unavailable", err)
		}
		return types.Validation(types.CodeUpstreamFailed,
			fmt.Sprintf("upstream rejected request (HTTP %d)", se.code), err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.Transient(types.CodeUpstreamFailed, "upstream call cancelled", err)
	}
	return types.Transient(types.CodeUpstreamFailed, "upstream fetch failed", err)
}
