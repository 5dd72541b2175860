package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rickgao/depth-mirror/internal/version"
)

// Response headers carrying rate limit state.
const (
	headerUsedWeight = "X-MBX-USED-WEIGHT-1M"
	headerRetryAfter = "Retry-After"
)

// APIError is a non-2xx response. Code and Message come from the exchange's
// {"code":-1121,"msg":"..."} body when present.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	RetryAfter time.Duration // From the Retry-After header, 0 if absent
	Body       []byte
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed if repeated.
// 418 means the IP is banned and is never retried.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type errorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if w, err := strconv.ParseInt(resp.Header.Get(headerUsedWeight), 10, 64); err == nil {
		c.usedWeight.Store(w)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 400 {
		return body, nil
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
		Body:       body,
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Msg != "" {
		apiErr.Code = eb.Code
		apiErr.Message = eb.Msg
	}
	if secs, err := strconv.Atoi(resp.Header.Get(headerRetryAfter)); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return nil, apiErr
}

// doWithRetry repeats retryable failures up to maxRetries times with jittered
// exponential backoff. A Retry-After header overrides the computed delay.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5

	var last error
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		body, err := c.doRequest(ctx, method, path, query)
		if err == nil {
			return body, nil
		}
		last = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, backoff.Permanent(err)
		}
		if apiErr.RetryAfter > 0 {
			return nil, &backoff.RetryAfterError{Duration: apiErr.RetryAfter}
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(c.maxRetries, 0)+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying request", "path", path, "backoff", next, "error", err)
		}),
	)
	if err == nil {
		return body, nil
	}

	var perm *backoff.PermanentError
	switch {
	case errors.As(err, &perm):
		return nil, perm.Err
	case ctx.Err() != nil:
		return nil, err
	default:
		return nil, fmt.Errorf("max retries exceeded: %w", last)
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.doWithRetry(ctx, http.MethodGet, path, query)
}
