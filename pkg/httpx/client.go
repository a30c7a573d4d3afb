package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	replayHeader         = "X-Idempotent-Replay"
	maxRetryAfter        = 30 * time.Second
)

// Response is the result of the final attempt of a request.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts int
}

// Replayed reports whether the server answered from a stored idempotent result.
func (r *Response) Replayed() bool {
	return r != nil && r.Header.Get(replayHeader) == "true"
}

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	resp, err := do(ctx, client, method, url, body, headers, retries, retryDelay, false)
	if err != nil {
		return 0, nil, err
	}
	return resp.Status, resp.Body, nil
}

// SubmitIdempotent sends a mutation with the given idempotency key and
// retries it with the same key after transport errors, 5xx responses and
// 409 answers carrying Retry-After (the first attempt is still running).
// Every attempt sends identical bytes, so a retry either replays the stored
// result or waits for it; it never executes the mutation twice.
func SubmitIdempotent(ctx context.Context, client *http.Client, method, url, key string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (*Response, error) {
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	h[IdempotencyKeyHeader] = key
	return do(ctx, client, method, url, body, h, retries, retryDelay, true)
}

func do(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration, retryInProgress bool) (*Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	attempts := retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < retries {
				if err := sleep(ctx, retryDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if attempt < retries {
				if err := sleep(ctx, retryDelay); err != nil {
					return nil, err
				}
				continue
			}
			return nil, readErr
		}
		out := &Response{Status: resp.StatusCode, Header: resp.Header, Body: respBody, Attempts: attempt + 1}
		if attempt < retries && retryable(resp, retryInProgress) {
			if err := sleep(ctx, retryAfter(resp.Header, retryDelay)); err != nil {
				return nil, err
			}
			continue
		}
		return out, nil
	}
	return nil, lastErr
}

func retryable(resp *http.Response, retryInProgress bool) bool {
	if resp.StatusCode >= 500 {
		return true
	}
	return retryInProgress && resp.StatusCode == http.StatusConflict && resp.Header.Get("Retry-After") != ""
}

func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	secs, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || secs < 0 {
		return fallback
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	if d < fallback {
		return fallback
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
