package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes caps collaborator responses; loader payloads and webhook
// acks are small, anything larger is a misbehaving peer.
const maxResponseBytes = 4 << 20

// RequestJSON performs an HTTP request with retry for transient failures.
// Retries apply to transport errors and 5xx responses only; business
// rejections come back as 200 bodies and are never retried here. The
// backoff sleep aborts early when ctx is cancelled.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		status, respBody, retryable, err := doJSONOnce(ctx, client, method, url, body, headers)
		if err != nil {
			lastErr = err
			continue
		}
		if retryable && attempt < retries {
			continue
		}
		return status, respBody, nil
	}
	return 0, nil, lastErr
}

func doJSONOnce(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (status int, respBody []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, false, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, true, err
	}
	defer resp.Body.Close()
	respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, true, err
	}
	return resp.StatusCode, respBody, resp.StatusCode >= 500, nil
}
