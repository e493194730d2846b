package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Call describes one logical request that may be sent several times.
// Headers are resent unchanged on every attempt, so a request id header
// keeps retries idempotent on the server side.
type Call struct {
	Method     string
	URL        string
	Body       []byte
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

type Result struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts int
}

// Do performs the call, retrying transport errors and 5xx responses only.
func Do(ctx context.Context, client *http.Client, c Call) (Result, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, c.RetryDelay); err != nil {
				return Result{Attempts: attempt}, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, bytes.NewReader(c.Body))
		if err != nil {
			return Result{}, err
		}
		if len(c.Body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range c.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		res := Result{Status: resp.StatusCode, Header: resp.Header, Body: body, Attempts: attempt + 1}
		if resp.StatusCode >= 500 && attempt < retries {
			lastErr = nil
			continue
		}
		return res, nil
	}
	return Result{Attempts: retries + 1}, lastErr
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
