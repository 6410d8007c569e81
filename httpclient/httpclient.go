// Package httpclient is the single POST primitive used by Ingest and
// Enrich against the remote audit API: a bearer header, a JSON body,
// a fixed per-attempt timeout, and a bounded retry-with-backoff
// schedule on transient failures.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goaudits/pipeline/clockrand"
	"github.com/goaudits/pipeline/errs"
)

const (
	maxAttempts    = 5
	perAttemptTimeout = 30 * time.Second
)

type Client struct {
	HTTP  *http.Client
	Clock clockrand.Source
}

func New(clock clockrand.Source) *Client {
	return &Client{
		HTTP:  &http.Client{},
		Clock: clock,
	}
}

// PostJSONArray posts body as JSON with a bearer token and decodes the
// response as a top-level JSON array, retrying on transient failures.
// Each []byte element is the raw JSON of one array item, left
// undecoded so callers can apply their own loosely-typed extraction.
func (c *Client) PostJSONArray(ctx context.Context, url string, token string, body any) ([]json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.New(errs.Unexpected, fmt.Errorf("encode request body: %w", err))
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if waitErr := c.wait(ctx, attempt); waitErr != nil {
				return nil, waitErr
			}
		}

		items, classified, retry := c.attempt(ctx, url, token, payload)
		if classified == nil {
			return items, nil
		}
		lastErr = classified
		if !retry {
			return nil, classified
		}
	}
	return nil, lastErr
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	base := 1000 << (attempt - 2)
	if base > 8000 {
		base = 8000
	}
	delay := time.Duration(base)*time.Millisecond + time.Duration(c.Clock.JitterMs(300))*time.Millisecond

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errs.New(errs.TransientRemote, ctx.Err())
	}
}

// attempt performs one HTTP round trip. The bool return reports
// whether the caller's retry budget should be consumed for this class
// of failure.
func (c *Client) attempt(ctx context.Context, url, token string, payload []byte) ([]json.RawMessage, error, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errs.New(errs.Unexpected, err), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, errs.New(errs.TransientRemote, err), true
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.New(errs.Authentication, fmt.Errorf("status %d", resp.StatusCode)), false
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errs.New(errs.TransientRemote, fmt.Errorf("status %d", resp.StatusCode)), true
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errs.New(errs.Unexpected, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 300))), false
	}

	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, errs.New(errs.MalformedResponse, fmt.Errorf("expected JSON array: %w", err)), false
	}
	return items, nil, false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
