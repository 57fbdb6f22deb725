// Package upstream performs single-attempt outbound HTTP calls with a
// bounded timeout and normalizes transport failures into a typed error.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrorKind classifies what went wrong talking to an upstream API
type ErrorKind int

const (
	// KindTimeout means no response arrived within the configured timeout
	KindTimeout ErrorKind = iota
	// KindBadStatus means the upstream answered with a non-2xx status
	KindBadStatus
	// KindDecode means the body was not the JSON we expected
	KindDecode
	// KindTransport covers connection-level failures (refused, reset, DNS)
	KindTransport
)

// Error is the single failure type all clients surface
type Error struct {
	Kind   ErrorKind
	URL    string
	Status int    // set for KindBadStatus
	Body   []byte // first bytes of a non-2xx body, for upstream error details
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("request to %s timed out", e.URL)
	case KindBadStatus:
		return fmt.Sprintf("%s returned status %d", e.URL, e.Status)
	case KindDecode:
		return fmt.Sprintf("decode response from %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// AsError returns err as *Error when it is one
func AsError(err error) (*Error, bool) {
	var ue *Error
	ok := errors.As(err, &ue)
	return ue, ok
}

// Client issues HTTP calls bounded by a per-request timeout. No retries:
// the exchange APIs are treated as already-fast, single-attempt services.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient swaps the underlying http.Client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a Client with a 10s default timeout
func New(opts ...Option) *Client {
	c := &Client{
		http:    http.DefaultClient,
		timeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetJSON fetches url and decodes the 2xx body into out. Passing the
// inbound request context means a client disconnect cancels the call.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	return c.do(ctx, http.MethodGet, url, nil, out)
}

// PostJSON sends body as JSON to url and decodes the response into out
func (c *Client) PostJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Kind: KindDecode, URL: url, Err: err}
	}
	return c.do(ctx, http.MethodPost, url, payload, out)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return &Error{Kind: KindTransport, URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, URL: url, Err: err}
		}
		return &Error{Kind: KindTransport, URL: url, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_, _ = io.Copy(io.Discard, resp.Body)
		return &Error{Kind: KindBadStatus, URL: url, Status: resp.StatusCode, Body: snippet}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: KindTimeout, URL: url, Err: err}
		}
		return &Error{Kind: KindTransport, URL: url, Err: err}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Kind: KindDecode, URL: url, Err: err}
		}
	}
	return nil
}
