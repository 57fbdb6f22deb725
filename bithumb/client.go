// Package bithumb is a minimal client for the Bithumb public ticker API.
package bithumb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/kimchispread/kimchiproxy/internal/upstream"
)

const DefaultBaseURL = "https://api.bithumb.com"

// APIError is an in-band Bithumb failure: the HTTP call succeeded but the
// payload's status code signals an error (anything other than "0000").
type APIError struct {
	Status  string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("bithumb: status %s", e.Status)
}

type Client struct {
	fetch   *upstream.Client
	baseURL string
}

type Option func(*Client)

func WithBaseURL(raw string) Option {
	return func(c *Client) { c.baseURL = raw }
}

// New creates a Client on top of the shared fetcher
func New(fetch *upstream.Client, opts ...Option) *Client {
	c := &Client{fetch: fetch, baseURL: DefaultBaseURL}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Ticker returns the full payload for a pair code such as BTC_KRW
func (c *Client) Ticker(ctx context.Context, symbol string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/public/ticker/%s", c.baseURL, url.PathEscape(symbol))

	var raw json.RawMessage
	if err := c.fetch.GetJSON(ctx, u, &raw); err != nil {
		return nil, err
	}

	var status struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("bithumb: decode ticker for %s: %w", symbol, err)
	}
	if status.Status != "0000" {
		return nil, &APIError{Status: status.Status, Message: status.Message}
	}
	return raw, nil
}
