// Package binance is a minimal client for the Binance public price API.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/kimchispread/kimchiproxy/internal/upstream"
)

const DefaultBaseURL = "https://api.binance.com"

// ErrSymbolNotFound means Binance answered without a price for the symbol
var ErrSymbolNotFound = errors.New("binance: symbol not found")

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

// Price returns the raw price object for a pair code such as BTCUSDT. A
// response without a price field surfaces as ErrSymbolNotFound.
func (c *Client) Price(ctx context.Context, symbol string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, url.QueryEscape(symbol))

	var raw json.RawMessage
	if err := c.fetch.GetJSON(ctx, u, &raw); err != nil {
		return nil, err
	}

	var p struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || p.Price == "" {
		return nil, ErrSymbolNotFound
	}
	return raw, nil
}
