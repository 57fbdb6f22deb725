// Package upbit is a minimal client for the Upbit public ticker API.
package upbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/kimchispread/kimchiproxy/internal/upstream"
)

const DefaultBaseURL = "https://api.upbit.com"

// ErrMarketNotFound means Upbit answered but had no ticker for the market
var ErrMarketNotFound = errors.New("upbit: market not found")

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

// Ticker returns the raw ticker object for a market code such as KRW-BTC.
// Upbit responds with an array; an empty array means the market does not
// exist and surfaces as ErrMarketNotFound.
func (c *Client) Ticker(ctx context.Context, market string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/v1/ticker?markets=%s", c.baseURL, url.QueryEscape(market))

	var tickers []json.RawMessage
	if err := c.fetch.GetJSON(ctx, u, &tickers); err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, ErrMarketNotFound
	}
	return tickers[0], nil
}

// TradePrice returns the last trade price for a market
func (c *Client) TradePrice(ctx context.Context, market string) (float64, error) {
	raw, err := c.Ticker(ctx, market)
	if err != nil {
		return 0, err
	}

	var t struct {
		TradePrice float64 `json:"trade_price"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return 0, fmt.Errorf("upbit: decode ticker for %s: %w", market, err)
	}
	return t.TradePrice, nil
}
