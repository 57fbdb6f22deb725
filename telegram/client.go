// Package telegram sends messages through the Telegram Bot API. The bot
// token lives server-side only; relaying through this client is the whole
// reason browsers never see it.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kimchispread/kimchiproxy/internal/upstream"
)

const DefaultBaseURL = "https://api.telegram.org"

// APIError is a failure reported by Telegram itself
type APIError struct {
	Description string
	Status      int
}

func (e *APIError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("telegram API error: %s", e.Description)
	}
	return fmt.Sprintf("telegram API error: status %d", e.Status)
}

type Client struct {
	fetch   *upstream.Client
	baseURL string
	token   string
}

type Option func(*Client)

func WithBaseURL(raw string) Option {
	return func(c *Client) { c.baseURL = raw }
}

// New creates a Client for the given bot token
func New(fetch *upstream.Client, token string, opts ...Option) *Client {
	c := &Client{fetch: fetch, baseURL: DefaultBaseURL, token: token}
	for _, o := range opts {
		o(c)
	}
	return c
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage posts text to a chat. Telegram reports failures both via
// HTTP status and an ok:false payload; both surface as *APIError with the
// upstream description when one is available.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	u := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	body := sendMessageRequest{ChatID: chatID, Text: text, ParseMode: "HTML"}

	var resp sendMessageResponse
	if err := c.fetch.PostJSON(ctx, u, body, &resp); err != nil {
		if ue, ok := upstream.AsError(err); ok {
			// The request URL embeds the bot token; scrub both the URL and
			// the wrapped transport error before anything can reach a log
			// line or response body.
			ue.URL = fmt.Sprintf("%s/bot<redacted>/sendMessage", c.baseURL)
			if ue.Err != nil {
				ue.Err = errors.New(strings.ReplaceAll(ue.Err.Error(), c.token, "<redacted>"))
			}
			if ue.Kind == upstream.KindBadStatus {
				var errResp sendMessageResponse
				if json.Unmarshal(ue.Body, &errResp) == nil && errResp.Description != "" {
					return &APIError{Description: errResp.Description, Status: ue.Status}
				}
				return &APIError{Status: ue.Status}
			}
		}
		return err
	}

	if !resp.OK {
		return &APIError{Description: resp.Description}
	}
	return nil
}
