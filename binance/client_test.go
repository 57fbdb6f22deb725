package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kimchispread/kimchiproxy/internal/upstream"
)

func newTestClient(handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return New(upstream.New(), WithBaseURL(srv.URL)), srv
}

func TestPriceReturnsRawPayload(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			t.Errorf("path = %s, want /api/v3/ticker/price", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %q, want BTCUSDT", got)
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"97123.45000000"}`)) //nolint:errcheck
	})
	defer srv.Close()

	raw, err := c.Price(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if string(raw) != `{"symbol":"BTCUSDT","price":"97123.45000000"}` {
		t.Errorf("Price = %s, want the upstream payload verbatim", raw)
	}
}

func TestPriceMissingFieldIsNotFound(t *testing.T) {
	c, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`)) //nolint:errcheck
	})
	defer srv.Close()

	_, err := c.Price(context.Background(), "NOPE")
	if !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("err = %v, want ErrSymbolNotFound", err)
	}
}
