package routes_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimchispread/kimchiproxy/binance"
	"github.com/kimchispread/kimchiproxy/bithumb"
	"github.com/kimchispread/kimchiproxy/internal/cache"
	"github.com/kimchispread/kimchiproxy/internal/config"
	"github.com/kimchispread/kimchiproxy/internal/http/routes"
	"github.com/kimchispread/kimchiproxy/internal/ratelimit"
	"github.com/kimchispread/kimchiproxy/internal/upstream"
	"github.com/kimchispread/kimchiproxy/telegram"
	"github.com/kimchispread/kimchiproxy/upbit"
)

// mock is an httptest upstream whose handler can be swapped per test and
// whose call count backs the cache idempotence assertions.
type mock struct {
	srv     *httptest.Server
	calls   atomic.Int64
	mu      sync.Mutex
	handler http.HandlerFunc
}

func newMock(handler http.HandlerFunc) *mock {
	m := &mock{handler: handler}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.calls.Add(1)
		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()
		h(w, r)
	}))
	return m
}

func (m *mock) set(handler http.HandlerFunc) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

type env struct {
	server   *routes.Server
	upbit    *mock
	binance  *mock
	bithumb  *mock
	telegram *mock
}

// upbitPrices backs the default mock: per-market trade prices chosen so
// the derived USD/KRW rate is exactly 1400.
var upbitPrices = map[string]float64{
	"KRW-BTC":  140000000,
	"USDT-BTC": 100000,
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()

	e := &env{
		upbit: newMock(func(w http.ResponseWriter, r *http.Request) {
			market := r.URL.Query().Get("markets")
			price, ok := upbitPrices[market]
			if !ok {
				fmt.Fprint(w, `[]`)
				return
			}
			fmt.Fprintf(w, `[{"market":%q,"trade_price":%v}]`, market, price)
		}),
		binance: newMock(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"symbol":%q,"price":"97000.10000000"}`, r.URL.Query().Get("symbol"))
		}),
		bithumb: newMock(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"status":"0000","data":{"closing_price":"95000000"}}`)
		}),
		telegram: newMock(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"ok":true}`)
		}),
	}
	t.Cleanup(func() {
		e.upbit.srv.Close()
		e.binance.srv.Close()
		e.bithumb.srv.Close()
		e.telegram.srv.Close()
	})

	cfg := config.Default()
	cfg.TelegramBotToken = "12345:test-token"
	if mutate != nil {
		mutate(&cfg)
	}

	fetch := upstream.New(upstream.WithTimeout(cfg.UpstreamTimeout))

	var tg *telegram.Client
	if cfg.HasTelegram() {
		tg = telegram.New(fetch, cfg.TelegramBotToken, telegram.WithBaseURL(e.telegram.srv.URL))
	}

	e.server = routes.New(routes.ServerOptions{
		Cache:    cache.New(cfg.CacheTTL, cfg.CacheMaxEntries),
		Limiter:  ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitMax),
		Upbit:    upbit.New(fetch, upbit.WithBaseURL(e.upbit.srv.URL)),
		Binance:  binance.New(fetch, binance.WithBaseURL(e.binance.srv.URL)),
		Bithumb:  bithumb.New(fetch, bithumb.WithBaseURL(e.bithumb.srv.URL)),
		Telegram: tg,
		Cfg:      cfg,
	})
	return e
}

func (e *env) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	w := httptest.NewRecorder()
	e.server.Router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), "response should be JSON: %s", w.Body.String())
	return m
}

func requireCORS(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	require.Equal(t, "Content-Type", w.Header().Get("Access-Control-Allow-Headers"))
}

func TestPreflightShortCircuits(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(http.MethodOptions, "/api/upbit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Body.String())
	requireCORS(t, w)
	require.EqualValues(t, 0, e.upbit.calls.Load(), "preflight must not reach the upstream")
}

func TestTickerMissingSymbol(t *testing.T) {
	e := newEnv(t, nil)

	for _, route := range []string{"/api/upbit", "/api/binance", "/api/bithumb"} {
		w := e.do(http.MethodGet, route, nil)
		require.Equal(t, http.StatusBadRequest, w.Code, route)
		body := decode(t, w)
		require.Equal(t, "Bad Request", body["error"], route)
		require.Contains(t, body["message"], "symbol", route)
		requireCORS(t, w)
	}
}

func TestUpbitProxySuccess(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"market":"KRW-BTC","trade_price":140000000}`, w.Body.String())
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	requireCORS(t, w)
}

func TestUpbitUnknownMarket(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(http.MethodGet, "/api/upbit?symbol=KRW-NOPE", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decode(t, w)
	require.Equal(t, "Not Found", body["error"])
	require.Contains(t, body["message"], "KRW-NOPE")
	requireCORS(t, w)
}

func TestBinanceMissingPriceIs404(t *testing.T) {
	e := newEnv(t, nil)
	e.binance.set(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})

	w := e.do(http.MethodGet, "/api/binance?symbol=NOPE", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, decode(t, w)["message"], "NOPE")
}

func TestBithumbStatusErrorIs400(t *testing.T) {
	e := newEnv(t, nil)
	e.bithumb.set(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"5600","message":"Invalid Parameter"}`)
	})

	w := e.do(http.MethodGet, "/api/bithumb?symbol=NOPE_KRW", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	require.Equal(t, "Bad Request", body["error"])
	require.Equal(t, "Invalid Parameter", body["message"])
}

func TestUpstreamBadStatusIs502(t *testing.T) {
	e := newEnv(t, nil)
	e.upbit.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	w := e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "Bad Gateway", decode(t, w)["error"])
	requireCORS(t, w)
}

func TestUpstreamTimeoutIs504(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.UpstreamTimeout = 50 * time.Millisecond
	})
	e.upbit.set(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	start := time.Now()
	w := e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil)
	require.Less(t, time.Since(start), time.Second, "handler must not wait out the upstream")

	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	body := decode(t, w)
	require.Equal(t, "Gateway Timeout", body["error"])
	require.Contains(t, body["message"], "timed out")
}

func TestCachedReplayIsByteIdenticalWithoutRefetch(t *testing.T) {
	e := newEnv(t, nil)

	first := e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil)
	require.Equal(t, http.StatusOK, first.Code)
	require.EqualValues(t, 1, e.upbit.calls.Load())

	second := e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, first.Body.Bytes(), second.Body.Bytes(), "cached replay must be byte-identical")
	require.EqualValues(t, 1, e.upbit.calls.Load(), "replay within the TTL must not hit the upstream")
}

func TestCacheIsPerSymbol(t *testing.T) {
	e := newEnv(t, nil)

	e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil)
	e.do(http.MethodGet, "/api/upbit?symbol=USDT-BTC", nil)
	require.EqualValues(t, 2, e.upbit.calls.Load(), "distinct symbols are distinct cache keys")
}

func TestRateLimitExceeded(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.RateLimitMax = 3
	})

	for i := 0; i < 3; i++ {
		w := e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
	}

	w := e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decode(t, w)
	require.Equal(t, "Too many requests", body["error"])
	requireCORS(t, w)

	// Health stays reachable for probes even when the client is blocked.
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/health", nil).Code)
}

func TestExchangeRate(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(http.MethodGet, "/api/exchange-rate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var result struct {
		Source string `json:"source"`
		Rates  struct {
			USD float64 `json:"USD"`
			KRW float64 `json:"KRW"`
		} `json:"rates"`
		Debug struct {
			BtcKrw      float64 `json:"btcKrw"`
			BtcUsdt     float64 `json:"btcUsdt"`
			Calculation string  `json:"calculation"`
		} `json:"debug"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Equal(t, "Upbit (BTC/KRW ÷ BTC/USDT)", result.Source)
	require.Equal(t, float64(1), result.Rates.USD)
	require.InDelta(t, 1400, result.Rates.KRW, 1e-9)
	require.Equal(t, float64(140000000), result.Debug.BtcKrw)
	require.Equal(t, float64(100000), result.Debug.BtcUsdt)
	require.Contains(t, result.Debug.Calculation, "= 1400.00")
	require.EqualValues(t, 2, e.upbit.calls.Load(), "both quotes fetched")
}

func TestExchangeRateIsNeverCached(t *testing.T) {
	e := newEnv(t, nil)

	e.do(http.MethodGet, "/api/exchange-rate", nil)
	e.do(http.MethodGet, "/api/exchange-rate", nil)
	require.EqualValues(t, 4, e.upbit.calls.Load(), "every request derives the rate fresh")
}

func TestExchangeRateFallback(t *testing.T) {
	e := newEnv(t, nil)
	e.upbit.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	w := e.do(http.MethodGet, "/api/exchange-rate", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	body := decode(t, w)
	require.Equal(t, "Fallback", body["source"])
	require.NotEmpty(t, body["error"])
	rates, ok := body["rates"].(map[string]any)
	require.True(t, ok, "fallback body carries rates: %s", w.Body.String())
	require.Equal(t, float64(1), rates["USD"])
	require.Equal(t, float64(1300), rates["KRW"])
	requireCORS(t, w)
}

func TestTelegramRelay(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(http.MethodPost, "/api/telegram",
		strings.NewReader(`{"chatId":"123456","message":"premium is 4.2%"}`))
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	require.Equal(t, true, body["success"])
	require.EqualValues(t, 1, e.telegram.calls.Load())
}

func TestTelegramMissingFields(t *testing.T) {
	e := newEnv(t, nil)

	for _, payload := range []string{`{}`, `{"chatId":"1"}`, `{"message":"hi"}`} {
		w := e.do(http.MethodPost, "/api/telegram", strings.NewReader(payload))
		require.Equal(t, http.StatusBadRequest, w.Code, payload)
		body := decode(t, w)
		require.Contains(t, body["message"], "chatId", payload)
		require.EqualValues(t, 0, e.telegram.calls.Load(), "invalid requests must not reach Telegram")
	}
}

func TestTelegramNotConfigured(t *testing.T) {
	e := newEnv(t, func(cfg *config.Config) {
		cfg.TelegramBotToken = ""
	})

	w := e.do(http.MethodPost, "/api/telegram",
		strings.NewReader(`{"chatId":"123456","message":"hi"}`))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, "Configuration Error", decode(t, w)["error"])
}

func TestTelegramUpstreamFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.telegram.set(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"description":"Bad Request: chat not found"}`)
	})

	w := e.do(http.MethodPost, "/api/telegram",
		strings.NewReader(`{"chatId":"999","message":"hi"}`))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, decode(t, w)["message"], "chat not found")
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil)

	w := e.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(1), body["cacheSize"])
	require.Equal(t, float64(1), body["activeIPs"])
	require.Equal(t, true, body["telegramConfigured"])
	require.NotEmpty(t, body["instance"])
	require.NotEmpty(t, body["timestamp"])
}

func TestUnknownRouteListsAvailable(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(http.MethodGet, "/api/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	body := decode(t, w)
	require.Equal(t, "Not Found", body["error"])
	require.Contains(t, body["message"], "/api/nope")
	available, ok := body["availableRoutes"].([]any)
	require.True(t, ok)
	require.Contains(t, available, "/api/upbit")
	require.Contains(t, available, "/health")
	requireCORS(t, w)
}

func TestWrongMethodIs405(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(http.MethodPost, "/api/upbit?symbol=KRW-BTC", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Equal(t, "Method Not Allowed", decode(t, w)["error"])
	requireCORS(t, w)

	w = e.do(http.MethodGet, "/api/telegram", nil)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestIndexDocumentsEndpoints(t *testing.T) {
	e := newEnv(t, nil)

	w := e.do(http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	endpoints, ok := body["endpoints"].(map[string]any)
	require.True(t, ok)
	for _, ep := range []string{"/api/upbit", "/api/binance", "/api/bithumb", "/api/exchange-rate", "/api/telegram", "/health"} {
		require.Contains(t, endpoints, ep)
	}
}

func TestConcurrentMissesShareOneUpstreamCall(t *testing.T) {
	e := newEnv(t, nil)

	release := make(chan struct{})
	e.upbit.set(func(w http.ResponseWriter, r *http.Request) {
		<-release
		fmt.Fprint(w, `[{"market":"KRW-BTC","trade_price":140000000}]`)
	})

	const n = 5
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = e.do(http.MethodGet, "/api/upbit?symbol=KRW-BTC", nil).Code
		}(i)
	}

	// Give every request time to join the in-flight fetch, then let the
	// upstream answer once.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, code := range codes {
		require.Equal(t, http.StatusOK, code, "request %d", i)
	}
	require.EqualValues(t, 1, e.upbit.calls.Load(), "concurrent identical misses should share one upstream call")
}
