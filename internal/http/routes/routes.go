package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kimchispread/kimchiproxy/binance"
	"github.com/kimchispread/kimchiproxy/bithumb"
	"github.com/kimchispread/kimchiproxy/internal/cache"
	"github.com/kimchispread/kimchiproxy/internal/config"
	"github.com/kimchispread/kimchiproxy/internal/fx"
	appmw "github.com/kimchispread/kimchiproxy/internal/http/middleware"
	"github.com/kimchispread/kimchiproxy/internal/ratelimit"
	"github.com/kimchispread/kimchiproxy/internal/upstream"
	"github.com/kimchispread/kimchiproxy/telegram"
	"github.com/kimchispread/kimchiproxy/upbit"
)

const serviceName = "김치스프레드"

var availableRoutes = []string{
	"/api/upbit",
	"/api/binance",
	"/api/bithumb",
	"/api/exchange-rate",
	"/api/telegram",
	"/health",
	"/",
}

type Server struct {
	Router   *chi.Mux
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Upbit    *upbit.Client
	Binance  *binance.Client
	Bithumb  *bithumb.Client
	Telegram *telegram.Client // nil when no bot token is configured
	Cfg      config.Config

	flight   singleflight.Group
	started  time.Time
	instance string
}

type ServerOptions struct {
	Cache    *cache.Cache
	Limiter  *ratelimit.Limiter
	Upbit    *upbit.Client
	Binance  *binance.Client
	Bithumb  *bithumb.Client
	Telegram *telegram.Client
	Cfg      config.Config
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(appmw.Recoverer)
	r.Use(appmw.CORS)

	s := &Server{
		Router:   r,
		Cache:    opts.Cache,
		Limiter:  opts.Limiter,
		Upbit:    opts.Upbit,
		Binance:  opts.Binance,
		Bithumb:  opts.Bithumb,
		Telegram: opts.Telegram,
		Cfg:      opts.Cfg,
		started:  time.Now(),
		instance: uuid.NewString(),
	}

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)

	// Rate limiting covers the proxied routes only; /health stays open for
	// load balancer probes.
	r.Route("/api", func(api chi.Router) {
		api.Use(appmw.RateLimit(s.Limiter, s.Cfg.RateLimitMax))
		api.Get("/upbit", s.handleUpbit)
		api.Get("/binance", s.handleBinance)
		api.Get("/bithumb", s.handleBithumb)
		api.Get("/exchange-rate", s.handleExchangeRate)
		api.Post("/telegram", s.handleTelegram)
	})

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)

	return s
}

// ---- Ticker proxies

func (s *Server) handleUpbit(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.requireSymbol(w, r)
	if !ok {
		return
	}

	key := "upbit:" + symbol
	if body, hit := s.Cache.Get(key); hit {
		s.respondRaw(w, http.StatusOK, body)
		return
	}

	raw, err := s.fetchShared(key, func() (json.RawMessage, error) {
		return s.Upbit.Ticker(r.Context(), symbol)
	})
	if err != nil {
		if errors.Is(err, upbit.ErrMarketNotFound) {
			s.respondError(w, http.StatusNotFound, "Not Found",
				fmt.Sprintf("Symbol %s not found on Upbit", symbol))
			return
		}
		s.respondUpstreamError(w, r, "Upbit", symbol, err)
		return
	}

	s.Cache.Put(key, raw)
	s.respondRaw(w, http.StatusOK, raw)
}

func (s *Server) handleBinance(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.requireSymbol(w, r)
	if !ok {
		return
	}

	key := "binance:" + symbol
	if body, hit := s.Cache.Get(key); hit {
		s.respondRaw(w, http.StatusOK, body)
		return
	}

	raw, err := s.fetchShared(key, func() (json.RawMessage, error) {
		return s.Binance.Price(r.Context(), symbol)
	})
	if err != nil {
		if errors.Is(err, binance.ErrSymbolNotFound) {
			s.respondError(w, http.StatusNotFound, "Not Found",
				fmt.Sprintf("Symbol %s not found on Binance", symbol))
			return
		}
		s.respondUpstreamError(w, r, "Binance", symbol, err)
		return
	}

	s.Cache.Put(key, raw)
	s.respondRaw(w, http.StatusOK, raw)
}

func (s *Server) handleBithumb(w http.ResponseWriter, r *http.Request) {
	symbol, ok := s.requireSymbol(w, r)
	if !ok {
		return
	}

	key := "bithumb:" + symbol
	if body, hit := s.Cache.Get(key); hit {
		s.respondRaw(w, http.StatusOK, body)
		return
	}

	raw, err := s.fetchShared(key, func() (json.RawMessage, error) {
		return s.Bithumb.Ticker(r.Context(), symbol)
	})
	if err != nil {
		var apiErr *bithumb.APIError
		if errors.As(err, &apiErr) {
			msg := apiErr.Message
			if msg == "" {
				msg = "Bithumb API error"
			}
			s.respondError(w, http.StatusBadRequest, "Bad Request", msg)
			return
		}
		s.respondUpstreamError(w, r, "Bithumb", symbol, err)
		return
	}

	s.Cache.Put(key, raw)
	s.respondRaw(w, http.StatusOK, raw)
}

// ---- Exchange rate

// fallbackRate is returned verbatim when the derivation fails. Consumers
// may read either the 500 status or the placeholder rate, so both are kept
// stable.
type fallbackRate struct {
	Error  string   `json:"error"`
	Source string   `json:"source"`
	Rates  fx.Rates `json:"rates"`
}

// handleExchangeRate derives USD/KRW from two Upbit BTC quotes. The result
// is computed fresh on every request; rate stability matters more than the
// latency a cache would save.
func (s *Server) handleExchangeRate(w http.ResponseWriter, r *http.Request) {
	var btcKrw, btcUsdt float64

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		btcKrw, err = s.Upbit.TradePrice(ctx, "KRW-BTC")
		return err
	})
	g.Go(func() error {
		var err error
		btcUsdt, err = s.Upbit.TradePrice(ctx, "USDT-BTC")
		return err
	})

	err := g.Wait()
	if err == nil {
		var rate float64
		if rate, err = fx.Compute(btcKrw, btcUsdt); err == nil {
			s.respondJSON(w, http.StatusOK, fx.NewResult(btcKrw, btcUsdt, rate, time.Now()))
			return
		}
	}

	hlog.FromRequest(r).Error().Err(err).Str("route", "exchange-rate").Msg("exchange rate derivation failed")
	s.respondJSON(w, http.StatusInternalServerError, fallbackRate{
		Error:  err.Error(),
		Source: "Fallback",
		Rates:  fx.Rates{USD: 1, KRW: 1300},
	})
}

// ---- Telegram relay

type relayRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Bad Request", "Invalid JSON body")
		return
	}
	if req.ChatID == "" || req.Message == "" {
		s.respondError(w, http.StatusBadRequest, "Bad Request",
			"Missing required parameters: chatId and message")
		return
	}

	if s.Telegram == nil {
		hlog.FromRequest(r).Error().Str("route", "telegram").Msg("relay requested but bot token is not configured")
		s.respondError(w, http.StatusInternalServerError, "Configuration Error",
			"Telegram bot is not configured. Set TELEGRAM_BOT_TOKEN environment variable.")
		return
	}

	if err := s.Telegram.SendMessage(r.Context(), req.ChatID, req.Message); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("route", "telegram").Str("chat_id", req.ChatID).Msg("telegram send failed")

		if ue, ok := upstream.AsError(err); ok && ue.Kind == upstream.KindTimeout {
			s.respondError(w, http.StatusGatewayTimeout, "Gateway Timeout",
				"Request to Telegram API timed out")
			return
		}
		s.respondError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
		return
	}

	hlog.FromRequest(r).Info().Str("route", "telegram").Str("chat_id", req.ChatID).Msg("telegram message sent")
	s.respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Telegram message sent successfully",
	})
}

// ---- Health / index / fallbacks

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"service":            serviceName,
		"instance":           s.instance,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"uptime":             time.Since(s.started).Seconds(),
		"cacheSize":          s.Cache.Len(),
		"activeIPs":          s.Limiter.ActiveIdentities(),
		"telegramConfigured": s.Telegram != nil,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"name":        serviceName,
		"description": "Upbit ↔ Binance premium tracker API proxy",
		"endpoints": map[string]any{
			"/api/upbit": map[string]any{
				"method":  "GET",
				"params":  map[string]string{"symbol": "KRW-BTC (Upbit market code)"},
				"example": "/api/upbit?symbol=KRW-BTC",
			},
			"/api/binance": map[string]any{
				"method":  "GET",
				"params":  map[string]string{"symbol": "BTCUSDT (Binance pair code)"},
				"example": "/api/binance?symbol=BTCUSDT",
			},
			"/api/bithumb": map[string]any{
				"method":  "GET",
				"params":  map[string]string{"symbol": "BTC_KRW (Bithumb pair code)"},
				"example": "/api/bithumb?symbol=BTC_KRW",
			},
			"/api/exchange-rate": map[string]any{
				"method":      "GET",
				"description": "Real-time USD/KRW rate derived from Upbit BTC quotes",
			},
			"/api/telegram": map[string]any{
				"method": "POST",
				"body":   map[string]string{"chatId": "string", "message": "string"},
			},
			"/health": map[string]any{
				"method":      "GET",
				"description": "Health check and server stats",
			},
		},
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusNotFound, map[string]any{
		"error":           "Not Found",
		"message":         fmt.Sprintf("Route %s %s not found", r.Method, r.URL.Path),
		"availableRoutes": availableRoutes,
	})
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, http.StatusMethodNotAllowed, "Method Not Allowed",
		fmt.Sprintf("Route %s does not allow %s", r.URL.Path, r.Method))
}

// ---- Helpers

func (s *Server) requireSymbol(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.respondError(w, http.StatusBadRequest, "Bad Request",
			"Missing required parameter: symbol")
		return "", false
	}
	return symbol, true
}

// fetchShared collapses concurrent identical cache-miss fetches into one
// upstream call. The first caller's context drives the request; callers
// joining an in-flight fetch share its outcome.
func (s *Server) fetchShared(key string, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	v, err, _ := s.flight.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(json.RawMessage), nil
}

// respondUpstreamError maps a failed upstream fetch onto the uniform error
// taxonomy: timeout 504, bad status or unreachable 502, anything else 500.
func (s *Server) respondUpstreamError(w http.ResponseWriter, r *http.Request, exchange, symbol string, err error) {
	hlog.FromRequest(r).Error().Err(err).
		Str("exchange", exchange).
		Str("symbol", symbol).
		Msg("upstream fetch failed")

	if ue, ok := upstream.AsError(err); ok {
		switch ue.Kind {
		case upstream.KindTimeout:
			s.respondError(w, http.StatusGatewayTimeout, "Gateway Timeout",
				fmt.Sprintf("Request to %s API timed out", exchange))
			return
		case upstream.KindBadStatus:
			s.respondError(w, http.StatusBadGateway, "Bad Gateway",
				fmt.Sprintf("%s API returned status %d", exchange, ue.Status))
			return
		case upstream.KindTransport:
			s.respondError(w, http.StatusBadGateway, "Bad Gateway",
				fmt.Sprintf("Could not reach %s API", exchange))
			return
		}
	}
	s.respondError(w, http.StatusInternalServerError, "Internal Server Error", err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondRaw writes an upstream payload untouched so cached replays stay
// byte-identical to the first response.
func (s *Server) respondRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) respondError(w http.ResponseWriter, status int, errName, message string) {
	s.respondJSON(w, status, map[string]string{
		"error":   errName,
		"message": message,
	})
}
