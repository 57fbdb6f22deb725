package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/cobra"

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

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	fetch := upstream.New(upstream.WithTimeout(cfg.UpstreamTimeout))

	var upbitOpts []upbit.Option
	if cfg.UpbitBaseURL != "" {
		upbitOpts = append(upbitOpts, upbit.WithBaseURL(cfg.UpbitBaseURL))
	}
	var binanceOpts []binance.Option
	if cfg.BinanceBaseURL != "" {
		binanceOpts = append(binanceOpts, binance.WithBaseURL(cfg.BinanceBaseURL))
	}
	var bithumbOpts []bithumb.Option
	if cfg.BithumbBaseURL != "" {
		bithumbOpts = append(bithumbOpts, bithumb.WithBaseURL(cfg.BithumbBaseURL))
	}

	var tg *telegram.Client
	if cfg.HasTelegram() {
		var tgOpts []telegram.Option
		if cfg.TelegramBaseURL != "" {
			tgOpts = append(tgOpts, telegram.WithBaseURL(cfg.TelegramBaseURL))
		}
		tg = telegram.New(fetch, cfg.TelegramBotToken, tgOpts...)
	}

	limiter := ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitMax)

	s := routes.New(routes.ServerOptions{
		Cache:    cache.New(cfg.CacheTTL, cfg.CacheMaxEntries),
		Limiter:  limiter,
		Upbit:    upbit.New(fetch, upbitOpts...),
		Binance:  binance.New(fetch, binanceOpts...),
		Bithumb:  bithumb.New(fetch, bithumbOpts...),
		Telegram: tg,
		Cfg:      cfg,
	})

	h := hlog.NewHandler(logger)(s.Router)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", duration).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})(h)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Idle rate-limit identities are swept in the background; the map would
	// otherwise grow for the life of the process.
	go limiter.Run(ctx)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: h}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Dur("cache_ttl", cfg.CacheTTL).
			Int("rate_limit_max", cfg.RateLimitMax).
			Bool("telegram_configured", cfg.HasTelegram()).
			Msg("server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
