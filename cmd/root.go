package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "kimchiproxy",
	Short: "CORS proxy for the 김치스프레드 premium tracker",
	Long: `kimchiproxy fronts the Upbit, Binance and Bithumb public APIs and the
Telegram Bot API for a browser-side KRW/USD premium tracker. It adds the
CORS headers browsers require, caches upstream responses briefly, rate
limits per client IP and keeps the Telegram bot token out of client code.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a TOML config file (env vars override it)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
