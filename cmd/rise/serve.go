package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rise-support/rise-go/hub"
)

var (
	serveConfigPath string
	serveAddr       string
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Server config file (default ./rise.toml or ~/.rise/server.toml)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address, overrides server.addr")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the realtime hub and HTTP API",
	Long: "Run the hub server. Settings come from the config file and RISE_* environment variables,\n" +
		"e.g. RISE_AUTH_SECRET, RISE_ALERTS_STORE=mongo, RISE_MESSAGES_STORE=sqlite.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := hub.LoadConfig(serveConfigPath)
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger := cfg.Logger()
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := hub.Build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		return srv.Run(ctx, cfg.Server.Addr)
	},
}
