package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/whisper/duochat/internal/app"
	"github.com/whisper/duochat/internal/config"
	"github.com/whisper/duochat/internal/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "duochat",
		Short:         "Anonymous one-to-one chat pairing server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			boot := log.New(logLevel)

			cfg, path, err := config.Load(boot, configPath)
			if err != nil {
				boot.Error().Err(err).Str("path", path).Msg("failed to load config")
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			logger := log.New(cfg.LogLevel)
			logger.Info().Str("config", path).Msg("configuration loaded")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to start")
				return err
			}

			logger.Info().Str("addr", cfg.Addr).Msg("starting duochat server")
			if err := application.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("server exited with error")
				return err
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default ./config.yaml or $DUOCHAT_CONFIG_DEFAULT_PATH)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level override (debug, info, warn, error)")
	return cmd
}
