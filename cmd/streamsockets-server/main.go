package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hyperxpro/StreamSockets/internal/accounts"
	"github.com/hyperxpro/StreamSockets/internal/config"
	"github.com/hyperxpro/StreamSockets/internal/server"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	logLevel  string
	logFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "streamsockets-server",
		Short: "StreamSockets Server - UDP tunneling over WebSocket",
		Long: `StreamSockets Server accepts WebSocket connections from authenticated
clients and relays UDP datagrams between each client's tunnels and the
configured backend route.

All settings are read from the process environment; the full variable
list and its defaults are in the internal/config package.`,
		RunE: run,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("StreamSockets Server %s (built %s)\n", Version, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := setupLogging(logLevel, logFormat)

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Msg("starting StreamSockets server")

	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	store, err := accounts.Load(cfg.AccountsConfigFile, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load accounts file")
	}
	defer store.Stop()

	if cfg.AccountsReloadInterval > 0 {
		store.StartAutoReload(cfg.AccountsReloadInterval)
	}

	srv := server.New(cfg, store, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	log.Info().
		Str("addr", cfg.Addr()).
		Str("path", cfg.WSPath).
		Int("max_tunnels_per_client", cfg.MaxUDPTunnelsPerClient).
		Msg("server configured")

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		return err
	}

	return nil
}

func setupLogging(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var log zerolog.Logger
	if format == "json" {
		log = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		log = zerolog.New(output).With().Timestamp().Logger()
	}

	return log
}
