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

	"github.com/hyperxpro/StreamSockets/internal/client"
	"github.com/hyperxpro/StreamSockets/internal/config"
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
		Use:   "streamsockets-client",
		Short: "StreamSockets Client - UDP tunneling over WebSocket",
		Long: `StreamSockets Client listens on a local UDP socket and relays every
datagram it sees to a StreamSockets server over a WebSocket carrier,
reconnecting with exponential backoff on failure.

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
			fmt.Printf("StreamSockets Client %s (built %s)\n", Version, BuildTime)
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
		Msg("starting StreamSockets client")

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	eng := client.NewEngine(cfg, log)
	eng.Events().Subscribe(func(e client.Event) {
		switch e.Type {
		case client.EventReady:
			log.Info().Msg("connected, tunnel ready")
		case client.EventBackingOff:
			log.Warn().Str("detail", e.Detail).Msg("connection failed, backing off")
		case client.EventTunnelGrant:
			log.Debug().Uint8("tunnel_id", e.TunnelID).Msg("tunnel granted")
		case client.EventTunnelClosed:
			log.Debug().Uint8("tunnel_id", e.TunnelID).Msg("tunnel closed")
		case client.EventError:
			log.Error().Str("detail", e.Detail).Msg("engine error")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}

	log.Info().
		Str("local_addr", eng.LocalAddr().String()).
		Str("websocket_uri", cfg.WebSocketURI).
		Str("route", cfg.Route).
		Bool("old_protocol", cfg.UseOldProtocol).
		Msg("listening for UDP datagrams")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	done := make(chan struct{})
	go func() { eng.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("close timeout, exiting")
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
