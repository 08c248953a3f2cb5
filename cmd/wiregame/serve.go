package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wiregame-server/internal/app"
	"github.com/vovakirdan/wiregame-server/internal/config"
	"github.com/vovakirdan/wiregame-server/internal/log"
)

var serveFlags config.Config

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lobby directory",
	Long: `Run the lobby directory: operator REST under /api, member connections on
/ws, and one worker process per launched session.

Configuration is read from defaults, then the config file, then WIREGAME_*
environment variables; flags given here win over all of them.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.Addr, "addr", "", "HTTP listen address")
	f.DurationVar(&serveFlags.ReadHeaderTimeout, "read-header-timeout", 0, "HTTP read header timeout")
	f.DurationVar(&serveFlags.ShutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout")
	f.DurationVar(&serveFlags.AckTimeout, "ack-timeout", 0, "how long members have to acknowledge a launch")
	f.DurationVar(&serveFlags.StartBuffer, "start-buffer", 0, "delay between commit and worker spawn")
	f.DurationVar(&serveFlags.CredentialTTL, "credential-ttl", 0, "connect credential lifetime")
	f.StringVar(&serveFlags.WorkerPath, "worker-path", "", "worker binary (default: this executable)")
	f.StringVar(&serveFlags.WorkerListenHost, "worker-listen-host", "", "host workers listen on")
	f.IntVar(&serveFlags.TickRate, "tick-rate", 0, "session ticks per second")
	f.IntVar(&serveFlags.MaxPlayers, "max-players", 0, "server-wide player cap per session")
	f.IntVar(&serveFlags.MaxWatchers, "max-watchers", 0, "server-wide watcher cap per session")
	f.StringVar(&serveFlags.OTelEndpoint, "otel-endpoint", "", "OTLP/HTTP endpoint for traces")
}

func runServe(cmd *cobra.Command, _ []string) error {
	bootLog := log.New(logLevel)
	cfg, path, err := config.Load(bootLog, configPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(serveFlags)
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.New(cfg.LogLevel)
	logger.Info().Str("config", path).Str("addr", cfg.Addr).Msg("starting wiregame directory")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("directory exited with error")
		return err
	}
	logger.Info().Dur("shutdown_timeout", cfg.ShutdownTimeout).Msg("directory stopped")
	return nil
}
