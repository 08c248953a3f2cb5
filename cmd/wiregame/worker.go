package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wiregame-server/internal/log"
	"github.com/vovakirdan/wiregame-server/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one game session (started by the directory)",
	Hidden: true,
	Long: `Run one game session. Launch data is read from WIREGAME_SESSION_*
environment variables, report lines are written to stdout and operator
commands are read from stdin. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := log.NewTo(os.Stderr, logLevel)

		env, err := worker.LoadEnv()
		if err != nil {
			logger.Error().Err(err).Msg("invalid launch data")
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv, err := worker.NewServer(env, os.Stdout, logger)
		if err != nil {
			return err
		}
		return srv.Run(ctx, os.Stdin)
	},
}
