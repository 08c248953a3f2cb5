package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wiregame-server/internal/app"
	"github.com/vovakirdan/wiregame-server/internal/client"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/log"
)

var (
	playWorkerURL string
	playClicks    time.Duration
)

var playCmd = &cobra.Command{
	Use:    "play",
	Short:  "Attach to a running worker (started by the client)",
	Hidden: true,
	Long: `Attach to a worker with credentials read as JSON lines from stdin. Each
new line replaces the current connection. The final report is printed to
stdout as JSON. Exit status 3 means the worker refused this build's protocol.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := log.NewTo(os.Stderr, logLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := client.Play(ctx, client.PlayConfig{
			WorkerURL:     playWorkerURL,
			ClickInterval: playClicks,
			Fingerprint:   string(app.Fingerprint()),
		}, os.Stdin, logger)
		if errors.Is(err, game.ErrProtocolMismatch) {
			return exitError{code: client.ExitProtocolMismatch, err: err}
		}
		if err != nil {
			return err
		}
		if report != nil {
			return json.NewEncoder(os.Stdout).Encode(report)
		}
		return nil
	},
}

func init() {
	playCmd.Flags().StringVar(&playWorkerURL, "worker", "", "worker session URL")
	playCmd.Flags().DurationVar(&playClicks, "click-interval", 0, "click automatically at this interval")
	_ = playCmd.MarkFlagRequired("worker")
}
