package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wiregame-server/internal/app"
	"github.com/vovakirdan/wiregame-server/internal/client"
	"github.com/vovakirdan/wiregame-server/internal/config"
	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/log"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

var (
	clientUser      string
	clientDirectory string
	clientNack      bool
	clientLocal     bool
	clientClicks    time.Duration
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Join sessions as a member",
	Long: `Connect to the lobby directory as a member, acknowledge launches and keep
a play process attached to the session the member is in.

With --local a single-player session runs on this machine instead, and the
command returns once it is over.`,
	Args: cobra.NoArgs,
	RunE: runClient,
}

func init() {
	f := clientCmd.Flags()
	f.StringVar(&clientUser, "user", "", "member user id")
	f.StringVar(&clientDirectory, "directory", "ws://127.0.0.1:8080/ws", "directory websocket URL")
	f.BoolVar(&clientNack, "nack", false, "refuse every pending launch")
	f.BoolVar(&clientLocal, "local", false, "run a single-player session on this machine")
	f.DurationVar(&clientClicks, "click-interval", 500*time.Millisecond, "click automatically at this interval; 0 disables")
	_ = clientCmd.MarkFlagRequired("user")
}

func runClient(cmd *cobra.Command, _ []string) error {
	logger := log.New(logLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"play", "--click-interval", clientClicks.String()}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	attacher := &client.ProcessLauncher{
		Spawner: supervisor.ExecLauncher{WaitDelay: 2 * time.Second},
		Path:    exe,
		Args:    args,
		Log:     *logger,
	}

	if clientLocal {
		return runLocal(ctx, attacher, logger)
	}

	dir := client.NewDirectory(client.DirectoryConfig{
		URL:    clientDirectory,
		UserID: clientUser,
		Nack:   clientNack,
	}, logger)
	coord := client.NewCoordinator(ctx, client.Launchers{Hosted: attacher}, dir, logger)
	dir.Bind(coord)

	err = dir.Run(ctx)
	if errors.Is(err, client.ErrUnsupportedVersion) {
		return exitError{code: client.ExitProtocolMismatch, err: err}
	}
	return err
}

func runLocal(parent context.Context, attacher client.Launcher, logger *zerolog.Logger) error {
	cfg, _, err := config.Load(logger, configPath)
	if err != nil {
		return err
	}
	sup, err := app.NewSupervisor(&cfg, logger)
	if err != nil {
		return err
	}
	defer sup.Shutdown("client exiting")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	snapshot := game.LobbySnapshot{
		LobbyID: "local-" + strconv.FormatInt(time.Now().UnixNano(), 36),
		OwnerID: clientUser,
		Config:  game.LobbyConfig{MaxPlayers: 1},
		Members: []game.Member{{Kind: game.ConnectionKindNative, UserID: clientUser, Role: game.RolePlayer}},
	}

	tokens := &client.LocalTokens{Snapshot: snapshot}
	var coord *client.Coordinator
	local := &client.LocalLauncher{
		Issuer:        credential.NewIssuer(logger),
		Supervisor:    sup,
		Attacher:      attacher,
		Fingerprint:   app.Fingerprint(),
		CredentialTTL: cfg.CredentialTTL,
		Log:           *logger,
		Ended: func(ev client.GameEnded) {
			select {
			case coord.Inbox() <- ev:
			case <-ctx.Done():
			}
			cancel()
		},
	}
	coord = client.NewCoordinator(ctx, client.Launchers{Local: local}, tokens, logger)
	tokens.Coordinator = coord

	select {
	case coord.Inbox() <- client.GameStart{SessionID: 1, Resumption: client.Local{Snapshot: snapshot}}:
	case <-ctx.Done():
		return nil
	}
	<-ctx.Done()
	logger.Info().Str("lobby_id", snapshot.LobbyID).Msg("local session finished")
	return nil
}
