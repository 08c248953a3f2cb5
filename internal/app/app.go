package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/config"
	"github.com/vovakirdan/wiregame-server/internal/core"
	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/launch"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/store"
	"github.com/vovakirdan/wiregame-server/internal/store/sqlite"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
	"github.com/vovakirdan/wiregame-server/internal/telemetry"
	transporthttp "github.com/vovakirdan/wiregame-server/internal/transport/http"
)

// Build identifies this binary in protocol fingerprints. Set with -ldflags.
var Build = "dev"

// Fingerprint is the protocol fingerprint of this build.
func Fingerprint() credential.Fingerprint {
	return credential.ProtocolFingerprint(proto.ProtocolVersion, Build)
}

// WorkerCommand resolves the binary and arguments a worker is started with.
func WorkerCommand(path string) (string, []string, error) {
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("resolve worker binary: %w", err)
		}
		path = exe
	}
	return path, []string{"worker"}, nil
}

// WorkerSettings extracts the per-deployment worker parameters.
func WorkerSettings(cfg *config.Config) supervisor.Settings {
	return supervisor.Settings{
		ListenHost:   cfg.WorkerListenHost,
		TickRate:     cfg.TickRate,
		InitTicks:    cfg.InitTicks,
		PrepTicks:    cfg.PrepTicks,
		PlayTicks:    cfg.PlayTicks,
		ReadyTimeout: cfg.WorkerReadyTimeout,
	}
}

// NewSupervisor builds a supervisor that re-executes the worker binary.
func NewSupervisor(cfg *config.Config, logger *zerolog.Logger) (*supervisor.Supervisor, error) {
	path, args, err := WorkerCommand(cfg.WorkerPath)
	if err != nil {
		return nil, err
	}
	return supervisor.New(supervisor.Config{
		Path:      path,
		Args:      args,
		Env:       WorkerSettings(cfg).Env(),
		KillGrace: cfg.WorkerKillGrace,
		// Catches a worker that never starts listening.
		ReadyTimeout: cfg.WorkerReadyTimeout,
	}, supervisor.ExecLauncher{WaitDelay: cfg.WorkerKillGrace}, logger), nil
}

// App wires together the directory core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *core.Hub
	sup             *supervisor.Supervisor
	store           store.ReportStore
	tracing         func(context.Context) error
	log             *zerolog.Logger
}

// New constructs the directory with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	tracing, err := telemetry.Setup(ctx, "wiregame-directory", cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	st, err := sqlite.New(":memory:", cfg.ReportCacheSize)
	if err != nil {
		return nil, fmt.Errorf("init report cache: %w", err)
	}
	logger.Info().Int("capacity", cfg.ReportCacheSize).Msg("report cache initialized")

	sup, err := NewSupervisor(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	hub := core.NewHub(core.Config{
		AckTimeout:    cfg.AckTimeout,
		StartBuffer:   cfg.StartBuffer,
		CredentialTTL: cfg.CredentialTTL,
		MaxPlayers:    cfg.MaxPlayers,
		MaxWatchers:   cfg.MaxWatchers,
		Fingerprint:   Fingerprint(),
	},
		launch.NewCoordinator(cfg.StartBuffer, time.Now, logger),
		credential.NewIssuer(logger),
		sup,
		st,
		logger,
	)
	server := transporthttp.NewServer(hub, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		sup:             sup,
		store:           st,
		tracing:         tracing,
		log:             logger,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.hub.Run(hubCtx)

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("directory listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup(stopHub)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup(stopHub)
			return err
		}

		a.cleanup(stopHub)
		return <-serverErr
	}
}

// cleanup stops every worker, then the hub, the report cache and tracing.
func (a *App) cleanup(stopHub context.CancelFunc) {
	// Workers stop before the hub so their aborted reports reach members.
	a.sup.Shutdown("directory shutting down")
	stopHub()
	a.hub.Wait(a.shutdownTimeout)

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close report cache")
		} else {
			a.log.Info().Msg("report cache closed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	if err := a.tracing(ctx); err != nil {
		a.log.Warn().Err(err).Msg("flush traces")
	}
}
