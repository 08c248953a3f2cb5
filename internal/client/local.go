package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/credential"
	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
	"github.com/vovakirdan/wiregame-server/internal/supervisor"
)

// LocalLauncher runs single-player sessions on this machine: it issues the
// launch data itself, spawns the worker through an in-process supervisor and
// attaches a play process to it.
type LocalLauncher struct {
	Issuer        *credential.Issuer
	Supervisor    *supervisor.Supervisor
	Attacher      Launcher
	Fingerprint   credential.Fingerprint
	CredentialTTL time.Duration
	// Ended receives the end of every local session, as the directory would send it.
	Ended func(GameEnded)
	Log   zerolog.Logger

	mu       sync.Mutex
	sessions map[game.SessionID]localSession
}

type localSession struct {
	addr   string
	handle *supervisor.Handle
}

// Attach starts the local worker on first use and otherwise reissues a
// credential against the running one. The incoming credential is not used;
// local sessions are credentialed by the local issuer.
func (l *LocalLauncher) Attach(ctx context.Context, starter Starter, _ proto.Credential) (Attachment, error) {
	local, ok := starter.Resumption.(Local)
	if !ok {
		return nil, fmt.Errorf("local launcher cannot attach %T", starter.Resumption)
	}
	owner := local.Snapshot.OwnerID

	running, isRunning := l.running(starter.SessionID)
	addr := running.addr
	var cred credential.Credential
	if isRunning {
		slot, found := l.Issuer.SlotForUser(starter.SessionID, owner)
		if !found {
			return nil, fmt.Errorf("no slot for %s in session %s", owner, starter.SessionID)
		}
		reissued, err := l.Issuer.ReissueCredential(starter.SessionID, slot.SessionLocalID)
		if err != nil {
			return nil, err
		}
		cred = reissued
		running.handle.SendCommand(supervisor.Supersede{Slot: reissued.SessionLocalID, MinGeneration: reissued.Generation})
	} else {
		var err error
		addr, cred, err = l.start(ctx, starter.SessionID, local.Snapshot)
		if err != nil {
			return nil, err
		}
	}

	return l.Attacher.Attach(ctx, Starter{
		SessionID:  starter.SessionID,
		Resumption: Hosted{WorkerURL: "ws://" + addr + "/session", LobbyID: local.Snapshot.LobbyID},
	}, proto.WireCredential(cred))
}

func (l *LocalLauncher) running(id game.SessionID) (localSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[id]
	return s, ok
}

func (l *LocalLauncher) start(ctx context.Context, id game.SessionID, snapshot game.LobbySnapshot) (string, credential.Credential, error) {
	data, err := l.Issuer.BuildLaunchData(ctx, snapshot, credential.SessionConfig{
		SessionID:     id,
		Fingerprint:   l.Fingerprint,
		CredentialTTL: l.CredentialTTL,
		Seed:          uint64(time.Now().UnixNano()),
	})
	if err != nil {
		return "", credential.Credential{}, err
	}
	participant, ok := data.SlotForUser(snapshot.OwnerID)
	if !ok {
		l.Issuer.Forget(id)
		return "", credential.Credential{}, fmt.Errorf("owner %s has no slot", snapshot.OwnerID)
	}

	h, err := l.Supervisor.Launch(ctx, data)
	if err != nil {
		l.Issuer.Forget(id)
		return "", credential.Credential{}, err
	}

	var started supervisor.Started
	select {
	case r, ok := <-h.Reports():
		s, isStarted := r.(supervisor.Started)
		if !ok || !isStarted {
			go l.drain(h, r)
			return "", credential.Credential{}, fmt.Errorf("local worker for session %s did not start", id)
		}
		started = s
	case <-ctx.Done():
		go h.SendCommand(supervisor.Abort{Reason: "attach cancelled"})
		go l.drain(h, nil)
		return "", credential.Credential{}, ctx.Err()
	}

	l.mu.Lock()
	if l.sessions == nil {
		l.sessions = make(map[game.SessionID]localSession)
	}
	l.sessions[id] = localSession{addr: started.Addr, handle: h}
	l.mu.Unlock()
	go l.drain(h, nil)

	l.Log.Info().Stringer("session_id", id).Str("addr", started.Addr).Msg("local worker started")
	return started.Addr, participant.Credential, nil
}

// drain consumes the rest of a local session's reports and announces its end.
func (l *LocalLauncher) drain(h *supervisor.Handle, first supervisor.Report) {
	ended := func(r supervisor.Report) {
		switch rep := r.(type) {
		case supervisor.GameOver:
			l.finish(GameEnded{SessionID: rep.SessionID})
		case supervisor.Aborted:
			l.Log.Warn().Err(rep.Err).Str("reason", rep.Reason).Msg("local session aborted")
			l.finish(GameEnded{SessionID: rep.SessionID, Aborted: true})
		}
	}
	if first != nil {
		ended(first)
	}
	for r := range h.Reports() {
		ended(r)
	}
}

func (l *LocalLauncher) finish(ev GameEnded) {
	l.mu.Lock()
	delete(l.sessions, ev.SessionID)
	l.mu.Unlock()
	l.Issuer.Forget(ev.SessionID)
	if l.Ended != nil {
		l.Ended(ev)
	}
}

// LocalTokens stands in for the directory in single-player mode: a token
// request restarts the attach, and the LocalLauncher reissues a credential
// against the still-running worker.
type LocalTokens struct {
	Coordinator *Coordinator
	Snapshot    game.LobbySnapshot
}

// RequestConnectToken is called from the coordinator loop and must not block.
func (t *LocalTokens) RequestConnectToken(sessionID game.SessionID) {
	if t.Coordinator == nil {
		return
	}
	select {
	case t.Coordinator.inbox <- GameStart{SessionID: sessionID, Resumption: Local{Snapshot: t.Snapshot}}:
	default:
	}
}
