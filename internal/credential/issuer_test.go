package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

var testFingerprint = ProtocolFingerprint(1, "test")

func newTestIssuer(t *testing.T, now func() time.Time) *Issuer {
	t.Helper()

	logger := zerolog.Nop()
	if now == nil {
		now = time.Now
	}
	return NewIssuer(&logger, WithClock(now))
}

func testSnapshot() game.LobbySnapshot {
	return game.LobbySnapshot{
		LobbyID: "lobby-1",
		OwnerID: "alice",
		Config:  game.LobbyConfig{MaxPlayers: 4, MaxWatchers: 2},
		Members: []game.Member{
			{Kind: game.ConnectionKindNative, UserID: "alice", Role: game.RolePlayer},
			{Kind: game.ConnectionKindNative, UserID: "walt", Role: game.RoleWatcher},
			{Kind: game.ConnectionKindBrowser, UserID: "bob", Role: game.RolePlayer},
			{Kind: game.ConnectionKindNative, UserID: "carol", Role: game.RolePlayer},
			{Kind: game.ConnectionKindBrowser, UserID: "wendy", Role: game.RoleWatcher},
		},
	}
}

func testSessionConfig(id game.SessionID, seed uint64) SessionConfig {
	return SessionConfig{
		SessionID:     id,
		Fingerprint:   testFingerprint,
		CredentialTTL: time.Minute,
		Seed:          seed,
	}
}

func TestBuildLaunchData_DeterministicForSeed(t *testing.T) {
	ctx := context.Background()

	first, err := newTestIssuer(t, nil).BuildLaunchData(ctx, testSnapshot(), testSessionConfig(7, 42))
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}
	second, err := newTestIssuer(t, nil).BuildLaunchData(ctx, testSnapshot(), testSessionConfig(7, 42))
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}

	a, b := first.Slots(), second.Slots()
	if len(a) != len(b) {
		t.Fatalf("slot count differs: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("slot %d differs: %+v vs %+v", i, a[i], b[i])
		}
	}
	if string(first.Key) == string(second.Key) {
		t.Fatalf("expected fresh session keys per launch")
	}
}

func TestBuildLaunchData_PlayersBeforeWatchersDense(t *testing.T) {
	data, err := newTestIssuer(t, nil).BuildLaunchData(context.Background(), testSnapshot(), testSessionConfig(1, 3))
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}

	slots := data.Slots()
	if len(slots) != 5 {
		t.Fatalf("expected 5 slots, got %d", len(slots))
	}
	for i, slot := range slots {
		if slot.SessionLocalID != uint32(i) {
			t.Fatalf("slot %d has session-local id %d", i, slot.SessionLocalID)
		}
		wantRole := game.RolePlayer
		if i >= 3 {
			wantRole = game.RoleWatcher
		}
		if slot.Role != wantRole {
			t.Fatalf("slot %d: expected %s, got %s", i, wantRole, slot.Role)
		}
		if data.Participants[i].Credential.SessionLocalID != slot.SessionLocalID {
			t.Fatalf("credential for slot %d bound to %d", i, data.Participants[i].Credential.SessionLocalID)
		}
	}
}

func TestBuildLaunchData_CapacityExceeded(t *testing.T) {
	snapshot := testSnapshot()
	snapshot.Config.MaxWatchers = 1

	_, err := newTestIssuer(t, nil).BuildLaunchData(context.Background(), snapshot, testSessionConfig(1, 1))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if !errors.Is(err, game.ErrValidation) {
		t.Fatalf("expected a validation error, got %v", err)
	}

	cfg := testSessionConfig(2, 1)
	cfg.MaxPlayers = 2
	if _, err := newTestIssuer(t, nil).BuildLaunchData(context.Background(), testSnapshot(), cfg); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected server ceiling to apply, got %v", err)
	}
}

func TestBuildLaunchData_RejectsSecondLaunchForSession(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	ctx := context.Background()

	if _, err := issuer.BuildLaunchData(ctx, testSnapshot(), testSessionConfig(9, 1)); err != nil {
		t.Fatalf("first build: %v", err)
	}
	if _, err := issuer.BuildLaunchData(ctx, testSnapshot(), testSessionConfig(9, 1)); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestReissueCredential_ReusesSessionKey(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	data, err := issuer.BuildLaunchData(context.Background(), testSnapshot(), testSessionConfig(11, 5))
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}
	verifier := NewVerifier(data.SessionID, data.Key, data.Fingerprint, nil)

	original := data.Participants[0].Credential
	if _, err := verifier.Verify(original.Token, testFingerprint); err != nil {
		t.Fatalf("original credential rejected: %v", err)
	}

	for i := 0; i < 2; i++ {
		again, err := issuer.ReissueCredential(data.SessionID, 0)
		if err != nil {
			t.Fatalf("reissue %d: %v", i, err)
		}
		if again.Token == original.Token {
			t.Fatalf("reissue %d returned the same token", i)
		}
		claims, err := verifier.Verify(again.Token, testFingerprint)
		if err != nil {
			t.Fatalf("reissued credential %d rejected by running worker: %v", i, err)
		}
		if claims.Generation != uint32(i+1) {
			t.Fatalf("expected generation %d, got %d", i+1, claims.Generation)
		}
	}
}

func TestVerifier_SingleUseAndSupersession(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	data, err := issuer.BuildLaunchData(context.Background(), testSnapshot(), testSessionConfig(12, 5))
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}
	verifier := NewVerifier(data.SessionID, data.Key, data.Fingerprint, nil)

	older, _ := issuer.ReissueCredential(data.SessionID, 1)
	newer, _ := issuer.ReissueCredential(data.SessionID, 1)

	if _, err := verifier.Verify(newer.Token, testFingerprint); err != nil {
		t.Fatalf("newer credential rejected: %v", err)
	}
	if _, err := verifier.Verify(newer.Token, testFingerprint); err == nil {
		t.Fatalf("expected replayed credential to be rejected")
	}
	_, err = verifier.Verify(older.Token, testFingerprint)
	if game.CodeOf(err, "") != "credential_superseded" {
		t.Fatalf("expected credential_superseded, got %v", err)
	}
	if _, err := verifier.Verify(data.Participants[1].Credential.Token, testFingerprint); !errors.Is(err, game.ErrStaleState) {
		t.Fatalf("expected original credential to be superseded, got %v", err)
	}
}

func TestVerifier_SupersedeRefusesUnusedOlderCredential(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	data, err := issuer.BuildLaunchData(context.Background(), testSnapshot(), testSessionConfig(14, 5))
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}
	verifier := NewVerifier(data.SessionID, data.Key, data.Fingerprint, nil)

	first := data.Participants[0].Credential
	fresh, err := issuer.ReissueCredential(data.SessionID, first.SessionLocalID)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if fresh.Generation <= first.Generation {
		t.Fatalf("expected generation above %d, got %d", first.Generation, fresh.Generation)
	}
	verifier.Supersede(fresh.SessionLocalID, fresh.Generation)
	// A stale announcement never lowers the floor.
	verifier.Supersede(fresh.SessionLocalID, first.Generation)

	_, err = verifier.Verify(first.Token, testFingerprint)
	if game.CodeOf(err, "") != "credential_superseded" {
		t.Fatalf("expected unused older credential to be superseded, got %v", err)
	}
	if _, err := verifier.Verify(fresh.Token, testFingerprint); err != nil {
		t.Fatalf("fresh credential rejected: %v", err)
	}
	if _, err := verifier.Verify(data.Participants[1].Credential.Token, testFingerprint); err != nil {
		t.Fatalf("other slot must be unaffected: %v", err)
	}
}

func TestVerifier_ProtocolMismatch(t *testing.T) {
	data, err := newTestIssuer(t, nil).BuildLaunchData(context.Background(), testSnapshot(), testSessionConfig(13, 5))
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}
	verifier := NewVerifier(data.SessionID, data.Key, data.Fingerprint, nil)

	_, err = verifier.Verify(data.Participants[0].Credential.Token, ProtocolFingerprint(2, "test"))
	if !errors.Is(err, game.ErrProtocolMismatch) {
		t.Fatalf("expected protocol mismatch, got %v", err)
	}
}

func TestVerifier_RejectsExpiredAndForeignKey(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	data, err := newTestIssuer(t, clock).BuildLaunchData(context.Background(), testSnapshot(), testSessionConfig(14, 5))
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}

	late := NewVerifier(data.SessionID, data.Key, data.Fingerprint, func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := late.Verify(data.Participants[0].Credential.Token, testFingerprint); !errors.Is(err, game.ErrTimeout) {
		t.Fatalf("expected expired credential to time out, got %v", err)
	}

	other, err := newTestIssuer(t, clock).BuildLaunchData(context.Background(), testSnapshot(), testSessionConfig(14, 5))
	if err != nil {
		t.Fatalf("build other launch data: %v", err)
	}
	foreign := NewVerifier(other.SessionID, other.Key, other.Fingerprint, clock)
	if _, err := foreign.Verify(data.Participants[0].Credential.Token, testFingerprint); game.CodeOf(err, "") != "invalid_credential" {
		t.Fatalf("expected invalid_credential for foreign key, got %v", err)
	}
}

func TestReissueCredential_UnknownSessionIsStale(t *testing.T) {
	issuer := newTestIssuer(t, nil)
	data, err := issuer.BuildLaunchData(context.Background(), testSnapshot(), testSessionConfig(15, 5))
	if err != nil {
		t.Fatalf("build launch data: %v", err)
	}

	if _, err := issuer.ReissueCredential(data.SessionID, 99); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}

	issuer.Forget(data.SessionID)
	if _, err := issuer.ReissueCredential(data.SessionID, 0); !errors.Is(err, game.ErrStaleState) {
		t.Fatalf("expected stale state after forget, got %v", err)
	}
}
