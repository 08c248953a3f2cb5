package credential

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

// Verifier admits credentials on the worker side. It enforces single use and
// supersession: once a credential of generation g is accepted for a slot, or
// the issuer announced generation g through Supersede, credentials of lower
// generation for that slot are refused.
type Verifier struct {
	sessionID   game.SessionID
	key         []byte
	fingerprint Fingerprint
	now         func() time.Time

	mu          sync.Mutex
	used        map[string]time.Time
	generations map[uint32]uint32
}

// NewVerifier creates a verifier bound to one session key.
func NewVerifier(sessionID game.SessionID, key []byte, fingerprint Fingerprint, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		sessionID:   sessionID,
		key:         key,
		fingerprint: fingerprint,
		now:         now,
		used:        make(map[string]time.Time),
		generations: make(map[uint32]uint32),
	}
}

// Fingerprint returns the protocol fingerprint the verifier expects.
func (v *Verifier) Fingerprint() Fingerprint {
	return v.fingerprint
}

// Verify checks a credential presented with the client's protocol fingerprint
// and consumes it.
func (v *Verifier) Verify(token string, clientFingerprint Fingerprint) (*Claims, error) {
	if clientFingerprint != v.fingerprint {
		return nil, game.NewError(game.KindProtocolMismatch, "protocol_mismatch",
			fmt.Sprintf("protocol fingerprint %q does not match %q", clientFingerprint, v.fingerprint), nil)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, game.NewError(game.KindTimeout, "credential_expired", "credential expired", err)
		}
		return nil, game.NewError(game.KindValidation, "invalid_credential", "invalid credential", err)
	}

	if game.SessionID(claims.SessionID) != v.sessionID {
		return nil, game.NewError(game.KindStaleState, "invalid_credential",
			fmt.Sprintf("credential for session %d presented to session %s", claims.SessionID, v.sessionID), nil)
	}
	if Fingerprint(claims.Fingerprint) != v.fingerprint {
		return nil, game.NewError(game.KindProtocolMismatch, "protocol_mismatch",
			"credential minted for a different protocol", nil)
	}
	if claims.ID == "" {
		return nil, game.NewError(game.KindValidation, "invalid_credential", "credential has no id", nil)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.pruneLocked()
	if _, seen := v.used[claims.ID]; seen {
		return nil, game.NewError(game.KindValidation, "invalid_credential", "credential already used", nil)
	}
	if latest, ok := v.generations[claims.SessionLocalID]; ok && claims.Generation < latest {
		return nil, game.NewError(game.KindStaleState, "credential_superseded",
			fmt.Sprintf("credential generation %d superseded by %d", claims.Generation, latest), nil)
	}

	v.used[claims.ID] = claims.ExpiresAt.Time
	v.generations[claims.SessionLocalID] = claims.Generation
	return &claims, nil
}

// Supersede refuses every credential for slot below minGeneration, whether or
// not it was ever presented. It never lowers the floor.
func (v *Verifier) Supersede(slot, minGeneration uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if minGeneration > v.generations[slot] {
		v.generations[slot] = minGeneration
	}
}

// pruneLocked drops consumed ids whose expiry has passed; they can no longer verify anyway.
func (v *Verifier) pruneLocked() {
	now := v.now()
	for id, exp := range v.used {
		if now.After(exp) {
			delete(v.used, id)
		}
	}
}
