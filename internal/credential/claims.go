package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vovakirdan/wiregame-server/internal/game"
)

// Audience is the audience claim every connect credential carries.
const Audience = "wiregame-worker"

// Claims represents the signed body of a connect credential.
type Claims struct {
	SessionID      uint64 `json:"sid"`
	SessionLocalID uint32 `json:"slot"`
	Fingerprint    string `json:"fp"`
	Generation     uint32 `json:"gen"`
	jwt.RegisteredClaims
}

// Credential is what a participant presents to the worker to attach to its slot.
type Credential struct {
	SessionID      game.SessionID `json:"session_id"`
	SessionLocalID uint32         `json:"session_local_id"`
	Fingerprint    Fingerprint    `json:"fingerprint"`
	Token          string         `json:"token"`
	Expiry         time.Time      `json:"expiry"`
	// Generation increases with every reissue for the slot.
	Generation uint32 `json:"generation"`
}

type mintParams struct {
	key         []byte
	sessionID   game.SessionID
	slot        game.Slot
	fingerprint Fingerprint
	generation  uint32
	tokenID     string
	issuedAt    time.Time
	ttl         time.Duration
}

// mint signs a credential with the per-session key.
func mint(p mintParams) (Credential, error) {
	expiry := p.issuedAt.Add(p.ttl)
	claims := Claims{
		SessionID:      uint64(p.sessionID),
		SessionLocalID: p.slot.SessionLocalID,
		Fingerprint:    string(p.fingerprint),
		Generation:     p.generation,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        p.tokenID,
			Subject:   p.slot.UserID,
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(p.issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.key)
	if err != nil {
		return Credential{}, err
	}

	return Credential{
		SessionID:      p.sessionID,
		SessionLocalID: p.slot.SessionLocalID,
		Fingerprint:    p.fingerprint,
		Token:          signed,
		Expiry:         expiry,
		Generation:     p.generation,
	}, nil
}
