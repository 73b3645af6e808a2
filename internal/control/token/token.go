// Package token mints and validates the bearer tokens step containers use
// to authenticate to the control-layer server.
package token

import (
	"crypto/subtle"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lazyaf/engine/internal/lazyerr"
)

const expiry = 24 * time.Hour

// Claims is the token payload: which step execution this token authorizes.
type Claims struct {
	StepExecutionID string `json:"step_id"`
	jwt.RegisteredClaims
}

// Signer mints and validates HS256 step tokens.
type Signer struct {
	secret []byte
}

// NewSigner wraps an HMAC secret. The secret must be kept identical between
// the backend (which mints tokens) and itself (which validates them) —
// there is no other party in this protocol.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Mint issues a token scoped to one step execution, valid for 24 hours.
func (s *Signer) Mint(stepExecutionID string, now time.Time) (string, error) {
	claims := Claims{
		StepExecutionID: stepExecutionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", lazyerr.Wrap(lazyerr.KindFatal, "sign step token", err)
	}
	return signed, nil
}

// Verify parses raw and confirms it authorizes stepExecutionID. The step ID
// comparison is constant-time so a forged-but-expired-looking token can't
// be used to probe for valid step IDs via timing.
func (s *Signer) Verify(raw, stepExecutionID string) error {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil || !parsed.Valid {
		return lazyerr.Wrap(lazyerr.KindUnauthorized, "invalid step token", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return lazyerr.New(lazyerr.KindUnauthorized, "invalid step token claims")
	}
	if subtle.ConstantTimeCompare([]byte(claims.StepExecutionID), []byte(stepExecutionID)) != 1 {
		return lazyerr.New(lazyerr.KindForbidden, "token does not authorize this step")
	}
	return nil
}
