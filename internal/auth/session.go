package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultIssuer          = "chatledger"
	DefaultSessionLifetime = 15 * 24 * time.Hour

	minSigningKeyBytes = 32
)

// ErrInvalidSessionConfig reports an unusable signing configuration.
var ErrInvalidSessionConfig = errors.New("auth: invalid session config")

// SessionConfig configures session token signing.
type SessionConfig struct {
	SigningKey []byte
	Issuer     string
	Lifetime   time.Duration
	Now        func() time.Time
}

// SessionClaims are the claims carried by a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Provider string         `json:"provider,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionIssuer signs and validates HS256 session tokens.
type SessionIssuer struct {
	signingKey []byte
	issuer     string
	lifetime   time.Duration
	now        func() time.Time
}

// NewSessionIssuer validates config.
func NewSessionIssuer(config SessionConfig) (*SessionIssuer, error) {
	if len(config.SigningKey) < minSigningKeyBytes {
		return nil, fmt.Errorf("%w: signing key must be at least %d bytes", ErrInvalidSessionConfig, minSigningKeyBytes)
	}
	issuer := &SessionIssuer{
		signingKey: config.SigningKey,
		issuer:     strings.TrimSpace(config.Issuer),
		lifetime:   config.Lifetime,
		now:        config.Now,
	}
	if issuer.issuer == "" {
		issuer.issuer = DefaultIssuer
	}
	if issuer.lifetime <= 0 {
		issuer.lifetime = DefaultSessionLifetime
	}
	if issuer.now == nil {
		issuer.now = time.Now
	}
	return issuer, nil
}

// Lifetime is the validity of issued tokens.
func (issuer *SessionIssuer) Lifetime() time.Duration {
	return issuer.lifetime
}

// Issue signs a token for userID.
func (issuer *SessionIssuer) Issue(userID ledger.UserID, identity Identity) (string, time.Time, error) {
	issuedAt := issuer.now().UTC()
	expiresAt := issuedAt.Add(issuer.lifetime)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Provider: identity.Provider,
		Metadata: identity.Metadata,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(issuer.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return token, expiresAt, nil
}

// Parse validates signature, issuer and expiry.
func (issuer *SessionIssuer) Parse(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return issuer.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(issuer.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// VerifyToken makes the issuer usable as the bearer JWT verifier.
func (issuer *SessionIssuer) VerifyToken(_ context.Context, token string) (*Identity, error) {
	claims, err := issuer.Parse(token)
	if err != nil {
		return nil, err
	}
	return &Identity{Identifier: claims.Subject, Provider: claims.Provider, Metadata: claims.Metadata}, nil
}
