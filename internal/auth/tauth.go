package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

// ProviderTAuth labels identities established by an upstream TAuth session.
const ProviderTAuth = "tauth"

// TAuthConfig configures acceptance of sessions minted by a TAuth service.
type TAuthConfig struct {
	SigningKey []byte
	Issuer     string
	Now        func() time.Time
}

// TAuthVerifier accepts TAuth session tokens as bearer proofs.
type TAuthVerifier struct {
	signingKey []byte
	issuer     string
	now        func() time.Time
}

// NewTAuthVerifier validates config.
func NewTAuthVerifier(config TAuthConfig) (*TAuthVerifier, error) {
	if len(config.SigningKey) == 0 || strings.TrimSpace(config.Issuer) == "" {
		return nil, fmt.Errorf("%w: tauth signing key and issuer are required", ErrInvalidSessionConfig)
	}
	verifier := &TAuthVerifier{
		signingKey: config.SigningKey,
		issuer:     strings.TrimSpace(config.Issuer),
		now:        config.Now,
	}
	if verifier.now == nil {
		verifier.now = time.Now
	}
	return verifier, nil
}

func (verifier *TAuthVerifier) VerifyToken(_ context.Context, token string) (*Identity, error) {
	claims := &sessionvalidator.Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return verifier.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(verifier.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(verifier.now),
	)
	if err != nil || !parsed.Valid {
		return nil, nil
	}
	identifier := strings.TrimSpace(claims.GetUserEmail())
	if identifier == "" {
		identifier = strings.TrimSpace(claims.GetUserID())
	}
	if identifier == "" {
		return nil, nil
	}
	metadata := map[string]any{"tauth_user_id": claims.GetUserID()}
	if name := claims.GetUserDisplayName(); name != "" {
		metadata["name"] = name
	}
	return &Identity{Identifier: identifier, Provider: ProviderTAuth, Metadata: metadata}, nil
}

// TokenVerifiers tries each verifier in order and returns the first identity.
type TokenVerifiers []TokenVerifier

func (verifiers TokenVerifiers) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	var lastErr error
	for _, verifier := range verifiers {
		if verifier == nil {
			continue
		}
		identity, err := verifier.VerifyToken(ctx, token)
		if err == nil && identity != nil {
			return identity, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	return nil, lastErr
}
