// Package auth turns credential proofs into signed session cookies.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/chatledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
	"go.uber.org/zap"
)

var (
	// ErrProofUnsupported reports a proof kind with no configured verifier.
	ErrProofUnsupported = errors.New("auth: proof kind not configured")
	// ErrUnauthorized reports a proof that did not establish a user.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrUnknownProvider reports an OAuth provider id that is not configured.
	ErrUnknownProvider = errors.New("auth: unknown oauth provider")
	// ErrInvalidGatewayConfig reports missing gateway dependencies.
	ErrInvalidGatewayConfig = errors.New("auth: invalid gateway config")
)

// Proof is a credential presented for authentication. The set of
// implementations is closed.
type Proof interface {
	kind() string
}

// PasswordProof is a username and password pair.
type PasswordProof struct {
	Username string
	Password string
}

// HeaderProof carries request headers set by a trusted upstream.
type HeaderProof struct {
	Header map[string][]string
}

// TokenProof is a bearer JWT.
type TokenProof struct {
	Token string
}

// OAuthProof is an authorization code returned by an OAuth provider.
type OAuthProof struct {
	ProviderID  string
	Code        string
	RedirectURI string
}

func (PasswordProof) kind() string { return "password" }
func (HeaderProof) kind() string   { return "header" }
func (TokenProof) kind() string    { return "token" }
func (OAuthProof) kind() string    { return "oauth" }

// Identity is a verified user as reported by a verifier.
type Identity struct {
	Identifier string
	Provider   string
	Metadata   map[string]any
}

// PasswordVerifier checks a username and password. A nil identity with a nil
// error means the credentials were rejected.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, username string, password string) (*Identity, error)
}

// HeaderVerifier extracts a user from trusted headers.
type HeaderVerifier interface {
	VerifyHeader(ctx context.Context, header map[string][]string) (*Identity, error)
}

// TokenVerifier validates a bearer JWT.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

// UserStore is the part of the ledger that tracks account holders.
type UserStore interface {
	GetUser(ctx context.Context, userID ledger.UserID) (ledger.User, error)
	UpsertUser(ctx context.Context, userID ledger.UserID, metadata ledger.MetadataJSON) (ledger.User, error)
}

// Session is an authenticated user with a signed token.
type Session struct {
	UserID    ledger.UserID
	Identity  Identity
	Token     string
	ExpiresAt time.Time
}

// GatewayConfig wires a Gateway. Nil verifiers leave their proof kind unsupported.
type GatewayConfig struct {
	Sessions  *SessionIssuer
	Users     UserStore
	Passwords PasswordVerifier
	Headers   HeaderVerifier
	Tokens    TokenVerifier
	Providers []OAuthProvider
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Gateway dispatches proofs to their verifiers and issues sessions.
type Gateway struct {
	sessions  *SessionIssuer
	users     UserStore
	passwords PasswordVerifier
	headers   HeaderVerifier
	tokens    TokenVerifier
	providers map[string]OAuthProvider
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewGateway validates config.
func NewGateway(config GatewayConfig) (*Gateway, error) {
	if config.Sessions == nil {
		return nil, fmt.Errorf("%w: session issuer is nil", ErrInvalidGatewayConfig)
	}
	gateway := &Gateway{
		sessions:  config.Sessions,
		users:     config.Users,
		passwords: config.Passwords,
		headers:   config.Headers,
		tokens:    config.Tokens,
		providers: map[string]OAuthProvider{},
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
	for _, provider := range config.Providers {
		if provider == nil {
			continue
		}
		if _, exists := gateway.providers[provider.ID()]; exists {
			return nil, fmt.Errorf("%w: duplicate oauth provider %q", ErrInvalidGatewayConfig, provider.ID())
		}
		gateway.providers[provider.ID()] = provider
	}
	if gateway.logger == nil {
		gateway.logger = zap.NewNop()
	}
	gateway.logger = gateway.logger.Named("auth")
	return gateway, nil
}

// Provider returns the configured OAuth provider with id.
func (gateway *Gateway) Provider(id string) (OAuthProvider, bool) {
	provider, ok := gateway.providers[id]
	return provider, ok
}

// Authenticate verifies proof and issues a session for the resulting user.
func (gateway *Gateway) Authenticate(ctx context.Context, proof Proof) (Session, error) {
	session, err := gateway.authenticate(ctx, proof)
	result := "ok"
	switch {
	case errors.Is(err, ErrProofUnsupported):
		result = "unsupported"
	case err != nil:
		result = "rejected"
	}
	kind := "unknown"
	if proof != nil {
		kind = proof.kind()
	}
	gateway.metrics.ObserveAuthAttempt(kind, result)
	return session, err
}

func (gateway *Gateway) authenticate(ctx context.Context, proof Proof) (Session, error) {
	identity, err := gateway.verify(ctx, proof)
	if err != nil {
		return Session{}, err
	}
	if identity == nil {
		return Session{}, ErrUnauthorized
	}
	userID, err := ledger.NewUserID(identity.Identifier)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	gateway.persistUser(ctx, userID, *identity)

	token, expiresAt, err := gateway.sessions.Issue(userID, *identity)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: userID, Identity: *identity, Token: token, ExpiresAt: expiresAt}, nil
}

func (gateway *Gateway) verify(ctx context.Context, proof Proof) (*Identity, error) {
	var (
		identity *Identity
		err      error
	)
	switch typed := proof.(type) {
	case PasswordProof:
		if gateway.passwords == nil {
			return nil, ErrProofUnsupported
		}
		identity, err = gateway.passwords.VerifyPassword(ctx, typed.Username, typed.Password)
	case HeaderProof:
		if gateway.headers == nil {
			return nil, ErrProofUnsupported
		}
		identity, err = gateway.headers.VerifyHeader(ctx, typed.Header)
	case TokenProof:
		if gateway.tokens == nil {
			return nil, ErrProofUnsupported
		}
		identity, err = gateway.tokens.VerifyToken(ctx, typed.Token)
	case OAuthProof:
		provider, ok := gateway.providers[typed.ProviderID]
		if !ok {
			return nil, ErrUnknownProvider
		}
		identity, err = provider.Exchange(ctx, typed.Code, typed.RedirectURI)
	default:
		return nil, ErrProofUnsupported
	}
	if err != nil {
		gateway.logger.Warn("credential verification failed", zap.String("kind", proof.kind()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return identity, nil
}

// persistUser records the user in the ledger. Failures are logged and do
// not fail the login.
func (gateway *Gateway) persistUser(ctx context.Context, userID ledger.UserID, identity Identity) {
	if gateway.users == nil {
		return
	}
	metadata := map[string]any{}
	for key, value := range identity.Metadata {
		metadata[key] = value
	}
	if identity.Provider != "" {
		metadata["provider"] = identity.Provider
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		gateway.logger.Error("user metadata not encodable", zap.String("user_id", userID.String()), zap.Error(err))
		encoded = []byte("{}")
	}
	metadataJSON, err := ledger.NewMetadataJSON(string(encoded))
	if err != nil {
		gateway.logger.Error("user metadata invalid", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	if _, err := gateway.users.UpsertUser(ctx, userID, metadataJSON); err != nil {
		gateway.logger.Error("user upsert failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}
