package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarkoPoloResearchLab/chatledger/pkg/ledger"
)

type stubUsers struct {
	mutex     sync.Mutex
	users     map[string]ledger.User
	upserts   []string
	upsertErr error
}

func newStubUsers() *stubUsers {
	return &stubUsers{users: map[string]ledger.User{}}
}

func (stub *stubUsers) GetUser(_ context.Context, userID ledger.UserID) (ledger.User, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	user, ok := stub.users[userID.String()]
	if !ok {
		return ledger.User{}, ledger.ErrUnknownUser
	}
	return user, nil
}

func (stub *stubUsers) UpsertUser(_ context.Context, userID ledger.UserID, metadata ledger.MetadataJSON) (ledger.User, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.upserts = append(stub.upserts, metadata.String())
	if stub.upsertErr != nil {
		return ledger.User{}, stub.upsertErr
	}
	user := stub.users[userID.String()]
	user.Identifier = userID
	user.Metadata = metadata
	stub.users[userID.String()] = user
	return user, nil
}

type stubProvider struct {
	id       string
	identity *Identity
	err      error
	codes    []string
	redirect []string
}

func (stub *stubProvider) ID() string {
	return stub.id
}

func (stub *stubProvider) AuthCodeURL(state string, redirectURI string) string {
	return "https://idp.example.test/authorize?state=" + state + "&redirect_uri=" + redirectURI
}

func (stub *stubProvider) Exchange(_ context.Context, code string, redirectURI string) (*Identity, error) {
	stub.codes = append(stub.codes, code)
	stub.redirect = append(stub.redirect, redirectURI)
	return stub.identity, stub.err
}

type nilPasswords struct{}

func (nilPasswords) VerifyPassword(context.Context, string, string) (*Identity, error) {
	return nil, nil
}

func mustGateway(test *testing.T, config GatewayConfig) *Gateway {
	test.Helper()
	if config.Sessions == nil {
		config.Sessions = mustSessionIssuer(test, nil)
	}
	gateway, err := NewGateway(config)
	if err != nil {
		test.Fatalf("new gateway: %v", err)
	}
	return gateway
}

func TestAuthenticateUnsupportedProof(test *testing.T) {
	test.Parallel()
	gateway := mustGateway(test, GatewayConfig{})
	for _, proof := range []Proof{PasswordProof{Username: "alice"}, HeaderProof{}, TokenProof{Token: "x"}} {
		if _, err := gateway.Authenticate(context.Background(), proof); !errors.Is(err, ErrProofUnsupported) {
			test.Fatalf("%T: expected ErrProofUnsupported, got %v", proof, err)
		}
	}
	if _, err := gateway.Authenticate(context.Background(), OAuthProof{ProviderID: "gitlab"}); !errors.Is(err, ErrUnknownProvider) {
		test.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestAuthenticateWithoutUserIsUnauthorized(test *testing.T) {
	test.Parallel()
	gateway := mustGateway(test, GatewayConfig{Passwords: nilPasswords{}})
	if _, err := gateway.Authenticate(context.Background(), PasswordProof{Username: "alice", Password: "x"}); !errors.Is(err, ErrUnauthorized) {
		test.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticatePersistsUserBestEffort(test *testing.T) {
	test.Parallel()
	users := newStubUsers()
	provider := &stubProvider{id: "github", identity: &Identity{Identifier: "alice", Provider: "github", Metadata: map[string]any{"name": "Alice"}}}
	gateway := mustGateway(test, GatewayConfig{Users: users, Providers: []OAuthProvider{provider}})

	session, err := gateway.Authenticate(context.Background(), OAuthProof{ProviderID: "github", Code: "abc"})
	if err != nil {
		test.Fatalf("authenticate: %v", err)
	}
	if session.UserID.String() != "alice" || session.Token == "" {
		test.Fatalf("unexpected session %+v", session)
	}
	if len(users.upserts) != 1 || users.upserts[0] != `{"name":"Alice","provider":"github"}` {
		test.Fatalf("unexpected upserts %v", users.upserts)
	}

	users.upsertErr = errors.New("database down")
	if _, err := gateway.Authenticate(context.Background(), OAuthProof{ProviderID: "github", Code: "def"}); err != nil {
		test.Fatalf("expected upsert failure to be swallowed, got %v", err)
	}
}

func TestAuthenticateVerifierFailureIsUnauthorized(test *testing.T) {
	test.Parallel()
	provider := &stubProvider{id: "github", err: errors.New("bad code")}
	gateway := mustGateway(test, GatewayConfig{Providers: []OAuthProvider{provider}})
	if _, err := gateway.Authenticate(context.Background(), OAuthProof{ProviderID: "github", Code: "abc"}); !errors.Is(err, ErrUnauthorized) {
		test.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewGatewayRejectsDuplicateProviders(test *testing.T) {
	test.Parallel()
	_, err := NewGateway(GatewayConfig{
		Sessions:  mustSessionIssuer(test, nil),
		Providers: []OAuthProvider{&stubProvider{id: "github"}, &stubProvider{id: "github"}},
	})
	if !errors.Is(err, ErrInvalidGatewayConfig) {
		test.Fatalf("expected ErrInvalidGatewayConfig, got %v", err)
	}
}
