package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func newIdentityServer(test *testing.T, userPath string, user any) *httptest.Server {
	test.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(writer http.ResponseWriter, request *http.Request) {
		if err := request.ParseForm(); err != nil || request.Form.Get("code") != "good-code" {
			http.Error(writer, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(map[string]any{"access_token": "access-123", "token_type": "Bearer", "expires_in": 3600})
	})
	mux.HandleFunc(userPath, func(writer http.ResponseWriter, request *http.Request) {
		if request.Header.Get("Authorization") != "Bearer access-123" {
			http.Error(writer, "unauthorized", http.StatusUnauthorized)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(user)
	})
	server := httptest.NewServer(mux)
	test.Cleanup(server.Close)
	return server
}

func TestGitHubProviderExchange(test *testing.T) {
	test.Parallel()
	server := newIdentityServer(test, "/user", map[string]any{"login": "alice", "name": "Alice", "avatar_url": "https://img.example.test/a.png"})
	provider := NewGitHubProvider(OAuthClientConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      server.URL + "/authorize",
		TokenURL:     server.URL + "/token",
		UserInfoURL:  server.URL + "/user",
	})

	authURL, err := url.Parse(provider.AuthCodeURL("nonce", "https://api.example.test/cb"))
	if err != nil {
		test.Fatalf("auth url: %v", err)
	}
	if authURL.Query().Get("state") != "nonce" || authURL.Query().Get("client_id") != "client" {
		test.Fatalf("unexpected auth url %s", authURL)
	}

	identity, err := provider.Exchange(context.Background(), "good-code", "https://api.example.test/cb")
	if err != nil {
		test.Fatalf("exchange: %v", err)
	}
	if identity.Identifier != "alice" || identity.Provider != ProviderGitHub || identity.Metadata["name"] != "Alice" {
		test.Fatalf("unexpected identity %+v", identity)
	}
	if _, err := provider.Exchange(context.Background(), "bad-code", "https://api.example.test/cb"); err == nil {
		test.Fatalf("expected exchange failure for bad code")
	}
}

func TestGoogleProviderExchange(test *testing.T) {
	test.Parallel()
	server := newIdentityServer(test, "/oauth2/v2/userinfo", map[string]any{"id": "123", "email": "alice@example.test", "name": "Alice"})
	provider := NewGoogleProvider(OAuthClientConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		AuthURL:      server.URL + "/authorize",
		TokenURL:     server.URL + "/token",
		UserInfoURL:  server.URL + "/",
	})
	identity, err := provider.Exchange(context.Background(), "good-code", "https://api.example.test/cb")
	if err != nil {
		test.Fatalf("exchange: %v", err)
	}
	if identity.Identifier != "alice@example.test" || identity.Provider != ProviderGoogle {
		test.Fatalf("unexpected identity %+v", identity)
	}
}
