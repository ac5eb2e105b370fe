package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
	googleoauth "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"

	defaultGitHubUserURL = "https://api.github.com/user"
	maxUserInfoBytes     = 1 << 20
)

// OAuthProvider runs the authorization code flow for one identity provider.
type OAuthProvider interface {
	ID() string
	AuthCodeURL(state string, redirectURI string) string
	Exchange(ctx context.Context, code string, redirectURI string) (*Identity, error)
}

// OAuthClientConfig holds client credentials. Empty URLs use the provider's
// public endpoints.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
}

func (config OAuthClientConfig) oauth2Config(defaultEndpoint oauth2.Endpoint, scopes []string) oauth2.Config {
	endpoint := defaultEndpoint
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	return oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// GoogleProvider signs users in with Google and identifies them by email.
type GoogleProvider struct {
	config      oauth2.Config
	userInfoURL string
}

// NewGoogleProvider configures the Google flow.
func NewGoogleProvider(config OAuthClientConfig) *GoogleProvider {
	return &GoogleProvider{
		config: config.oauth2Config(google.Endpoint, []string{
			googleoauth.OpenIDScope,
			googleoauth.UserinfoEmailScope,
			googleoauth.UserinfoProfileScope,
		}),
		userInfoURL: config.UserInfoURL,
	}
}

func (provider *GoogleProvider) ID() string {
	return ProviderGoogle
}

func (provider *GoogleProvider) AuthCodeURL(state string, redirectURI string) string {
	config := provider.config
	config.RedirectURL = redirectURI
	return config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "login"))
}

func (provider *GoogleProvider) Exchange(ctx context.Context, code string, redirectURI string) (*Identity, error) {
	config := provider.config
	config.RedirectURL = redirectURI
	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google token exchange: %w", err)
	}
	options := []option.ClientOption{option.WithHTTPClient(config.Client(ctx, token))}
	if provider.userInfoURL != "" {
		options = append(options, option.WithEndpoint(provider.userInfoURL))
	}
	service, err := googleoauth.NewService(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("google userinfo client: %w", err)
	}
	info, err := service.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("google userinfo: %w", err)
	}
	if strings.TrimSpace(info.Email) == "" {
		return nil, nil
	}
	return &Identity{
		Identifier: info.Email,
		Provider:   ProviderGoogle,
		Metadata: map[string]any{
			"name":  info.Name,
			"image": info.Picture,
		},
	}, nil
}

// GitHubProvider signs users in with GitHub and identifies them by login.
type GitHubProvider struct {
	config  oauth2.Config
	userURL string
}

// NewGitHubProvider configures the GitHub flow.
func NewGitHubProvider(config OAuthClientConfig) *GitHubProvider {
	userURL := config.UserInfoURL
	if userURL == "" {
		userURL = defaultGitHubUserURL
	}
	return &GitHubProvider{
		config:  config.oauth2Config(github.Endpoint, []string{"read:user", "user:email"}),
		userURL: userURL,
	}
}

func (provider *GitHubProvider) ID() string {
	return ProviderGitHub
}

func (provider *GitHubProvider) AuthCodeURL(state string, redirectURI string) string {
	config := provider.config
	config.RedirectURL = redirectURI
	return config.AuthCodeURL(state)
}

type gitHubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

func (provider *GitHubProvider) Exchange(ctx context.Context, code string, redirectURI string) (*Identity, error) {
	config := provider.config
	config.RedirectURL = redirectURI
	token, err := config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("github token exchange: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.userURL, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/vnd.github+json")
	response, err := config.Client(ctx, token).Do(request)
	if err != nil {
		return nil, fmt.Errorf("github user: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github user: status %d", response.StatusCode)
	}
	var user gitHubUser
	if err := json.NewDecoder(io.LimitReader(response.Body, maxUserInfoBytes)).Decode(&user); err != nil {
		return nil, fmt.Errorf("github user: %w", err)
	}
	if strings.TrimSpace(user.Login) == "" {
		return nil, nil
	}
	return &Identity{
		Identifier: user.Login,
		Provider:   ProviderGitHub,
		Metadata: map[string]any{
			"name":  user.Name,
			"email": user.Email,
			"image": user.AvatarURL,
		},
	}, nil
}
