// Package oauthstate binds an OAuth authorization request to the browser
// that started it and carries the post-login redirect across the provider hop.
package oauthstate

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	StateCookieName = "oauth_state"
	DefaultLifetime = 180 * time.Second
	DefaultPath     = "/"

	nonceBytes = 24
)

var (
	// ErrStateMismatch reports a missing or foreign state value.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrNonceGeneration reports a failure of the random source.
	ErrNonceGeneration = errors.New("oauth nonce generation failed")

	redirectNameReplacer = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// Config carries cookie attributes for the state cookies.
type Config struct {
	Path     string
	SameSite http.SameSite
	Secure   bool
	Lifetime time.Duration
	Random   io.Reader
}

// Store keeps OAuth state in short-lived cookies.
type Store struct {
	path     string
	sameSite http.SameSite
	secure   bool
	lifetime time.Duration
	random   io.Reader
}

// NewStore applies defaults to config.
func NewStore(config Config) *Store {
	store := &Store{
		path:     config.Path,
		sameSite: config.SameSite,
		secure:   config.Secure,
		lifetime: config.Lifetime,
		random:   config.Random,
	}
	if store.path == "" {
		store.path = DefaultPath
	}
	if store.sameSite == 0 {
		store.sameSite = http.SameSiteLaxMode
	}
	if store.lifetime <= 0 {
		store.lifetime = DefaultLifetime
	}
	if store.random == nil {
		store.random = rand.Reader
	}
	return store
}

// Begin mints a nonce and stores it, along with target when present.
func (store *Store) Begin(writer http.ResponseWriter, target *RedirectTarget) (string, error) {
	buffer := make([]byte, nonceBytes)
	if _, err := io.ReadFull(store.random, buffer); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNonceGeneration, err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buffer)
	http.SetCookie(writer, store.cookie(StateCookieName, nonce))
	if target != nil {
		payload, err := json.Marshal(target)
		if err != nil {
			return "", err
		}
		http.SetCookie(writer, store.cookie(RedirectCookieName(nonce), base64.RawURLEncoding.EncodeToString(payload)))
	}
	return nonce, nil
}

// Validate fails closed unless the state cookie exists and equals state.
func (store *Store) Validate(request *http.Request, state string) error {
	cookie, err := request.Cookie(StateCookieName)
	if err != nil || cookie.Value == "" || state == "" {
		return ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		return ErrStateMismatch
	}
	return nil
}

// RedirectTarget returns the target bound to the current nonce. The cookie is
// client-controlled, so the target must pass policy again.
func (store *Store) RedirectTarget(request *http.Request, policy RedirectPolicy) (RedirectTarget, bool) {
	stateCookie, err := request.Cookie(StateCookieName)
	if err != nil || stateCookie.Value == "" {
		return RedirectTarget{}, false
	}
	cookie, err := request.Cookie(RedirectCookieName(stateCookie.Value))
	if err != nil {
		return RedirectTarget{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return RedirectTarget{}, false
	}
	var stored RedirectTarget
	if err := json.Unmarshal(payload, &stored); err != nil {
		return RedirectTarget{}, false
	}
	target, err := policy.Check(stored)
	if err != nil {
		return RedirectTarget{}, false
	}
	return target, true
}

// Clear deletes the state cookie and the redirect cookie bound to it.
func (store *Store) Clear(writer http.ResponseWriter, request *http.Request) {
	if stateCookie, err := request.Cookie(StateCookieName); err == nil && stateCookie.Value != "" {
		http.SetCookie(writer, store.expired(RedirectCookieName(stateCookie.Value)))
	}
	http.SetCookie(writer, store.expired(StateCookieName))
}

// RedirectCookieName derives the redirect cookie name from a nonce.
func RedirectCookieName(nonce string) string {
	return strings.ToLower(redirectNameReplacer.ReplaceAllString(nonce, "_"))
}

func (store *Store) cookie(name string, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     store.path,
		MaxAge:   int(store.lifetime / time.Second),
		HttpOnly: true,
		Secure:   store.secure,
		SameSite: store.sameSite,
	}
}

func (store *Store) expired(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     store.path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   store.secure,
		SameSite: store.sameSite,
	}
}
