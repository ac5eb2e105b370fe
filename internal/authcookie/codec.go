// Package authcookie stores bearer tokens in cookies, splitting tokens that
// exceed the per-cookie size limit into numbered chunks.
package authcookie

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultName      = "access_token"
	DefaultPath      = "/"
	DefaultChunkSize = 3000
	DefaultMaxAge    = 15 * 24 * time.Hour

	SameSiteLax    = "lax"
	SameSiteStrict = "strict"
	SameSiteNone   = "none"

	chunkSeparator = "_"
)

// ErrInvalidConfig reports an unusable cookie configuration.
var ErrInvalidConfig = errors.New("authcookie: invalid config")

// Config describes cookie attributes shared by every auth cookie.
type Config struct {
	Name      string
	Path      string
	SameSite  string
	ChunkSize int
	MaxAge    time.Duration
}

// Codec encodes a token into an ordered set of cookies and back.
type Codec struct {
	name      string
	path      string
	sameSite  http.SameSite
	secure    bool
	chunkSize int
	maxAge    time.Duration
}

// NewCodec validates the configuration and applies defaults.
func NewCodec(config Config) (*Codec, error) {
	codec := &Codec{
		name:      strings.TrimSpace(config.Name),
		path:      strings.TrimSpace(config.Path),
		chunkSize: config.ChunkSize,
		maxAge:    config.MaxAge,
	}
	if codec.name == "" {
		codec.name = DefaultName
	}
	if codec.path == "" {
		codec.path = DefaultPath
	}
	if codec.chunkSize == 0 {
		codec.chunkSize = DefaultChunkSize
	}
	if codec.chunkSize < 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	}
	if codec.maxAge == 0 {
		codec.maxAge = DefaultMaxAge
	}
	switch strings.ToLower(strings.TrimSpace(config.SameSite)) {
	case "", SameSiteLax:
		codec.sameSite = http.SameSiteLaxMode
	case SameSiteStrict:
		codec.sameSite = http.SameSiteStrictMode
	case SameSiteNone:
		codec.sameSite = http.SameSiteNoneMode
		codec.secure = true
	default:
		return nil, fmt.Errorf("%w: unsupported samesite %q", ErrInvalidConfig, config.SameSite)
	}
	return codec, nil
}

// Name returns the canonical cookie name.
func (codec *Codec) Name() string {
	return codec.name
}

// ChunkName returns the cookie name of chunk index.
func (codec *Codec) ChunkName(index int) string {
	return codec.name + chunkSeparator + strconv.Itoa(index)
}

// Encode splits token into cookies. Tokens that fit into one cookie use the
// canonical name; larger ones use name_0 .. name_{n-1}.
func (codec *Codec) Encode(token string) []*http.Cookie {
	if len(token) <= codec.chunkSize {
		return []*http.Cookie{codec.cookie(codec.name, token)}
	}
	count := (len(token) + codec.chunkSize - 1) / codec.chunkSize
	cookies := make([]*http.Cookie, 0, count)
	for index := 0; index < count; index++ {
		start := index * codec.chunkSize
		end := min(start+codec.chunkSize, len(token))
		cookies = append(cookies, codec.cookie(codec.ChunkName(index), token[start:end]))
	}
	return cookies
}

// Decode reassembles a token. The canonical cookie wins; otherwise chunks are
// read from index 0 until the first missing index.
func (codec *Codec) Decode(lookup func(name string) (string, bool)) (string, bool) {
	if value, ok := lookup(codec.name); ok && value != "" {
		return value, true
	}
	var builder strings.Builder
	for index := 0; ; index++ {
		value, ok := lookup(codec.ChunkName(index))
		if !ok {
			break
		}
		builder.WriteString(value)
	}
	if builder.Len() == 0 {
		return "", false
	}
	return builder.String(), true
}

// Read decodes the token carried by request cookies.
func (codec *Codec) Read(request *http.Request) (string, bool) {
	return codec.Decode(func(name string) (string, bool) {
		cookie, err := request.Cookie(name)
		if err != nil {
			return "", false
		}
		return cookie.Value, true
	})
}

// Write sets the cookies for token and deletes every auth cookie present on
// the request that is not part of the new encoding.
func (codec *Codec) Write(writer http.ResponseWriter, request *http.Request, token string) {
	cookies := codec.Encode(token)
	written := make(map[string]struct{}, len(cookies))
	for _, cookie := range cookies {
		written[cookie.Name] = struct{}{}
		http.SetCookie(writer, cookie)
	}
	for _, name := range codec.presentNames(request) {
		if _, keep := written[name]; keep {
			continue
		}
		http.SetCookie(writer, codec.expired(name))
	}
}

// Clear deletes every auth cookie present on the request.
func (codec *Codec) Clear(writer http.ResponseWriter, request *http.Request) {
	for _, name := range codec.presentNames(request) {
		http.SetCookie(writer, codec.expired(name))
	}
}

// IsAuthCookie reports whether name is the canonical name or a chunk name.
func (codec *Codec) IsAuthCookie(name string) bool {
	if name == codec.name {
		return true
	}
	suffix, found := strings.CutPrefix(name, codec.name+chunkSeparator)
	if !found || suffix == "" {
		return false
	}
	for _, character := range suffix {
		if character < '0' || character > '9' {
			return false
		}
	}
	return true
}

func (codec *Codec) presentNames(request *http.Request) []string {
	if request == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var names []string
	for _, cookie := range request.Cookies() {
		if !codec.IsAuthCookie(cookie.Name) {
			continue
		}
		if _, duplicate := seen[cookie.Name]; duplicate {
			continue
		}
		seen[cookie.Name] = struct{}{}
		names = append(names, cookie.Name)
	}
	return names
}

func (codec *Codec) cookie(name string, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     codec.path,
		MaxAge:   int(codec.maxAge / time.Second),
		HttpOnly: true,
		Secure:   codec.secure,
		SameSite: codec.sameSite,
	}
}

func (codec *Codec) expired(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     codec.path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   codec.secure,
		SameSite: codec.sameSite,
	}
}
