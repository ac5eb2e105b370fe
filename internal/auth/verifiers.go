package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidPasswordFile reports an unreadable or malformed password file.
var ErrInvalidPasswordFile = errors.New("auth: invalid password file")

// dummyHash keeps rejection of unknown users as slow as a real comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("chatledger-unknown-user"), bcrypt.MinCost)

// PasswordDirectory verifies passwords against bcrypt hashes.
type PasswordDirectory struct {
	hashes map[string][]byte
}

// NewPasswordDirectory builds a directory from username to bcrypt hash.
func NewPasswordDirectory(hashes map[string]string) *PasswordDirectory {
	directory := &PasswordDirectory{hashes: make(map[string][]byte, len(hashes))}
	for username, hash := range hashes {
		directory.hashes[strings.TrimSpace(username)] = []byte(strings.TrimSpace(hash))
	}
	return directory
}

// LoadPasswordFile reads "username:bcrypt-hash" lines. Blank lines and lines
// starting with # are skipped.
func LoadPasswordFile(path string) (*PasswordDirectory, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPasswordFile, err)
	}
	defer file.Close()

	hashes := map[string]string{}
	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		username, hash, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(username) == "" || strings.TrimSpace(hash) == "" {
			return nil, fmt.Errorf("%w: line %d", ErrInvalidPasswordFile, lineNumber)
		}
		hashes[username] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPasswordFile, err)
	}
	return NewPasswordDirectory(hashes), nil
}

func (directory *PasswordDirectory) VerifyPassword(_ context.Context, username string, password string) (*Identity, error) {
	username = strings.TrimSpace(username)
	hash, ok := directory.hashes[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, nil
		}
		return nil, err
	}
	return &Identity{Identifier: username, Provider: "credentials"}, nil
}

// TrustedHeader takes the user identifier from a header set by an
// authenticating proxy.
type TrustedHeader struct {
	Name string
}

func (trusted TrustedHeader) VerifyHeader(_ context.Context, header map[string][]string) (*Identity, error) {
	value := strings.TrimSpace(http.Header(header).Get(trusted.Name))
	if value == "" {
		return nil, nil
	}
	return &Identity{Identifier: value, Provider: "header"}, nil
}
