package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// GenerateToken returns 32 random bytes as URL-safe base64.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// EnsureToken returns current when set. Otherwise it reads the token persisted
// at path, generating and saving one when there is none yet. generated reports
// whether a new token was written.
func EnsureToken(path, current string) (token string, generated bool, err error) {
	if current = strings.TrimSpace(current); current != "" {
		return current, false, nil
	}
	if path == "" {
		token, err = GenerateToken()
		return token, err == nil, err
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if saved := strings.TrimSpace(string(data)); saved != "" {
			return saved, false, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", false, fmt.Errorf("read token file: %w", err)
	}

	token, err = GenerateToken()
	if err != nil {
		return "", false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", false, fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", false, fmt.Errorf("write token file: %w", err)
	}
	return token, true, nil
}

// BearerToken extracts the credential from an Authorization header or the
// token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, value, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
	}
	return r.URL.Query().Get("token")
}

// Equal compares secrets in constant time. An empty expected secret never
// matches.
func Equal(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
