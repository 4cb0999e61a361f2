package auth

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	s, err := NewSigner("secret", time.Minute)
	require.NoError(t, err)

	token, err := s.Sign("rid-1", "put")
	require.NoError(t, err)

	claims, err := s.Verify(token, "rid-1", "PUT")
	require.NoError(t, err)
	assert.Equal(t, "rid-1", claims.RID)
	assert.Equal(t, "PUT", claims.Method)
}

func TestSignerScope(t *testing.T) {
	s, _ := NewSigner("secret", time.Minute)
	token, err := s.Sign("rid-1", "GET")
	require.NoError(t, err)

	_, err = s.Verify(token, "rid-2", "GET")
	assert.ErrorIs(t, err, ErrScope)

	_, err = s.Verify(token, "rid-1", "PUT")
	assert.ErrorIs(t, err, ErrScope)

	other, _ := NewSigner("another", time.Minute)
	_, err = other.Verify(token, "rid-1", "GET")
	assert.Error(t, err)
}

func TestSignerExpiry(t *testing.T) {
	s, _ := NewSigner("secret", time.Minute)
	start := time.Now()
	s.now = func() time.Time { return start }
	token, err := s.Sign("rid", "GET")
	require.NoError(t, err)

	s.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = s.Verify(token, "rid", "GET")
	assert.Error(t, err)
}

func TestNewSignerRequiresSecret(t *testing.T) {
	_, err := NewSigner("", time.Minute)
	assert.Error(t, err)
}

func TestEnsureToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "auth_token")

	token, generated, err := EnsureToken(path, "  configured ")
	require.NoError(t, err)
	assert.Equal(t, "configured", token)
	assert.False(t, generated)

	token, generated, err = EnsureToken(path, "")
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, token, 43)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, generated, err := EnsureToken(path, "")
	require.NoError(t, err)
	assert.False(t, generated)
	assert.Equal(t, token, again)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/resources/x", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", BearerToken(r))

	r = httptest.NewRequest("GET", "/resources/x?token=q", nil)
	assert.Equal(t, "q", BearerToken(r))

	r = httptest.NewRequest("GET", "/resources/x", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(r))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("s3cret", "s3cret"))
	assert.False(t, Equal("s3cret", "s3cre"))
	assert.False(t, Equal("", ""))
}
