package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugspotter/bugspotter/internal/model"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2-but-longer")
	require.NoError(t, err)
	require.Contains(t, hash, "$")

	ok, err := VerifyPassword("hunter2-but-longer", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong-password", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same password hashes differently each time (per-user salt).
	hash2, err := HashPassword("hunter2-but-longer")
	require.NoError(t, err)
	assert.NotEqual(t, hash, hash2)
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	for _, h := range []string{"", "no-separator", "!!!$also-bad"} {
		_, err := VerifyPassword("anything", h)
		assert.Error(t, err, h)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	mgr, err := NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)

	user := model.User{ID: uuid.New(), Role: model.RoleAdmin}
	token, exp, err := mgr.IssueToken(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, model.RoleAdmin, claims.Role)
}

func TestJWTRejectsExpired(t *testing.T) {
	mgr, err := NewJWTManager(testSecret, -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(model.User{ID: uuid.New(), Role: model.RoleUser})
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	mgr1, err := NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)
	mgr2, err := NewJWTManager(strings.Repeat("x", 32), time.Hour)
	require.NoError(t, err)

	token, _, err := mgr1.IssueToken(model.User{ID: uuid.New(), Role: model.RoleUser})
	require.NoError(t, err)

	_, err = mgr2.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTRejectsTampered(t *testing.T) {
	mgr, err := NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(model.User{ID: uuid.New(), Role: model.RoleViewer})
	require.NoError(t, err)

	// Flip a character in the payload segment.
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	payload := []byte(parts[1])
	payload[0] ^= 1
	parts[1] = string(payload)

	_, err = mgr.ValidateToken(strings.Join(parts, "."))
	assert.Error(t, err)
}

func TestNewJWTManagerRejectsShortSecret(t *testing.T) {
	_, err := NewJWTManager("too-short", time.Hour)
	assert.Error(t, err)
}

func TestRefreshTokens(t *testing.T) {
	tok1, err := GenerateRefreshToken()
	require.NoError(t, err)
	tok2, err := GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2)

	// 256 bits, base64url without padding.
	assert.Len(t, tok1, 43)

	// Hashing is deterministic and hex-encoded SHA-256.
	h := HashRefreshToken(tok1)
	assert.Equal(t, h, HashRefreshToken(tok1))
	assert.Len(t, h, 64)
	assert.NotEqual(t, h, HashRefreshToken(tok2))
}
