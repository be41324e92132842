package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIKeyPrefix is the static prefix carried by every project API key.
const APIKeyPrefix = "bgs_"

// apiKeyEntropyBytes is the number of CSPRNG bytes in a generated key.
const apiKeyEntropyBytes = 32

// Project is the tenant boundary. It owns bug reports, sessions attached to
// them, and the project's retention policy.
type Project struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	APIKey    string         `json:"api_key,omitempty"` // Only populated for owner/admin reads.
	OwnerID   uuid.UUID      `json:"owner_id"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// GenerateAPIKey produces a new project API key: "bgs_" followed by 32 bytes
// of CSPRNG entropy, base64url-encoded without padding.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("model: generate api key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidAPIKeyFormat reports whether key has the shape of a project API key.
// This is a cheap pre-check before the database lookup, not a credential check.
func ValidAPIKeyFormat(key string) bool {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return false
	}
	secret := key[len(APIKeyPrefix):]
	if len(secret) < base64.RawURLEncoding.EncodedLen(apiKeyEntropyBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(secret)
	return err == nil
}

// ValidateProjectName checks the project name length bounds.
func ValidateProjectName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("name must be at most 255 characters")
	}
	return nil
}
