package authkit

import (
	"crypto/sha256"
	"encoding/base64"

	"github.com/google/uuid"
)

// HashRefreshToken derives the allow-list key for a token. Stores keep digests so a
// leaked table does not hand out usable refresh tokens.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewUserID returns a fresh user identifier.
func NewUserID() string {
	return uuid.NewString()
}
