package authkit

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// GoogleSignInPasswordMarker is stored in place of a password hash for accounts
// created through Google sign-in. It is not a bcrypt digest, so it never verifies.
const GoogleSignInPasswordMarker = "google-signin"

// DefaultBcryptCost is the work factor used when none is configured.
const DefaultBcryptCost = 10

// MaxPasswordBytes is the longest password bcrypt accepts.
const MaxPasswordBytes = 72

var (
	errPasswordEmpty   = errors.New("password_hasher.empty")
	errPasswordTooLong = errors.New("password_hasher.too_long")
)

// PasswordHasher hashes passwords with a per-call salt and verifies candidates.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext string, digest string) bool
}

// BcryptHasher implements PasswordHasher with bcrypt.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a hasher using cost, or DefaultBcryptCost when cost is out of range.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash returns a bcrypt digest with a fresh random salt.
func (hasher *BcryptHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("password_hasher.hash: %w", errPasswordEmpty)
	}
	if len(plaintext) > MaxPasswordBytes {
		return "", fmt.Errorf("password_hasher.hash: %w", errPasswordTooLong)
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(plaintext), hasher.cost)
	if err != nil {
		return "", fmt.Errorf("password_hasher.hash: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether plaintext matches digest. The comparison is constant time.
func (hasher *BcryptHasher) Verify(plaintext string, digest string) bool {
	if digest == "" || digest == GoogleSignInPasswordMarker {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}
