package authkit

import (
	"context"
	"time"
)

// User is a stored account. The password hash never leaves the service.
type User struct {
	ID           string    `json:"_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"fullName"`
	ImageURL     string    `json:"imageUrl"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UserStore persists and retrieves user records.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, userID string) (User, error)
	// Create assigns the identifier and timestamps. It fails with ErrEmailTaken on a duplicate email.
	Create(ctx context.Context, user User) (User, error)
	// Save persists the password hash and profile fields of an existing user.
	Save(ctx context.Context, user User) (User, error)
}

// RefreshTokenStore holds each user's refresh-token allow-list. Every mutation is
// scoped to one user and applied atomically.
type RefreshTokenStore interface {
	// Append adds token to the allow-list. Appending a token already recorded is a no-op.
	Append(ctx context.Context, userID string, token string, issuedAt time.Time) error
	// Rotate revokes previousToken and allow-lists nextToken in one update, only if
	// previousToken is still allow-listed. Otherwise it returns ErrRefreshTokenNotFound
	// or a *RevokedTokenError and leaves the allow-list untouched.
	Rotate(ctx context.Context, userID string, previousToken string, nextToken string, at time.Time) error
	// Remove revokes token if it is allow-listed. Absent tokens are ignored.
	Remove(ctx context.Context, userID string, token string, at time.Time) error
	// Clear revokes every allow-listed token of the user and reports how many were revoked.
	Clear(ctx context.Context, userID string, at time.Time) (int64, error)
	Contains(ctx context.Context, userID string, token string) (bool, error)
	Count(ctx context.Context, userID string) (int64, error)
}

// CredentialStore combines user records with their refresh-token allow-lists.
type CredentialStore interface {
	UserStore
	RefreshTokenStore
}
