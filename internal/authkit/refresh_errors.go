package authkit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRefreshTokenNotFound indicates the refresh token was never recorded for the user.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token is no longer in the allow-list.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenEmpty indicates that the provided token text is empty.
	ErrRefreshTokenEmpty = errors.New("refresh_store.empty_token")
	// ErrUserNotFound indicates no user matched the lookup.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrEmailTaken indicates a user with the email already exists.
	ErrEmailTaken = errors.New("user_store.email_taken")

	errEmptyEmail = errors.New("user_store.empty_email")
)

// RevocationReason records why a refresh token left the allow-list.
type RevocationReason string

const (
	RevocationRotated       RevocationReason = "rotated"
	RevocationLogout        RevocationReason = "logout"
	RevocationReuseDetected RevocationReason = "reuse_detected"
)

// RevokedTokenError describes a refresh token that was once allow-listed.
type RevokedTokenError struct {
	Reason    RevocationReason
	RevokedAt time.Time
}

func (revoked *RevokedTokenError) Error() string {
	return fmt.Sprintf("%s: %s at %s", ErrRefreshTokenRevoked.Error(), revoked.Reason, revoked.RevokedAt.UTC().Format(time.RFC3339))
}

// Unwrap lets errors.Is match ErrRefreshTokenRevoked.
func (revoked *RevokedTokenError) Unwrap() error {
	return ErrRefreshTokenRevoked
}
