package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/postfeed/postfeed-auth/internal/authkit"
)

const pgUniqueViolation = "23505"

var (
	errEmptyEmail         = errors.New("pg_store.empty_email")
	errDuplicateSuccessor = errors.New("pg_store.duplicate_successor")
)

// PostgresCredentialStore persists users and refresh-token allow-lists with pgx.
type PostgresCredentialStore struct {
	pool  *pgxpool.Pool
	clock authkit.Clock
}

// NewPostgresCredentialStore constructs a Postgres store. Call EnsureSchema first.
func NewPostgresCredentialStore(pool *pgxpool.Pool) *PostgresCredentialStore {
	return &PostgresCredentialStore{pool: pool, clock: authkit.NewSystemClock()}
}

// WithClock stamps user creation and update times from clock.
func (store *PostgresCredentialStore) WithClock(clock authkit.Clock) *PostgresCredentialStore {
	if clock != nil {
		store.clock = clock
	}
	return store
}

// FindByEmail returns the user registered with email.
func (store *PostgresCredentialStore) FindByEmail(ctx context.Context, email string) (authkit.User, error) {
	row := store.pool.QueryRow(ctx, `
SELECT id, email, password_hash, full_name, image_url, created_at, updated_at
FROM users
WHERE email = $1
`, email)
	user, err := scanUser(row)
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_store.find_by_email.pgx: %w", err)
	}
	return user, nil
}

// FindByID returns the user with the given identifier.
func (store *PostgresCredentialStore) FindByID(ctx context.Context, userID string) (authkit.User, error) {
	row := store.pool.QueryRow(ctx, `
SELECT id, email, password_hash, full_name, image_url, created_at, updated_at
FROM users
WHERE id = $1
`, userID)
	user, err := scanUser(row)
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_store.find_by_id.pgx: %w", err)
	}
	return user, nil
}

// Create inserts user with a new identifier. The unique email index decides races.
func (store *PostgresCredentialStore) Create(ctx context.Context, user authkit.User) (authkit.User, error) {
	if strings.TrimSpace(user.Email) == "" {
		return authkit.User{}, fmt.Errorf("user_store.create.pgx: %w", errEmptyEmail)
	}
	now := store.clock.Now().UTC()
	user.ID = authkit.NewUserID()
	user.CreatedAt = now
	user.UpdatedAt = now
	_, err := store.pool.Exec(ctx, `
INSERT INTO users (id, email, password_hash, full_name, image_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, user.ID, user.Email, user.PasswordHash, user.FullName, user.ImageURL, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return authkit.User{}, fmt.Errorf("user_store.create.pgx: %w", authkit.ErrEmailTaken)
		}
		return authkit.User{}, fmt.Errorf("user_store.create.pgx: %w", err)
	}
	return user, nil
}

// Save updates the password hash and profile fields of an existing user.
func (store *PostgresCredentialStore) Save(ctx context.Context, user authkit.User) (authkit.User, error) {
	row := store.pool.QueryRow(ctx, `
UPDATE users
SET password_hash = $2, full_name = $3, image_url = $4, updated_at = $5
WHERE id = $1
RETURNING id, email, password_hash, full_name, image_url, created_at, updated_at
`, user.ID, user.PasswordHash, user.FullName, user.ImageURL, store.clock.Now().UTC())
	saved, err := scanUser(row)
	if err != nil {
		return authkit.User{}, fmt.Errorf("user_store.save.pgx: %w", err)
	}
	return saved, nil
}

// Append allow-lists token for userID.
func (store *PostgresCredentialStore) Append(ctx context.Context, userID string, token string, issuedAt time.Time) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("refresh_store.append.pgx: %w", authkit.ErrRefreshTokenEmpty)
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO refresh_tokens (token_hash, user_id, issued_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (token_hash) DO NOTHING
`, authkit.HashRefreshToken(token), userID, issuedAt.Unix())
	if err != nil {
		return fmt.Errorf("refresh_store.append.pgx: %w", err)
	}
	return nil
}

// Rotate revokes previousToken and inserts nextToken in one transaction. Concurrent
// rotations of the same token serialize on the row lock taken by the UPDATE.
func (store *PostgresCredentialStore) Rotate(ctx context.Context, userID string, previousToken string, nextToken string, at time.Time) error {
	if strings.TrimSpace(previousToken) == "" || strings.TrimSpace(nextToken) == "" {
		return fmt.Errorf("refresh_store.rotate.pgx: %w", authkit.ErrRefreshTokenEmpty)
	}
	previousHash := authkit.HashRefreshToken(previousToken)
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		tag, updateErr := tx.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $3, revoked_reason = $4
WHERE token_hash = $1 AND user_id = $2 AND revoked_at_unix = 0
`, previousHash, userID, at.Unix(), string(authkit.RevocationRotated))
		if updateErr != nil {
			return updateErr
		}
		if tag.RowsAffected() == 0 {
			return lookupRevocation(ctx, tx, previousHash, userID)
		}
		_, insertErr := tx.Exec(ctx, `
INSERT INTO refresh_tokens (token_hash, user_id, issued_at_unix, previous_token_hash)
VALUES ($1, $2, $3, $4)
`, authkit.HashRefreshToken(nextToken), userID, at.Unix(), previousHash)
		if insertErr != nil {
			if isUniqueViolation(insertErr) {
				return errDuplicateSuccessor
			}
			return insertErr
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh_store.rotate.pgx: %w", err)
	}
	return nil
}

func lookupRevocation(ctx context.Context, tx pgx.Tx, tokenHash string, userID string) error {
	var revokedAtUnix int64
	var revokedReason string
	scanErr := tx.QueryRow(ctx, `
SELECT revoked_at_unix, revoked_reason
FROM refresh_tokens
WHERE token_hash = $1 AND user_id = $2
`, tokenHash, userID).Scan(&revokedAtUnix, &revokedReason)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return authkit.ErrRefreshTokenNotFound
	}
	if scanErr != nil {
		return scanErr
	}
	return &authkit.RevokedTokenError{
		Reason:    authkit.RevocationReason(revokedReason),
		RevokedAt: time.Unix(revokedAtUnix, 0).UTC(),
	}
}

// Remove revokes token when it is allow-listed for userID.
func (store *PostgresCredentialStore) Remove(ctx context.Context, userID string, token string, at time.Time) error {
	_, err := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $3, revoked_reason = $4
WHERE token_hash = $1 AND user_id = $2 AND revoked_at_unix = 0
`, authkit.HashRefreshToken(token), userID, at.Unix(), string(authkit.RevocationLogout))
	if err != nil {
		return fmt.Errorf("refresh_store.remove.pgx: %w", err)
	}
	return nil
}

// Clear revokes all allow-listed tokens for userID.
func (store *PostgresCredentialStore) Clear(ctx context.Context, userID string, at time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $2, revoked_reason = $3
WHERE user_id = $1 AND revoked_at_unix = 0
`, userID, at.Unix(), string(authkit.RevocationReuseDetected))
	if err != nil {
		return 0, fmt.Errorf("refresh_store.clear.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Contains reports whether token is currently allow-listed for userID.
func (store *PostgresCredentialStore) Contains(ctx context.Context, userID string, token string) (bool, error) {
	var exists bool
	err := store.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM refresh_tokens
    WHERE token_hash = $1 AND user_id = $2 AND revoked_at_unix = 0
)
`, authkit.HashRefreshToken(token), userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("refresh_store.contains.pgx: %w", err)
	}
	return exists, nil
}

// Count returns the size of userID's allow-list.
func (store *PostgresCredentialStore) Count(ctx context.Context, userID string) (int64, error) {
	var active int64
	err := store.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM refresh_tokens
WHERE user_id = $1 AND revoked_at_unix = 0
`, userID).Scan(&active)
	if err != nil {
		return 0, fmt.Errorf("refresh_store.count.pgx: %w", err)
	}
	return active, nil
}

func scanUser(row pgx.Row) (authkit.User, error) {
	var user authkit.User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.FullName, &user.ImageURL, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return authkit.User{}, authkit.ErrUserNotFound
	}
	if err != nil {
		return authkit.User{}, err
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
