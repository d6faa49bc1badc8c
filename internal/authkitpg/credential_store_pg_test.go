package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/postfeed/postfeed-auth/internal/authkit"
)

var _ authkit.CredentialStore = (*PostgresCredentialStore)(nil)

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgUniqueViolation})) {
		t.Fatalf("expected wrapped 23505 to be a unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation reported as unique violation")
	}
	if isUniqueViolation(errors.New("plain")) {
		t.Fatalf("plain error reported as unique violation")
	}
}

func newPostgresStore(t *testing.T) *PostgresCredentialStore {
	t.Helper()
	databaseURL := os.Getenv("APP_TEST_POSTGRES_URL")
	if databaseURL == "" {
		t.Skip("APP_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := BuildPool(ctx, databaseURL)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewPostgresCredentialStore(pool)
}

type fixedClock struct {
	at time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.at
}

func TestPostgresCredentialStoreUsers(t *testing.T) {
	createdAt := time.Unix(1700000000, 0).UTC()
	store := newPostgresStore(t).WithClock(fixedClock{at: createdAt})
	ctx := context.Background()
	email := uuid.NewString() + "@example.com"

	created, err := store.Create(ctx, authkit.User{Email: email, PasswordHash: "digest"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.CreatedAt.Equal(createdAt) || !created.UpdatedAt.Equal(createdAt) {
		t.Fatalf("expected clock timestamps, got %v / %v", created.CreatedAt, created.UpdatedAt)
	}
	if _, err := store.Create(ctx, authkit.User{Email: email, PasswordHash: "other"}); !errors.Is(err, authkit.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	created.FullName = "Renamed"
	saved, err := store.Save(ctx, created)
	if err != nil || saved.FullName != "Renamed" || saved.Email != email {
		t.Fatalf("save: %+v %v", saved, err)
	}
	if _, err := store.FindByID(ctx, uuid.NewString()); !errors.Is(err, authkit.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := store.Save(ctx, authkit.User{ID: uuid.NewString()}); !errors.Is(err, authkit.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound on save, got %v", err)
	}
}

func TestPostgresCredentialStoreRotation(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	userID := uuid.NewString()
	at := time.Unix(1700000000, 0).UTC()
	seed := "seed-" + userID

	if err := store.Append(ctx, userID, seed, at); err != nil {
		t.Fatalf("append: %v", err)
	}

	const contenders = 6
	var waitGroup sync.WaitGroup
	results := make(chan error, contenders)
	for index := 0; index < contenders; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			results <- store.Rotate(ctx, userID, seed, fmt.Sprintf("next-%s-%d", userID, index), at)
		}(index)
	}
	waitGroup.Wait()
	close(results)
	winners := 0
	for result := range results {
		if result == nil {
			winners++
			continue
		}
		var revoked *authkit.RevokedTokenError
		if !errors.As(result, &revoked) || revoked.Reason != authkit.RevocationRotated {
			t.Fatalf("unexpected rotate error: %v", result)
		}
	}
	if winners != 1 {
		t.Fatalf("expected one winner, got %d", winners)
	}
	if count, err := store.Count(ctx, userID); err != nil || count != 1 {
		t.Fatalf("expected one active token, got %d %v", count, err)
	}
	if err := store.Rotate(ctx, userID, "never-issued", "whatever", at); !errors.Is(err, authkit.ErrRefreshTokenNotFound) {
		t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
	}
	cleared, err := store.Clear(ctx, userID, at)
	if err != nil || cleared != 1 {
		t.Fatalf("expected one cleared token, got %d %v", cleared, err)
	}
	if contains, _ := store.Contains(ctx, userID, seed); contains {
		t.Fatalf("rotated seed still allow-listed")
	}
}
