package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryCredentialStore is an in-memory store intended for tests and dev.
type MemoryCredentialStore struct {
	mutex   sync.Mutex
	byID    map[string]*User
	byEmail map[string]string
	tokens  map[string]*memoryTokenRecord
	clock   Clock
}

type memoryTokenRecord struct {
	UserID            string
	Hash              string
	IssuedAtUnix      int64
	RevokedAtUnix     int64
	RevokedReason     RevocationReason
	PreviousTokenHash string
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
		tokens:  make(map[string]*memoryTokenRecord),
		clock:   NewSystemClock(),
	}
}

// WithClock stamps user creation and update times from clock.
func (store *MemoryCredentialStore) WithClock(clock Clock) *MemoryCredentialStore {
	if clock != nil {
		store.clock = clock
	}
	return store
}

// FindByEmail returns the user registered with email.
func (store *MemoryCredentialStore) FindByEmail(ctx context.Context, email string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	userID, ok := store.byEmail[email]
	if !ok {
		return User{}, fmt.Errorf("user_store.find_by_email.memory: %w", ErrUserNotFound)
	}
	return *store.byID[userID], nil
}

// FindByID returns the user with the given identifier.
func (store *MemoryCredentialStore) FindByID(ctx context.Context, userID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return User{}, fmt.Errorf("user_store.find_by_id.memory: %w", ErrUserNotFound)
	}
	return *record, nil
}

// Create inserts user with a new identifier.
func (store *MemoryCredentialStore) Create(ctx context.Context, user User) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if strings.TrimSpace(user.Email) == "" {
		return User{}, fmt.Errorf("user_store.create.memory: %w", errEmptyEmail)
	}
	if _, exists := store.byEmail[user.Email]; exists {
		return User{}, fmt.Errorf("user_store.create.memory: %w", ErrEmailTaken)
	}
	now := store.clock.Now()
	user.ID = NewUserID()
	user.CreatedAt = now
	user.UpdatedAt = now
	record := user
	store.byID[user.ID] = &record
	store.byEmail[user.Email] = user.ID
	return user, nil
}

// Save updates the password hash and profile fields of an existing user.
func (store *MemoryCredentialStore) Save(ctx context.Context, user User) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[user.ID]
	if !ok {
		return User{}, fmt.Errorf("user_store.save.memory: %w", ErrUserNotFound)
	}
	record.PasswordHash = user.PasswordHash
	record.FullName = user.FullName
	record.ImageURL = user.ImageURL
	record.UpdatedAt = store.clock.Now()
	return *record, nil
}

// Append allow-lists token for userID.
func (store *MemoryCredentialStore) Append(ctx context.Context, userID string, token string, issuedAt time.Time) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("refresh_store.append.memory: %w", ErrRefreshTokenEmpty)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	hashValue := HashRefreshToken(token)
	if _, exists := store.tokens[hashValue]; exists {
		return nil
	}
	store.tokens[hashValue] = &memoryTokenRecord{
		UserID:       userID,
		Hash:         hashValue,
		IssuedAtUnix: issuedAt.Unix(),
	}
	return nil
}

// Rotate swaps previousToken for nextToken under the store lock.
func (store *MemoryCredentialStore) Rotate(ctx context.Context, userID string, previousToken string, nextToken string, at time.Time) error {
	if strings.TrimSpace(previousToken) == "" || strings.TrimSpace(nextToken) == "" {
		return fmt.Errorf("refresh_store.rotate.memory: %w", ErrRefreshTokenEmpty)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	previousHash := HashRefreshToken(previousToken)
	record, ok := store.tokens[previousHash]
	if !ok || record.UserID != userID {
		return fmt.Errorf("refresh_store.rotate.memory: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return fmt.Errorf("refresh_store.rotate.memory: %w", &RevokedTokenError{
			Reason:    record.RevokedReason,
			RevokedAt: time.Unix(record.RevokedAtUnix, 0).UTC(),
		})
	}
	nextHash := HashRefreshToken(nextToken)
	if _, exists := store.tokens[nextHash]; exists {
		return fmt.Errorf("refresh_store.rotate.memory: %w", errDuplicateSuccessor)
	}
	record.RevokedAtUnix = at.Unix()
	record.RevokedReason = RevocationRotated
	store.tokens[nextHash] = &memoryTokenRecord{
		UserID:            userID,
		Hash:              nextHash,
		IssuedAtUnix:      at.Unix(),
		PreviousTokenHash: previousHash,
	}
	return nil
}

// Remove revokes token when it is allow-listed for userID.
func (store *MemoryCredentialStore) Remove(ctx context.Context, userID string, token string, at time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.tokens[HashRefreshToken(token)]
	if !ok || record.UserID != userID || record.RevokedAtUnix != 0 {
		return nil
	}
	record.RevokedAtUnix = at.Unix()
	record.RevokedReason = RevocationLogout
	return nil
}

// Clear revokes all allow-listed tokens for userID.
func (store *MemoryCredentialStore) Clear(ctx context.Context, userID string, at time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var revoked int64
	for _, record := range store.tokens {
		if record.UserID != userID || record.RevokedAtUnix != 0 {
			continue
		}
		record.RevokedAtUnix = at.Unix()
		record.RevokedReason = RevocationReuseDetected
		revoked++
	}
	return revoked, nil
}

// Contains reports whether token is currently allow-listed for userID.
func (store *MemoryCredentialStore) Contains(ctx context.Context, userID string, token string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.tokens[HashRefreshToken(token)]
	return ok && record.UserID == userID && record.RevokedAtUnix == 0, nil
}

// Count returns the size of userID's allow-list.
func (store *MemoryCredentialStore) Count(ctx context.Context, userID string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var active int64
	for _, record := range store.tokens {
		if record.UserID == userID && record.RevokedAtUnix == 0 {
			active++
		}
	}
	return active, nil
}
