package authkit

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Unix(1700000000, 0).UTC()}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type fakeIdentityVerifier struct {
	identities map[string]ExternalIdentity
}

func (verifier *fakeIdentityVerifier) Verify(ctx context.Context, externalToken string) (ExternalIdentity, error) {
	identity, ok := verifier.identities[externalToken]
	if !ok {
		return ExternalIdentity{}, errors.New("token_not_found")
	}
	return identity, nil
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		AccessTokenSecret:  []byte("access-secret-1234567890"),
		RefreshTokenSecret: []byte("refresh-secret-0987654321"),
		TokenIssuer:        "test-issuer",
		AccessTokenTTL:     time.Hour,
		RefreshReuseGrace:  DefaultReuseGracePeriod,
		AccessCookieName:   DefaultAccessCookieName,
		RefreshCookieName:  DefaultRefreshCookieName,
		RefreshCookiePath:  DefaultRefreshCookiePath,
		SameSiteMode:       http.SameSiteStrictMode,
		AllowInsecureHTTP:  true,
	}
}

type sessionFixture struct {
	config   ServerConfig
	clock    *controllableClock
	store    CredentialStore
	metrics  *CounterMetrics
	codec    *TokenCodec
	sessions *SessionManager
}

func newSessionFixture(t *testing.T, store CredentialStore) *sessionFixture {
	t.Helper()
	config := newTestServerConfig()
	clock := newControllableClock()
	codec, err := NewTokenCodec(config, clock)
	if err != nil {
		t.Fatalf("token codec: %v", err)
	}
	metrics := NewCounterMetrics()
	sessions, err := NewSessionManager(SessionDependencies{
		Configuration: config,
		Credentials:   store,
		Hasher:        NewBcryptHasher(4),
		Codec:         codec,
		Identities: &fakeIdentityVerifier{identities: map[string]ExternalIdentity{
			"google-token": {Email: "google@example.com", Name: "Google User", Picture: "https://example.com/g.png"},
		}},
		Clock:   clock,
		Logger:  zaptest.NewLogger(t),
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	return &sessionFixture{
		config:   config,
		clock:    clock,
		store:    store,
		metrics:  metrics,
		codec:    codec,
		sessions: sessions,
	}
}

func newSQLiteStore(t *testing.T) *DatabaseCredentialStore {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "credentials.db")
	store, err := NewDatabaseCredentialStore(context.Background(), "sqlite://"+databasePath)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func credentialStoreFactories() []struct {
	name  string
	store func(t *testing.T) CredentialStore
} {
	return []struct {
		name  string
		store func(t *testing.T) CredentialStore
	}{
		{
			name: "memory",
			store: func(t *testing.T) CredentialStore {
				t.Helper()
				return NewMemoryCredentialStore()
			},
		},
		{
			name: "sqlite",
			store: func(t *testing.T) CredentialStore {
				t.Helper()
				return newSQLiteStore(t)
			},
		},
	}
}
