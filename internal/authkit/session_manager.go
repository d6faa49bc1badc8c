package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SessionDependencies wires a SessionManager. Credentials, Hasher, Codec and
// Identities are required.
type SessionDependencies struct {
	Configuration ServerConfig
	Credentials   CredentialStore
	Hasher        PasswordHasher
	Codec         *TokenCodec
	Identities    IdentityVerifier
	Clock         Clock
	Logger        *zap.Logger
	Metrics       MetricsRecorder
}

// SessionManager runs registration, sign-in, logout, and refresh-token rotation.
type SessionManager struct {
	credentials CredentialStore
	hasher      PasswordHasher
	codec       *TokenCodec
	identities  IdentityVerifier
	clock       Clock
	logger      *zap.Logger
	metrics     MetricsRecorder
	reuseGrace  time.Duration
	// unknownUserDigest is verified against when the email is not registered so
	// both login failures cost one hash comparison.
	unknownUserDigest string
}

// RegistrationInput carries the fields accepted by Register.
type RegistrationInput struct {
	Email    string
	Password string
	FullName string
	ImageURL string
}

// NewSessionManager validates dependencies and fills optional ones with defaults.
func NewSessionManager(dependencies SessionDependencies) (*SessionManager, error) {
	if dependencies.Credentials == nil {
		return nil, errors.New("session.new: credential store is required")
	}
	if dependencies.Hasher == nil {
		return nil, errors.New("session.new: password hasher is required")
	}
	if dependencies.Codec == nil {
		return nil, errors.New("session.new: token codec is required")
	}
	if dependencies.Identities == nil {
		return nil, errors.New("session.new: identity verifier is required")
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var metrics MetricsRecorder = noopMetrics{}
	if dependencies.Metrics != nil {
		metrics = dependencies.Metrics
	}
	unknownUserDigest, digestErr := dependencies.Hasher.Hash(NewUserID())
	if digestErr != nil {
		return nil, fmt.Errorf("session.new.unknown_user_digest: %w", digestErr)
	}
	return &SessionManager{
		credentials:       dependencies.Credentials,
		hasher:            dependencies.Hasher,
		codec:             dependencies.Codec,
		identities:        dependencies.Identities,
		clock:             clock,
		logger:            logger,
		metrics:           metrics,
		reuseGrace:        dependencies.Configuration.RefreshReuseGrace,
		unknownUserDigest: unknownUserDigest,
	}, nil
}

// Register creates a password account and signs it in.
func (manager *SessionManager) Register(ctx context.Context, input RegistrationInput) (User, TokenPair, error) {
	if strings.TrimSpace(input.Email) == "" || input.Password == "" {
		return User{}, TokenPair{}, newValidationError("missing email or password")
	}
	if len(input.Password) > MaxPasswordBytes {
		return User{}, TokenPair{}, newValidationError("password is too long")
	}

	_, findErr := manager.credentials.FindByEmail(ctx, input.Email)
	if findErr == nil {
		manager.metrics.Increment(metricAuthRegisterConflict)
		return User{}, TokenPair{}, fmt.Errorf("session.register: %w", ErrConflict)
	}
	if !errors.Is(findErr, ErrUserNotFound) {
		return User{}, TokenPair{}, fmt.Errorf("session.register.lookup: %w", findErr)
	}

	passwordHash, hashErr := manager.hasher.Hash(input.Password)
	if hashErr != nil {
		return User{}, TokenPair{}, fmt.Errorf("session.register.hash: %w", hashErr)
	}

	created, createErr := manager.credentials.Create(ctx, User{
		Email:        input.Email,
		PasswordHash: passwordHash,
		FullName:     input.FullName,
		ImageURL:     input.ImageURL,
	})
	if createErr != nil {
		if errors.Is(createErr, ErrEmailTaken) {
			manager.metrics.Increment(metricAuthRegisterConflict)
			return User{}, TokenPair{}, fmt.Errorf("session.register: %w", ErrConflict)
		}
		return User{}, TokenPair{}, fmt.Errorf("session.register.create: %w", createErr)
	}

	tokens, issueErr := manager.issueTokens(ctx, created)
	if issueErr != nil {
		return User{}, TokenPair{}, fmt.Errorf("session.register: %w", issueErr)
	}
	manager.metrics.Increment(metricAuthRegisterSuccess)
	return created, tokens, nil
}

// GoogleSignIn verifies externalToken with the identity provider, creates the
// account on first sight of the email, and signs it in.
func (manager *SessionManager) GoogleSignIn(ctx context.Context, externalToken string, claimedEmail string) (TokenPair, error) {
	if strings.TrimSpace(externalToken) == "" || strings.TrimSpace(claimedEmail) == "" {
		return TokenPair{}, newValidationError("missing access_token or email")
	}

	identity, verifyErr := manager.identities.Verify(ctx, externalToken)
	if verifyErr != nil {
		manager.metrics.Increment(metricAuthGoogleFailure)
		manager.logger.Debug("google identity verification failed",
			zap.String("code", "auth.google.verify_failed"),
			zap.Error(verifyErr))
		return TokenPair{}, fmt.Errorf("session.google.verify: %w", ErrInvalidCredentials)
	}
	if identity.Email != claimedEmail {
		manager.metrics.Increment(metricAuthGoogleFailure)
		manager.logger.Debug("google identity email mismatch",
			zap.String("code", "auth.google.email_mismatch"))
		return TokenPair{}, fmt.Errorf("session.google.email_mismatch: %w", ErrInvalidCredentials)
	}

	user, lookupErr := manager.findOrCreateGoogleUser(ctx, identity)
	if lookupErr != nil {
		return TokenPair{}, lookupErr
	}

	tokens, issueErr := manager.issueTokens(ctx, user)
	if issueErr != nil {
		return TokenPair{}, fmt.Errorf("session.google: %w", issueErr)
	}
	manager.metrics.Increment(metricAuthGoogleSuccess)
	return tokens, nil
}

func (manager *SessionManager) findOrCreateGoogleUser(ctx context.Context, identity ExternalIdentity) (User, error) {
	existing, findErr := manager.credentials.FindByEmail(ctx, identity.Email)
	if findErr == nil {
		return existing, nil
	}
	if !errors.Is(findErr, ErrUserNotFound) {
		return User{}, fmt.Errorf("session.google.lookup: %w", findErr)
	}
	created, createErr := manager.credentials.Create(ctx, User{
		Email:        identity.Email,
		PasswordHash: GoogleSignInPasswordMarker,
		FullName:     identity.Name,
		ImageURL:     identity.Picture,
	})
	if createErr == nil {
		manager.metrics.Increment(metricAuthGoogleUserCreated)
		return created, nil
	}
	if !errors.Is(createErr, ErrEmailTaken) {
		return User{}, fmt.Errorf("session.google.create: %w", createErr)
	}
	// A concurrent sign-in created the account first.
	existing, findErr = manager.credentials.FindByEmail(ctx, identity.Email)
	if findErr != nil {
		return User{}, fmt.Errorf("session.google.lookup: %w", findErr)
	}
	return existing, nil
}

// Login checks email and password and signs the user in. Unknown emails and wrong
// passwords fail with the same ErrInvalidCredentials.
func (manager *SessionManager) Login(ctx context.Context, email string, password string) (TokenPair, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return TokenPair{}, newValidationError("email or password is missing")
	}

	user, findErr := manager.credentials.FindByEmail(ctx, email)
	if findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			manager.hasher.Verify(password, manager.unknownUserDigest)
			manager.metrics.Increment(metricAuthLoginFailure)
			return TokenPair{}, fmt.Errorf("session.login: %w", ErrInvalidCredentials)
		}
		return TokenPair{}, fmt.Errorf("session.login.lookup: %w", findErr)
	}
	if !manager.hasher.Verify(password, user.PasswordHash) {
		manager.metrics.Increment(metricAuthLoginFailure)
		return TokenPair{}, fmt.Errorf("session.login: %w", ErrInvalidCredentials)
	}

	tokens, issueErr := manager.issueTokens(ctx, user)
	if issueErr != nil {
		return TokenPair{}, fmt.Errorf("session.login: %w", issueErr)
	}
	manager.metrics.Increment(metricAuthLoginSuccess)
	return tokens, nil
}

// Logout removes refreshToken from its owner's allow-list. Removing a token that is
// no longer allow-listed succeeds, so repeated logouts are idempotent.
func (manager *SessionManager) Logout(ctx context.Context, refreshToken string) error {
	if strings.TrimSpace(refreshToken) == "" {
		manager.metrics.Increment(metricAuthLogoutFailure)
		return fmt.Errorf("session.logout.missing_token: %w", ErrUnauthenticated)
	}
	claims, verifyErr := manager.codec.VerifyRefreshToken(refreshToken)
	if verifyErr != nil {
		manager.metrics.Increment(metricAuthLogoutFailure)
		return fmt.Errorf("session.logout.verify: %w", ErrUnauthenticated)
	}
	if removeErr := manager.credentials.Remove(ctx, claims.UserID, refreshToken, manager.clock.Now()); removeErr != nil {
		return fmt.Errorf("session.logout.remove: %w", removeErr)
	}
	manager.metrics.Increment(metricAuthLogoutSuccess)
	return nil
}

// Refresh rotates refreshToken into a new token pair. A verifiable token that is not
// allow-listed revokes every session of its owner, unless it was rotated within the
// reuse grace window by a concurrent refresh.
func (manager *SessionManager) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		manager.metrics.Increment(metricAuthRefreshFailure)
		return TokenPair{}, fmt.Errorf("session.refresh.missing_token: %w", ErrUnauthenticated)
	}
	claims, verifyErr := manager.codec.VerifyRefreshToken(refreshToken)
	if verifyErr != nil {
		manager.metrics.Increment(metricAuthRefreshFailure)
		return TokenPair{}, fmt.Errorf("session.refresh.verify: %w", ErrUnauthenticated)
	}
	userID := claims.UserID
	if _, findErr := manager.credentials.FindByID(ctx, userID); findErr != nil {
		if errors.Is(findErr, ErrUserNotFound) {
			manager.metrics.Increment(metricAuthRefreshFailure)
			return TokenPair{}, fmt.Errorf("session.refresh.unknown_user: %w", ErrUnauthenticated)
		}
		return TokenPair{}, fmt.Errorf("session.refresh.lookup: %w", findErr)
	}

	tokens, mintErr := manager.codec.IssuePair(userID)
	if mintErr != nil {
		return TokenPair{}, fmt.Errorf("session.refresh.mint: %w", mintErr)
	}
	now := manager.clock.Now()
	rotateErr := manager.credentials.Rotate(ctx, userID, refreshToken, tokens.RefreshToken, now)
	if rotateErr == nil {
		manager.metrics.Increment(metricAuthRefreshSuccess)
		return tokens, nil
	}

	var revoked *RevokedTokenError
	if errors.As(rotateErr, &revoked) && manager.lostRotationRace(revoked, now) {
		manager.metrics.Increment(metricAuthRefreshRaceLost)
		manager.logger.Info("refresh token rotated by concurrent request",
			zap.String("code", "auth.refresh.race_lost"),
			zap.String("user_id", userID))
		return TokenPair{}, fmt.Errorf("session.refresh.race_lost: %w", ErrUnauthenticated)
	}
	if !errors.Is(rotateErr, ErrRefreshTokenNotFound) && !errors.Is(rotateErr, ErrRefreshTokenRevoked) {
		return TokenPair{}, fmt.Errorf("session.refresh.rotate: %w", rotateErr)
	}

	revokedCount, clearErr := manager.credentials.Clear(ctx, userID, now)
	if clearErr != nil {
		return TokenPair{}, fmt.Errorf("session.refresh.clear: %w", clearErr)
	}
	manager.metrics.Increment(metricAuthRefreshReuseDetected)
	manager.logger.Warn("refresh token reuse detected; revoked all sessions",
		zap.String("code", "auth.refresh.reuse_detected"),
		zap.String("user_id", userID),
		zap.Int64("revoked", revokedCount),
		zap.Error(rotateErr))
	return TokenPair{}, fmt.Errorf("session.refresh.reuse_detected: %w", ErrUnauthenticated)
}

func (manager *SessionManager) lostRotationRace(revoked *RevokedTokenError, now time.Time) bool {
	if revoked.Reason != RevocationRotated || manager.reuseGrace <= 0 {
		return false
	}
	// Revocation timestamps are stored at second precision.
	elapsed := now.Sub(revoked.RevokedAt)
	return elapsed >= -time.Second && elapsed <= manager.reuseGrace
}

func (manager *SessionManager) issueTokens(ctx context.Context, user User) (TokenPair, error) {
	tokens, mintErr := manager.codec.IssuePair(user.ID)
	if mintErr != nil {
		return TokenPair{}, fmt.Errorf("issue_tokens.mint: %w", mintErr)
	}
	if appendErr := manager.credentials.Append(ctx, user.ID, tokens.RefreshToken, manager.clock.Now()); appendErr != nil {
		return TokenPair{}, fmt.Errorf("issue_tokens.append: %w", appendErr)
	}
	return tokens, nil
}
