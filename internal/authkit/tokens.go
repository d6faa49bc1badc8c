package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/postfeed/postfeed-auth/pkg/sessionvalidator"
)

const tokenUseRefresh = "refresh"

var (
	// ErrTokenInvalid covers bad signatures, malformed tokens, and wrong token kinds.
	ErrTokenInvalid = errors.New("token_codec.invalid")
	// ErrTokenExpired indicates an access token past its expiry.
	ErrTokenExpired = errors.New("token_codec.expired")

	errEmptySubject         = errors.New("token_codec.empty_subject")
	errMissingAccessSecret  = errors.New("token_codec.missing_access_secret")
	errMissingRefreshSecret = errors.New("token_codec.missing_refresh_secret")
	errSharedSecrets        = errors.New("token_codec.shared_secrets")
	errInvalidAccessTTL     = errors.New("token_codec.invalid_access_ttl")
)

// TokenPair is the result of a successful sign-in or rotation.
type TokenPair struct {
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken"`
	AccessExpiresAt time.Time `json:"-"`
}

// RefreshClaims are embedded in refresh tokens. They carry no expiry; validity is
// decided by the owner's allow-list.
type RefreshClaims struct {
	UserID   string `json:"user_id"`
	TokenUse string `json:"token_use"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies access and refresh tokens with independent secrets.
type TokenCodec struct {
	accessSecret    []byte
	refreshSecret   []byte
	issuer          string
	accessTTL       time.Duration
	clock           Clock
	accessValidator *sessionvalidator.Validator
}

// NewTokenCodec validates the secrets and lifetime in configuration.
func NewTokenCodec(configuration ServerConfig, clock Clock) (*TokenCodec, error) {
	configuration = configuration.withDefaults()
	if len(configuration.AccessTokenSecret) == 0 {
		return nil, fmt.Errorf("token_codec.new: %w", errMissingAccessSecret)
	}
	if len(configuration.RefreshTokenSecret) == 0 {
		return nil, fmt.Errorf("token_codec.new: %w", errMissingRefreshSecret)
	}
	if string(configuration.AccessTokenSecret) == string(configuration.RefreshTokenSecret) {
		return nil, fmt.Errorf("token_codec.new: %w", errSharedSecrets)
	}
	if configuration.AccessTokenTTL <= 0 {
		return nil, fmt.Errorf("token_codec.new: %w", errInvalidAccessTTL)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	accessValidator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey:  configuration.AccessTokenSecret,
		Issuer:      configuration.TokenIssuer,
		CookieName:  configuration.AccessCookieName,
		AllowBearer: true,
		Clock:       clock,
	})
	if validatorErr != nil {
		return nil, fmt.Errorf("token_codec.new: %w", validatorErr)
	}
	return &TokenCodec{
		accessSecret:    configuration.AccessTokenSecret,
		refreshSecret:   configuration.RefreshTokenSecret,
		issuer:          configuration.TokenIssuer,
		accessTTL:       configuration.AccessTokenTTL,
		clock:           clock,
		accessValidator: accessValidator,
	}, nil
}

// AccessValidator exposes the validator used for protected routes.
func (codec *TokenCodec) AccessValidator() *sessionvalidator.Validator {
	return codec.accessValidator
}

// AccessTTL reports the configured access-token lifetime.
func (codec *TokenCodec) AccessTTL() time.Duration {
	return codec.accessTTL
}

// MintAccessToken creates a signed HS256 access token that expires after the configured TTL.
func (codec *TokenCodec) MintAccessToken(userID string) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, fmt.Errorf("token_codec.mint_access: %w", errEmptySubject)
	}
	issuedAt := codec.clock.Now().UTC()
	expiresAt := issuedAt.Add(codec.accessTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:   userID,
		TokenUse: sessionvalidator.TokenUseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    codec.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(codec.accessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token_codec.mint_access: %w", err)
	}
	return signed, expiresAt, nil
}

// MintRefreshToken creates a signed HS256 refresh token without an expiry claim.
// The random jti keeps tokens minted in the same second distinct.
func (codec *TokenCodec) MintRefreshToken(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("token_codec.mint_refresh: %w", errEmptySubject)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		UserID:   userID,
		TokenUse: tokenUseRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Issuer:   codec.issuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(codec.clock.Now().UTC()),
		},
	})
	signed, err := token.SignedString(codec.refreshSecret)
	if err != nil {
		return "", fmt.Errorf("token_codec.mint_refresh: %w", err)
	}
	return signed, nil
}

// IssuePair mints a fresh access and refresh token for userID.
func (codec *TokenCodec) IssuePair(userID string) (TokenPair, error) {
	accessToken, accessExpiresAt, accessErr := codec.MintAccessToken(userID)
	if accessErr != nil {
		return TokenPair{}, accessErr
	}
	refreshToken, refreshErr := codec.MintRefreshToken(userID)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		AccessExpiresAt: accessExpiresAt,
	}, nil
}

// VerifyAccessToken checks signature, issuer, kind, and expiry of an access token.
func (codec *TokenCodec) VerifyAccessToken(tokenString string) (*sessionvalidator.Claims, error) {
	claims, err := codec.accessValidator.ValidateToken(tokenString)
	if err != nil {
		if errors.Is(err, sessionvalidator.ErrTokenExpired) {
			return nil, fmt.Errorf("token_codec.verify_access: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("token_codec.verify_access: %w", ErrTokenInvalid)
	}
	return claims, nil
}

// VerifyRefreshToken checks signature, issuer, and kind of a refresh token.
func (codec *TokenCodec) VerifyRefreshToken(tokenString string) (*RefreshClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("token_codec.verify_refresh: %w", ErrTokenInvalid)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &RefreshClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return codec.refreshSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("token_codec.verify_refresh: %w", ErrTokenInvalid)
	}
	claims, ok := parsedToken.Claims.(*RefreshClaims)
	if !ok || strings.TrimSpace(claims.UserID) == "" || claims.TokenUse != tokenUseRefresh || claims.Issuer != codec.issuer {
		return nil, fmt.Errorf("token_codec.verify_refresh: %w", ErrTokenInvalid)
	}
	return claims, nil
}
