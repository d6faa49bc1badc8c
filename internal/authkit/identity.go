package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

var (
	errEmptyExternalToken = errors.New("identity.empty_token")
	errUnverifiedEmail    = errors.New("identity.unverified_email")
	errMissingEmail       = errors.New("identity.missing_email")
	errInvalidIssuer      = errors.New("identity.invalid_issuer")
	errMissingAudience    = errors.New("identity.missing_audience")
)

// ExternalIdentity is the profile returned by a third-party identity provider.
type ExternalIdentity struct {
	Email   string
	Name    string
	Picture string
}

// IdentityVerifier resolves a third-party token to the identity it was issued for.
type IdentityVerifier interface {
	Verify(ctx context.Context, externalToken string) (ExternalIdentity, error)
}

// GoogleUserInfoVerifier calls the Google userinfo endpoint with an OAuth access token.
type GoogleUserInfoVerifier struct {
	endpoint   string
	baseClient *http.Client
}

// NewGoogleUserInfoVerifier builds a verifier. An empty endpoint uses Google's default;
// a nil baseClient uses http.DefaultClient.
func NewGoogleUserInfoVerifier(endpoint string, baseClient *http.Client) *GoogleUserInfoVerifier {
	return &GoogleUserInfoVerifier{
		endpoint:   strings.TrimSpace(endpoint),
		baseClient: baseClient,
	}
}

// Verify fetches the userinfo profile that accessToken grants access to.
func (verifier *GoogleUserInfoVerifier) Verify(ctx context.Context, accessToken string) (ExternalIdentity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return ExternalIdentity{}, fmt.Errorf("identity.userinfo: %w", errEmptyExternalToken)
	}
	if verifier.baseClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, verifier.baseClient)
	}
	authorizedClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	options := []option.ClientOption{option.WithHTTPClient(authorizedClient)}
	if verifier.endpoint != "" {
		options = append(options, option.WithEndpoint(verifier.endpoint))
	}
	service, serviceErr := googleoauth2.NewService(ctx, options...)
	if serviceErr != nil {
		return ExternalIdentity{}, fmt.Errorf("identity.userinfo.service: %w", serviceErr)
	}
	userInfo, fetchErr := service.Userinfo.Get().Context(ctx).Do()
	if fetchErr != nil {
		return ExternalIdentity{}, fmt.Errorf("identity.userinfo.fetch: %w", fetchErr)
	}
	if strings.TrimSpace(userInfo.Email) == "" {
		return ExternalIdentity{}, fmt.Errorf("identity.userinfo: %w", errMissingEmail)
	}
	if userInfo.VerifiedEmail != nil && !*userInfo.VerifiedEmail {
		return ExternalIdentity{}, fmt.Errorf("identity.userinfo: %w", errUnverifiedEmail)
	}
	return ExternalIdentity{
		Email:   userInfo.Email,
		Name:    userInfo.Name,
		Picture: userInfo.Picture,
	}, nil
}

// GoogleTokenValidator validates Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator returns the production idtoken validator.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// GoogleIDTokenVerifier accepts Google ID tokens minted for audience instead of access tokens.
type GoogleIDTokenVerifier struct {
	validator GoogleTokenValidator
	audience  string
}

// NewGoogleIDTokenVerifier wraps validator for the given OAuth client ID.
func NewGoogleIDTokenVerifier(validator GoogleTokenValidator, audience string) (*GoogleIDTokenVerifier, error) {
	if strings.TrimSpace(audience) == "" {
		return nil, fmt.Errorf("identity.id_token.new: %w", errMissingAudience)
	}
	if validator == nil {
		return nil, errors.New("identity.id_token.new: validator is required")
	}
	return &GoogleIDTokenVerifier{validator: validator, audience: audience}, nil
}

// Verify validates idToken and extracts the verified profile claims.
func (verifier *GoogleIDTokenVerifier) Verify(ctx context.Context, idToken string) (ExternalIdentity, error) {
	if strings.TrimSpace(idToken) == "" {
		return ExternalIdentity{}, fmt.Errorf("identity.id_token: %w", errEmptyExternalToken)
	}
	payload, validateErr := verifier.validator.Validate(ctx, idToken, verifier.audience)
	if validateErr != nil {
		return ExternalIdentity{}, fmt.Errorf("identity.id_token.validate: %w", validateErr)
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return ExternalIdentity{}, fmt.Errorf("identity.id_token: %w", errInvalidIssuer)
	}
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if strings.TrimSpace(userEmail) == "" {
		return ExternalIdentity{}, fmt.Errorf("identity.id_token: %w", errMissingEmail)
	}
	if !emailVerified {
		return ExternalIdentity{}, fmt.Errorf("identity.id_token: %w", errUnverifiedEmail)
	}
	userName, _ := payload.Claims["name"].(string)
	userPicture, _ := payload.Claims["picture"].(string)
	return ExternalIdentity{
		Email:   userEmail,
		Name:    userName,
		Picture: userPicture,
	}, nil
}
