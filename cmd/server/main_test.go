package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/postfeed/postfeed-auth/internal/authkit"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func setValidConfig() {
	viper.Set("listen_addr", ":0")
	viper.Set("access_token_secret", "access-secret")
	viper.Set("refresh_token_secret", "refresh-secret")
	viper.Set("access_token_ttl_ms", 60000)
	viper.Set("bcrypt_cost", 4)
}

func TestLoadServerConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		override        map[string]interface{}
		expectedMessage string
	}{
		{
			name:            "missing access secret",
			override:        map[string]interface{}{"access_token_secret": ""},
			expectedMessage: "config.missing_access_token_secret: access_token_secret must be provided",
		},
		{
			name:            "missing refresh secret",
			override:        map[string]interface{}{"refresh_token_secret": ""},
			expectedMessage: "config.missing_refresh_token_secret: refresh_token_secret must be provided",
		},
		{
			name:            "shared secrets",
			override:        map[string]interface{}{"refresh_token_secret": "access-secret"},
			expectedMessage: "config.shared_token_secrets: access_token_secret and refresh_token_secret must differ",
		},
		{
			name:            "non-positive ttl",
			override:        map[string]interface{}{"access_token_ttl_ms": 0},
			expectedMessage: "config.invalid_access_token_ttl: access_token_ttl_ms must be greater than zero",
		},
		{
			name:            "negative grace",
			override:        map[string]interface{}{"refresh_reuse_grace": -time.Second},
			expectedMessage: "config.invalid_refresh_reuse_grace: refresh_reuse_grace must not be negative",
		},
		{
			name:            "bcrypt cost out of range",
			override:        map[string]interface{}{"bcrypt_cost": 64},
			expectedMessage: "config.invalid_bcrypt_cost: bcrypt_cost must be between 4 and 31",
		},
		{
			name:            "unknown verification",
			override:        map[string]interface{}{"google_verification": "saml"},
			expectedMessage: "config.unsupported_google_verification: google_verification must be userinfo or id_token",
		},
		{
			name:            "id token without client id",
			override:        map[string]interface{}{"google_verification": "id_token"},
			expectedMessage: "config.missing_google_web_client_id: google_web_client_id must be provided for id_token verification",
		},
		{
			name:            "unknown driver",
			override:        map[string]interface{}{"database_driver": "mongo"},
			expectedMessage: "config.unsupported_database_driver: database_driver must be gorm or pgx",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setValidConfig()
			for key, value := range testCase.override {
				viper.Set(key, value)
			}

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setValidConfig()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.AccessTokenTTL != time.Minute {
		t.Fatalf("expected 1m access ttl, got %v", config.AccessTokenTTL)
	}
	if config.RefreshReuseGrace != authkit.DefaultReuseGracePeriod {
		t.Fatalf("expected default reuse grace, got %v", config.RefreshReuseGrace)
	}
	if config.RefreshCookiePath != authkit.DefaultRefreshCookiePath || config.TokenIssuer != authkit.DefaultTokenIssuer {
		t.Fatalf("unexpected cookie or issuer defaults %+v", config)
	}
}

func TestLegacyEnvironmentNames(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	t.Setenv("JWT_SECRET", "legacy-access")
	t.Setenv("JWT_REFRESH_SECRET", "legacy-refresh")
	t.Setenv("JWT_EXPIRATION_MS", "120000")
	t.Setenv("PORT", "9090")
	newRootCommand()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected legacy configuration to load, got %v", err)
	}
	if string(config.AccessTokenSecret) != "legacy-access" || string(config.RefreshTokenSecret) != "legacy-refresh" {
		t.Fatalf("legacy secrets not applied: %+v", config)
	}
	if config.AccessTokenTTL != 2*time.Minute {
		t.Fatalf("expected 2m access ttl, got %v", config.AccessTokenTTL)
	}
	if address := listenAddress(); address != ":9090" {
		t.Fatalf("expected legacy port, got %q", address)
	}
}

func TestLoadDotEnv(t *testing.T) {
	if err := loadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}

	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("POSTFEED_DOTENV_PROBE=loaded\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("POSTFEED_DOTENV_PROBE") })
	if err := loadDotEnv(envPath); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if value := os.Getenv("POSTFEED_DOTENV_PROBE"); value != "loaded" {
		t.Fatalf("expected value from env file, got %q", value)
	}
}

func runWithConfig(t *testing.T, serve func(server *http.Server) error) error {
	t.Helper()
	restoreServe := withServeHTTPStub(serve)
	defer restoreServe()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return runServer(command, nil)
}

func TestRunServerValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	setValidConfig()
	viper.Set("google_verification", "id_token")
	viper.Set("google_web_client_id", "client")

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	err := runWithConfig(t, func(server *http.Server) error {
		return http.ErrServerClosed
	})
	if err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerServesAuthAndUserRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	setValidConfig()
	viper.Set("cookie_domain", "localhost")
	viper.Set("dev_insecure_http", true)
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "server.db"))
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:3000"})
	viper.Set("google_verification", "id_token")
	viper.Set("google_web_client_id", "client")

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})
	defer restoreValidator()

	err := runWithConfig(t, func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		register := httptest.NewRecorder()
		registerRequest := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"email":"server@example.com","password":"secret"}`))
		registerRequest.Header.Set("Content-Type", "application/json")
		server.Handler.ServeHTTP(register, registerRequest)
		if register.Code != http.StatusCreated {
			t.Fatalf("expected 201 from register, got %d: %s", register.Code, register.Body.String())
		}

		var accessCookie *http.Cookie
		for _, cookie := range register.Result().Cookies() {
			if cookie.Name == authkit.DefaultAccessCookieName {
				accessCookie = cookie
			}
		}
		if accessCookie == nil || accessCookie.SameSite != http.SameSiteNoneMode || accessCookie.Domain != "localhost" {
			t.Fatalf("unexpected access cookie %+v", accessCookie)
		}

		connected := httptest.NewRecorder()
		connectedRequest := httptest.NewRequest(http.MethodGet, "/users/connected", nil)
		connectedRequest.AddCookie(&http.Cookie{Name: accessCookie.Name, Value: accessCookie.Value})
		server.Handler.ServeHTTP(connected, connectedRequest)
		if connected.Code != http.StatusOK || !strings.Contains(connected.Body.String(), "server@example.com") {
			t.Fatalf("expected connected user, got %d: %s", connected.Code, connected.Body.String())
		}
		return http.ErrServerClosed
	})
	if err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerInMemoryStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	setValidConfig()

	err := runWithConfig(t, func(server *http.Server) error {
		if server.Addr != ":0" {
			t.Fatalf("expected listen address :0, got %q", server.Addr)
		}
		return http.ErrServerClosed
	})
	if err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerRejectsInvalidCORSOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	setValidConfig()
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"*"})

	err := runWithConfig(t, func(server *http.Server) error {
		t.Fatalf("server must not start with invalid CORS origins")
		return nil
	})
	if err == nil {
		t.Fatalf("expected CORS configuration error")
	}
}

func TestRunServerPropagatesListenError(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	setValidConfig()

	err := runWithConfig(t, func(server *http.Server) error {
		return errors.New("address in use")
	})
	if err == nil || !strings.Contains(err.Error(), "listen error: address in use") {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestPrepareServerConfigStoresConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setValidConfig()

	command := &cobra.Command{}
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, ok := command.Context().Value(serverConfigContextKey).(authkit.ServerConfig); !ok {
		t.Fatalf("expected server config in command context")
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withServeHTTPStub(stub func(*http.Server) error) func() {
	original := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = original
	}
}

func withGoogleValidatorBuilderStub(stub func(context.Context) (authkit.GoogleTokenValidator, error)) func() {
	original := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = original
	}
}
