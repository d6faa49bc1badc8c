package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/postfeed/postfeed-auth/internal/authkit"
	"github.com/postfeed/postfeed-auth/internal/authkitpg"
	"github.com/postfeed/postfeed-auth/internal/web"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv merges path into the process environment. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config.dotenv: %w", err)
	}
	return nil
}

const (
	databaseDriverGorm = "gorm"
	databaseDriverPgx  = "pgx"

	googleVerificationUserInfo = "userinfo"
	googleVerificationIDToken  = "id_token"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "postfeed-auth",
		Short:   "Account service with password and Google sign-in, JWT access tokens, and rotating refresh tokens",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite://); leave empty for in-memory store")
	rootCmd.Flags().String("database_driver", databaseDriverGorm, "Store implementation for postgres URLs: gorm or pgx")
	rootCmd.Flags().String("access_token_secret", "", "HS256 secret for access tokens")
	rootCmd.Flags().String("refresh_token_secret", "", "HS256 secret for refresh tokens; must differ from the access secret")
	rootCmd.Flags().Int64("access_token_ttl_ms", (15 * time.Minute).Milliseconds(), "Access token lifetime in milliseconds")
	rootCmd.Flags().Duration("refresh_reuse_grace", authkit.DefaultReuseGracePeriod, "Window in which a just-rotated refresh token is treated as a concurrent refresh")
	rootCmd.Flags().Int("bcrypt_cost", authkit.DefaultBcryptCost, "bcrypt cost factor for password hashes")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	rootCmd.Flags().String("google_verification", googleVerificationUserInfo, "How Google credentials are verified: userinfo (OAuth access token) or id_token")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID (required for id_token verification)")
	rootCmd.Flags().String("google_userinfo_endpoint", "", "Override for the Google userinfo API base URL")

	for _, flagName := range []string{
		"listen_addr",
		"database_url",
		"database_driver",
		"access_token_secret",
		"refresh_token_secret",
		"access_token_ttl_ms",
		"refresh_reuse_grace",
		"bcrypt_cost",
		"cookie_domain",
		"dev_insecure_http",
		"enable_cors",
		"cors_allowed_origins",
		"google_verification",
		"google_web_client_id",
		"google_userinfo_endpoint",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()
	bindLegacyEnvironment()

	return rootCmd
}

// bindLegacyEnvironment accepts the variable names used by earlier deployments.
func bindLegacyEnvironment() {
	_ = viper.BindEnv("access_token_secret", "APP_ACCESS_TOKEN_SECRET", "JWT_SECRET")
	_ = viper.BindEnv("refresh_token_secret", "APP_REFRESH_TOKEN_SECRET", "JWT_REFRESH_SECRET")
	_ = viper.BindEnv("access_token_ttl_ms", "APP_ACCESS_TOKEN_TTL_MS", "JWT_EXPIRATION_MS")
	_ = viper.BindEnv("database_url", "APP_DATABASE_URL", "DB_URL")
	_ = viper.BindEnv("port", "PORT")
}

const (
	configCodeMissingAccessSecret     = "config.missing_access_token_secret"
	configCodeMissingRefreshSecret    = "config.missing_refresh_token_secret"
	configCodeSharedSecrets           = "config.shared_token_secrets"
	configCodeInvalidAccessTTL        = "config.invalid_access_token_ttl"
	configCodeInvalidReuseGrace       = "config.invalid_refresh_reuse_grace"
	configCodeInvalidBcryptCost       = "config.invalid_bcrypt_cost"
	configCodeUnsupportedVerification = "config.unsupported_google_verification"
	configCodeMissingGoogleClientID   = "config.missing_google_web_client_id"
	configCodeUnsupportedDriver       = "config.unsupported_database_driver"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates the settings bound to viper and builds the auth configuration.
func LoadServerConfig() (authkit.ServerConfig, error) {
	accessTokenSecret := viper.GetString("access_token_secret")
	if accessTokenSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessSecret, "access_token_secret must be provided")
	}
	refreshTokenSecret := viper.GetString("refresh_token_secret")
	if refreshTokenSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshSecret, "refresh_token_secret must be provided")
	}
	if accessTokenSecret == refreshTokenSecret {
		return authkit.ServerConfig{}, configError(configCodeSharedSecrets, "access_token_secret and refresh_token_secret must differ")
	}

	accessTokenTTLMillis := viper.GetInt64("access_token_ttl_ms")
	if accessTokenTTLMillis <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_token_ttl_ms must be greater than zero")
	}

	reuseGrace := authkit.DefaultReuseGracePeriod
	if viper.IsSet("refresh_reuse_grace") {
		reuseGrace = viper.GetDuration("refresh_reuse_grace")
	}
	if reuseGrace < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidReuseGrace, "refresh_reuse_grace must not be negative")
	}

	if viper.IsSet("bcrypt_cost") {
		if cost := viper.GetInt("bcrypt_cost"); cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return authkit.ServerConfig{}, configError(configCodeInvalidBcryptCost, fmt.Sprintf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
		}
	}

	switch googleVerificationMode() {
	case googleVerificationUserInfo:
	case googleVerificationIDToken:
		if strings.TrimSpace(viper.GetString("google_web_client_id")) == "" {
			return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_web_client_id must be provided for id_token verification")
		}
	default:
		return authkit.ServerConfig{}, configError(configCodeUnsupportedVerification, "google_verification must be userinfo or id_token")
	}

	switch databaseDriver() {
	case databaseDriverGorm, databaseDriverPgx:
	default:
		return authkit.ServerConfig{}, configError(configCodeUnsupportedDriver, "database_driver must be gorm or pgx")
	}

	return authkit.ServerConfig{
		AccessTokenSecret:  []byte(accessTokenSecret),
		RefreshTokenSecret: []byte(refreshTokenSecret),
		TokenIssuer:        authkit.DefaultTokenIssuer,
		AccessTokenTTL:     time.Duration(accessTokenTTLMillis) * time.Millisecond,
		RefreshReuseGrace:  reuseGrace,
		CookieDomain:       viper.GetString("cookie_domain"),
		AccessCookieName:   authkit.DefaultAccessCookieName,
		RefreshCookieName:  authkit.DefaultRefreshCookieName,
		RefreshCookiePath:  authkit.DefaultRefreshCookiePath,
	}, nil
}

func googleVerificationMode() string {
	mode := strings.ToLower(strings.TrimSpace(viper.GetString("google_verification")))
	if mode == "" {
		return googleVerificationUserInfo
	}
	return mode
}

func databaseDriver() string {
	driver := strings.ToLower(strings.TrimSpace(viper.GetString("database_driver")))
	if driver == "" {
		return databaseDriverGorm
	}
	return driver
}

func listenAddress() string {
	if !viper.IsSet("listen_addr") {
		if legacyPort := strings.TrimSpace(viper.GetString("port")); legacyPort != "" {
			return ":" + legacyPort
		}
	}
	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		return ":8080"
	}
	return listenAddr
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := listenAddress()
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	serverConfig.AllowInsecureHTTP = devInsecureHTTP
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	clock := authkit.NewSystemClock()
	credentials, closeCredentials, storeErr := openCredentialStore(commandContext, logger, clock, viper.GetString("database_url"), databaseDriver())
	if storeErr != nil {
		return storeErr
	}
	defer closeCredentials()

	identities, identityErr := buildIdentityVerifier(commandContext)
	if identityErr != nil {
		return identityErr
	}

	codec, codecErr := authkit.NewTokenCodec(serverConfig, clock)
	if codecErr != nil {
		return codecErr
	}

	metricsRecorder := authkit.NewCounterMetrics()
	sessions, sessionsErr := authkit.NewSessionManager(authkit.SessionDependencies{
		Configuration: serverConfig,
		Credentials:   credentials,
		Hasher:        authkit.NewBcryptHasher(viper.GetInt("bcrypt_cost")),
		Codec:         codec,
		Identities:    identities,
		Clock:         clock,
		Logger:        logger,
		Metrics:       metricsRecorder,
	})
	if sessionsErr != nil {
		return sessionsErr
	}

	authkit.MountAuthRoutes(router, serverConfig, sessions, logger)
	web.MountUserRoutes(router, authkit.RequireSession(codec), logger, credentials)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error",
				zap.String("code", "server.shutdown"),
				zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	serveErr := serveHTTP(server)
	logger.Info("auth counters",
		zap.String("code", "server.metrics"),
		zap.Any("counters", metricsRecorder.Snapshot()))
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", serveErr)
	}
	return nil
}

// openCredentialStore selects the in-memory, GORM, or pgx store from the database URL and driver.
func openCredentialStore(ctx context.Context, logger *zap.Logger, clock authkit.Clock, databaseURL string, driver string) (authkit.CredentialStore, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("using in-memory credential store")
		return authkit.NewMemoryCredentialStore().WithClock(clock), func() {}, nil
	}
	if driver == databaseDriverPgx {
		pool, poolErr := authkitpg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, nil, poolErr
		}
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			pool.Close()
			return nil, nil, schemaErr
		}
		logger.Info("using persistent credential store", zap.String("driver", databaseDriverPgx))
		return authkitpg.NewPostgresCredentialStore(pool).WithClock(clock), pool.Close, nil
	}
	persistentStore, storeErr := authkit.NewDatabaseCredentialStore(ctx, databaseURL)
	if storeErr != nil {
		return nil, nil, storeErr
	}
	persistentStore.WithClock(clock)
	logger.Info("using persistent credential store", zap.String("driver", persistentStore.Driver()))
	return persistentStore, func() {
		if closeErr := persistentStore.Close(); closeErr != nil {
			logger.Warn("credential store close failed",
				zap.String("code", "server.store_close"),
				zap.Error(closeErr))
		}
	}, nil
}

func buildIdentityVerifier(ctx context.Context) (authkit.IdentityVerifier, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if googleVerificationMode() != googleVerificationIDToken {
		return authkit.NewGoogleUserInfoVerifier(viper.GetString("google_userinfo_endpoint"), nil), nil
	}
	validator, validatorErr := buildGoogleTokenValidator(ctx)
	if validatorErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}
	verifier, verifierErr := authkit.NewGoogleIDTokenVerifier(validator, viper.GetString("google_web_client_id"))
	if verifierErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, verifierErr)
	}
	return verifier, nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
