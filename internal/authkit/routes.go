package authkit

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	messageInvalidBody        = "invalid request body"
	messageEmailTaken         = "email already exists"
	messageInvalidLogin       = "incorrect email or password"
	messageInvalidGoogleLogin = "invalid google credentials"
	messageUnexpected         = "something went wrong"
)

// MountAuthRoutes registers /auth/register, /auth/google, /auth/login, /auth/logout, and /auth/refresh.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, sessions *SessionManager, logger *zap.Logger) {
	configuration = configuration.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	authGroup := router.Group("/auth")

	authGroup.POST("/register", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email" form:"email"`
			Password string `json:"password" form:"password"`
			FullName string `json:"fullName" form:"fullName"`
			ImageURL string `json:"imageUrl" form:"imageUrl"`
		}
		if err := contextGin.ShouldBind(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": messageInvalidBody})
			return
		}
		user, tokens, registerErr := sessions.Register(contextGin.Request.Context(), RegistrationInput{
			Email:    inbound.Email,
			Password: inbound.Password,
			FullName: inbound.FullName,
			ImageURL: inbound.ImageURL,
		})
		if registerErr != nil {
			writeSessionError(contextGin, logger, "auth.register", messageInvalidLogin, registerErr)
			return
		}
		writeTokenCookies(contextGin, configuration, tokens)
		contextGin.JSON(http.StatusCreated, user)
	})

	// Google sign-in answers with the token pair in the body rather than cookies.
	authGroup.POST("/google", func(contextGin *gin.Context) {
		var inbound struct {
			AccessToken string `json:"access_token" form:"access_token"`
			Email       string `json:"email" form:"email"`
		}
		if err := contextGin.ShouldBind(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": messageInvalidBody})
			return
		}
		tokens, signInErr := sessions.GoogleSignIn(contextGin.Request.Context(), inbound.AccessToken, inbound.Email)
		if signInErr != nil {
			writeSessionError(contextGin, logger, "auth.google", messageInvalidGoogleLogin, signInErr)
			return
		}
		contextGin.JSON(http.StatusOK, tokens)
	})

	authGroup.POST("/login", func(contextGin *gin.Context) {
		var inbound struct {
			Email    string `json:"email" form:"email"`
			Password string `json:"password" form:"password"`
		}
		if err := contextGin.ShouldBind(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": messageInvalidBody})
			return
		}
		tokens, loginErr := sessions.Login(contextGin.Request.Context(), inbound.Email, inbound.Password)
		if loginErr != nil {
			writeSessionError(contextGin, logger, "auth.login", messageInvalidLogin, loginErr)
			return
		}
		writeTokenCookies(contextGin, configuration, tokens)
		contextGin.Status(http.StatusOK)
	})

	logoutHandler := func(contextGin *gin.Context) {
		refreshToken, _ := contextGin.Cookie(configuration.RefreshCookieName)
		if logoutErr := sessions.Logout(contextGin.Request.Context(), refreshToken); logoutErr != nil {
			writeSessionError(contextGin, logger, "auth.logout", messageInvalidLogin, logoutErr)
			return
		}
		clearCookie(contextGin, configuration, configuration.AccessCookieName, "/")
		clearCookie(contextGin, configuration, configuration.RefreshCookieName, configuration.RefreshCookiePath)
		contextGin.Status(http.StatusOK)
	}
	authGroup.GET("/logout", logoutHandler)
	authGroup.POST("/logout", logoutHandler)

	refreshHandler := func(contextGin *gin.Context) {
		refreshToken, _ := contextGin.Cookie(configuration.RefreshCookieName)
		tokens, refreshErr := sessions.Refresh(contextGin.Request.Context(), refreshToken)
		if refreshErr != nil {
			writeSessionError(contextGin, logger, "auth.refresh", messageInvalidLogin, refreshErr)
			return
		}
		writeTokenCookies(contextGin, configuration, tokens)
		contextGin.Status(http.StatusOK)
	}
	authGroup.GET("/refresh", refreshHandler)
	authGroup.POST("/refresh", refreshHandler)
}

func writeSessionError(contextGin *gin.Context, logger *zap.Logger, route string, invalidCredentialsMessage string, err error) {
	var validation *ValidationError
	switch {
	case errors.As(err, &validation):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": validation.Message})
	case errors.Is(err, ErrConflict):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": messageEmailTaken})
	case errors.Is(err, ErrInvalidCredentials):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": invalidCredentialsMessage})
	case errors.Is(err, ErrUnauthenticated):
		contextGin.AbortWithStatus(http.StatusUnauthorized)
	default:
		logger.Error("auth request failed",
			zap.String("code", route+".unexpected"),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": messageUnexpected})
	}
}

func writeTokenCookies(contextGin *gin.Context, configuration ServerConfig, tokens TokenPair) {
	accessMaxAge := int(configuration.AccessTokenTTL / time.Second)
	if accessMaxAge <= 0 {
		accessMaxAge = 1
	}
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.AccessCookieName,
		Value:    tokens.AccessToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   accessMaxAge,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    tokens.RefreshToken,
		Path:     configuration.RefreshCookiePath,
		Domain:   configuration.CookieDomain,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearCookie(contextGin *gin.Context, configuration ServerConfig, name string, path string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}
