package authkit

import (
	"net/http"
	"time"
)

// Cookie names and paths shared by the auth routes and clients.
const (
	DefaultAccessCookieName  = "access"
	DefaultRefreshCookieName = "refresh"
	DefaultRefreshCookiePath = "/auth"
	DefaultTokenIssuer       = "postfeed-auth"
	DefaultReuseGracePeriod  = 2 * time.Second
)

// ServerConfig configures token secrets, cookies, and lifetimes.
type ServerConfig struct {
	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	TokenIssuer        string
	AccessTokenTTL     time.Duration
	// RefreshReuseGrace is how long a rotated refresh token is treated as a lost
	// concurrent refresh instead of a replay. Zero disables the window.
	RefreshReuseGrace time.Duration
	CookieDomain      string
	AccessCookieName  string
	RefreshCookieName string
	RefreshCookiePath string
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
}

func (configuration ServerConfig) withDefaults() ServerConfig {
	if configuration.TokenIssuer == "" {
		configuration.TokenIssuer = DefaultTokenIssuer
	}
	if configuration.AccessCookieName == "" {
		configuration.AccessCookieName = DefaultAccessCookieName
	}
	if configuration.RefreshCookieName == "" {
		configuration.RefreshCookieName = DefaultRefreshCookieName
	}
	if configuration.RefreshCookiePath == "" {
		configuration.RefreshCookiePath = DefaultRefreshCookiePath
	}
	if configuration.SameSiteMode == 0 {
		configuration.SameSiteMode = http.SameSiteLaxMode
	}
	return configuration
}
