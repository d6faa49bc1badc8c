package web

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("cors: wildcard origin not allowed when credentials are enabled")
	errEmptyAllowedOrigins = errors.New("cors: no explicit origins provided")
	errInvalidOrigin       = errors.New("cors: invalid origin format")
)

// ConfigureCORS enables credentialed cross-origin requests for the supplied origins.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sanitized, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	config := cors.Config{
		AllowOrigins:     sanitized,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	return cors.New(config), nil
}

// sanitizeOrigins reduces allowed to distinct scheme://host origins in input order.
// Blank entries are skipped; a wildcard or an origin carrying a path, query, or
// fragment fails the whole list.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	origins := make([]string, 0, len(allowed))
	for _, raw := range allowed {
		origin, isDevelopment, err := normalizeOrigin(raw)
		if err != nil {
			return nil, err
		}
		if origin == "" || slices.Contains(origins, origin) {
			continue
		}
		if strings.HasPrefix(origin, "http://") && !isDevelopment {
			logger.Warn("unsafe cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", origin))
		}
		origins = append(origins, origin)
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return origins, nil
}

func normalizeOrigin(raw string) (string, bool, error) {
	candidate := strings.TrimSpace(raw)
	switch candidate {
	case "":
		return "", false, nil
	case "*":
		return "", false, errWildcardOrigin
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Host == "" {
		return "", false, fmt.Errorf("%w: %s", errInvalidOrigin, candidate)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, candidate)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", false, fmt.Errorf("%w: %s must not carry a path, query, or fragment", errInvalidOrigin, candidate)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), isDevelopmentHost(parsed.Hostname()), nil
}

func isDevelopmentHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1":
		return true
	default:
		return false
	}
}
