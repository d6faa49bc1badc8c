package authkit

import (
	"github.com/gin-gonic/gin"
	"github.com/postfeed/postfeed-auth/pkg/sessionvalidator"
)

// RequireSession validates the access token and injects its claims.
func RequireSession(codec *TokenCodec) gin.HandlerFunc {
	return codec.AccessValidator().GinMiddleware(sessionvalidator.DefaultContextKey)
}

// AuthenticatedUserID returns the user id attached by RequireSession.
func AuthenticatedUserID(contextGin *gin.Context) (string, bool) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
	if !ok {
		return "", false
	}
	return claims.UserID, true
}
