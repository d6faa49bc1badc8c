package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/postfeed/postfeed-auth/internal/authkit"
	"go.uber.org/zap"
)

const (
	messageUserNotFound = "user not found"
	messageInvalidBody  = "invalid request body"
	messageUnexpected   = "something went wrong"
)

// PublicProfile is the view of a user returned by the profile endpoints.
type PublicProfile struct {
	ID       string `json:"_id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	ImageURL string `json:"imageUrl"`
}

func newPublicProfile(user authkit.User) PublicProfile {
	return PublicProfile{
		ID:       user.ID,
		FullName: user.FullName,
		Email:    user.Email,
		ImageURL: user.ImageURL,
	}
}

// MountUserRoutes registers GET /users/connected and PUT /users behind the session middleware.
func MountUserRoutes(router gin.IRouter, requireSession gin.HandlerFunc, logger *zap.Logger, users authkit.UserStore) {
	usersGroup := router.Group("/users", requireSession)
	usersGroup.GET("/connected", HandleConnectedUser(logger, users))
	usersGroup.PUT("", HandleUpdateProfile(logger, users))
}

// HandleConnectedUser returns the profile of the authenticated user.
func HandleConnectedUser(logger *zap.Logger, users authkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		userID, ok := authkit.AuthenticatedUserID(contextGin)
		if !ok {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.users.connected.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		user, findErr := users.FindByID(contextGin.Request.Context(), userID)
		if findErr != nil {
			writeLookupError(contextGin, logger, "api.users.connected", userID, findErr)
			return
		}
		contextGin.JSON(http.StatusOK, newPublicProfile(user))
	}
}

// HandleUpdateProfile changes the full name and image of the authenticated user.
// Fields absent from the body keep their stored values.
func HandleUpdateProfile(logger *zap.Logger, users authkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		userID, ok := authkit.AuthenticatedUserID(contextGin)
		if !ok {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.users.update.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		var inbound struct {
			FullName *string `json:"fullName" form:"fullName"`
			ImageURL *string `json:"imageUrl" form:"imageUrl"`
		}
		if bindErr := contextGin.ShouldBind(&inbound); bindErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": messageInvalidBody})
			return
		}

		user, findErr := users.FindByID(contextGin.Request.Context(), userID)
		if findErr != nil {
			writeLookupError(contextGin, logger, "api.users.update", userID, findErr)
			return
		}
		if inbound.FullName != nil {
			user.FullName = *inbound.FullName
		}
		if inbound.ImageURL != nil {
			user.ImageURL = *inbound.ImageURL
		}
		saved, saveErr := users.Save(contextGin.Request.Context(), user)
		if saveErr != nil {
			writeLookupError(contextGin, logger, "api.users.update", userID, saveErr)
			return
		}
		contextGin.JSON(http.StatusOK, newPublicProfile(saved))
	}
}

func writeLookupError(contextGin *gin.Context, logger *zap.Logger, code string, userID string, err error) {
	if errors.Is(err, authkit.ErrUserNotFound) {
		logger.Warn("user missing for valid session",
			zap.String("code", code+".user_missing"),
			zap.String("user_id", userID))
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": messageUserNotFound})
		return
	}
	logger.Error("user lookup error",
		zap.String("code", code+".store_error"),
		zap.String("user_id", userID),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": messageUnexpected})
}
