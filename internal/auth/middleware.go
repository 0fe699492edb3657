package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"collectbot/internal/apperr"
	"collectbot/internal/models"
)

const userContextKey = "auth_user"

// Middleware validates bearer tokens and stores the authenticated user in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		user, err := s.Authorize(c.Request.Context(), authToken)
		if err != nil {
			status := apperr.Status(err)
			if status == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", "Bearer")
			}
			c.AbortWithStatusJSON(status, gin.H{"error": apperr.Message(err)})
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// UserFromContext retrieves the authenticated user from the gin context.
func UserFromContext(c *gin.Context) (*models.User, bool) {
	val, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	user, ok := val.(*models.User)
	return user, ok
}

// extractToken reads the Authorization header, falling back to the access_token query
// parameter that browsers use for websocket upgrades.
func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return strings.TrimSpace(c.Query(s.queryParam))
}
