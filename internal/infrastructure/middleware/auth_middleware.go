package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/carabina/PeerConnectivity/internal/core/domain"
	"github.com/carabina/PeerConnectivity/internal/core/services"
)

// PeerIDKey is the gin context key AuthMiddleware stores the caller under.
const PeerIDKey = "peer_id"

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(PeerIDKey, claims.PeerID)
		c.Next()
	}
}

// PeerIDFromContext returns the peer AuthMiddleware authenticated.
func PeerIDFromContext(c *gin.Context) (domain.PeerID, bool) {
	v, ok := c.Get(PeerIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.PeerID)
	return id, ok
}
