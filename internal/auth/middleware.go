// Gin middleware for bearer-token authentication: validates the JWT,
// confirms the user still exists (not soft-deleted), and populates
// request context with the caller's identity.
package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/umbra-msg/umbra-core/internal/db"
)

// Middleware requires a valid bearer token. WebSocket upgrade requests
// carry the token as a query parameter (browsers cannot set custom
// headers on the upgrade request) and get a bare status code on failure
// so the response doesn't interfere with the WS handshake.
func Middleware(jwtManager *JWTManager, userDB *db.UserDB) gin.HandlerFunc {
	return func(c *gin.Context) {
		upgrade := strings.ToLower(c.GetHeader("Upgrade"))
		connection := strings.ToLower(c.GetHeader("Connection"))
		isWebSocket := upgrade == "websocket" && strings.Contains(connection, "upgrade")

		var tokenString string
		if isWebSocket {
			tokenString = c.Query("token")
		}

		if tokenString == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				abortUnauthorized(c, isWebSocket, "Authorization header required")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				abortUnauthorized(c, isWebSocket, "Invalid authorization header format. Use: Bearer <token>")
				return
			}
			tokenString = parts[1]
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			abortUnauthorized(c, isWebSocket, "Invalid or expired token")
			return
		}

		user, err := userDB.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil || user == nil {
			abortUnauthorized(c, isWebSocket, "User not found")
			return
		}

		c.Set("userID", user.ID)
		c.Set("userEmail", user.Email)
		c.Set("claims", claims)

		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, isWebSocket bool, message string) {
	if isWebSocket {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.JSON(http.StatusUnauthorized, gin.H{"error": message})
	c.Abort()
}

// OptionalAuth validates a token if present but never rejects the request.
func OptionalAuth(jwtManager *JWTManager, userDB *db.UserDB) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.Next()
			return
		}

		claims, err := jwtManager.ValidateToken(parts[1])
		if err != nil {
			c.Next()
			return
		}

		user, err := userDB.GetUserByID(c.Request.Context(), claims.UserID)
		if err == nil && user != nil {
			c.Set("userID", user.ID)
			c.Set("userEmail", user.Email)
			c.Set("claims", claims)
		}

		c.Next()
	}
}

// GetUserID extracts the authenticated user's id from the Gin context.
func GetUserID(c *gin.Context) (int64, bool) {
	v, exists := c.Get("userID")
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
