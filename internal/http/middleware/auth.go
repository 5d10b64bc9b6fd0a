package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/kbchat-backend/internal/platform/logger"
)

// ConversationKey is the gin context key handlers set so request logs carry the conversation.
const ConversationKey = "conversation_id"

// TokenAuth guards the JSON API with a shared bearer token. An empty token disables the check.
type TokenAuth struct {
	log   *logger.Logger
	token string
}

func NewTokenAuth(log *logger.Logger, token string) *TokenAuth {
	return &TokenAuth{log: log.With("Middleware", "TokenAuth"), token: strings.TrimSpace(token)}
}

func (a *TokenAuth) Enabled() bool { return a != nil && a.token != "" }

func (a *TokenAuth) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		got := extractBearer(c)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			a.log.Debug("Rejected API request", "path", c.Request.URL.Path, "has_token", got != "")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
