package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/listing-automation/internal/apikey"
)

// APIKeyAuth guards the dashboard API with a single service API key. The
// stored value is an argon2id hash; the key itself never touches disk. An
// empty hash disables the guard for local development.
func APIKeyAuth(keyHash string) gin.HandlerFunc {
	if strings.TrimSpace(keyHash) == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		key := bearerToken(c)
		if key == "" {
			key = strings.TrimSpace(c.Request.Header.Get("X-API-Key"))
		}
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "unauthorized",
				"error_description": "Missing API key.",
			})
			return
		}

		ok, err := apikey.Verify(key, keyHash)
		if err != nil || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":             "unauthorized",
				"error_description": "Invalid API key.",
			})
			return
		}

		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.Request.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}
