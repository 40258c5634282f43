package api

import (
	"log"

	"github.com/gin-gonic/gin"
)

// APIKeyMiddleware checks the caller's API key against expectedKey, accepted
// either as the X-API-Key header or an apiKey query parameter. An empty
// expectedKey means no key is configured: validation is bypassed (with a
// one-time startup warning) rather than locking every write endpoint behind
// a key nobody set.
func APIKeyMiddleware(expectedKey string) gin.HandlerFunc {
	if expectedKey == "" {
		log.Println("[api] API_KEY is not configured — write endpoints are unauthenticated")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Set("api_key", "")
			c.Next()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.Query("apiKey")
		}
		if key != expectedKey {
			RespondUnauthorized(c, "invalid or missing API key")
			c.Abort()
			return
		}

		c.Set("api_key", key)
		c.Next()
	}
}
