package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	ActorIDHeader  = "X-Actor-Id"
	ProxyKeyHeader = "X-Proxy-Key"
	actorKey       = "actor_id"
)

// Actor requires the identity header set by the auth proxy in front of the
// service. With a non-empty proxyKey the proxy must also present it, so a
// client reaching the service directly cannot pick its own identity.
func Actor(proxyKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if proxyKey != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader(ProxyKeyHeader)), []byte(proxyKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "Unknown proxy",
				},
			})
			return
		}
		id := strings.TrimSpace(c.GetHeader(ActorIDHeader))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHENTICATED",
					"message": "Sign in required",
				},
			})
			return
		}
		c.Set(actorKey, id)
		c.Next()
	}
}

func ActorID(c *gin.Context) string {
	return c.GetString(actorKey)
}
