package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obsctx "github.com/sparlo/metering/internal/observability/context"
)

const (
	// HeaderActor carries "system" or "operator:<id>", set by the gateway
	// after it authenticated the caller.
	HeaderActor     = "X-Actor"
	contextActorKey = "actor"
)

// ClientContext records the caller address for audit entries.
func ClientContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := obsctx.WithClient(c.Request.Context(), c.ClientIP(), c.Request.UserAgent())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(HeaderActor))
		if actor != "" {
			c.Set(contextActorKey, actor)
			c.Request = c.Request.WithContext(obsctx.WithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}

func actorFromContext(c *gin.Context) (string, bool) {
	if c == nil {
		return "", false
	}
	actor := strings.TrimSpace(c.GetString(contextActorKey))
	return actor, actor != ""
}
