package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) authorizeAccountAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authorizeAccountActionWithContext(c, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) authorizeAccountActionWithContext(c *gin.Context, object string, action string) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return ErrUnauthorized
	}
	accountID := strings.TrimSpace(c.Param("account_id"))
	if accountID == "" {
		return ErrInvalidRequest
	}
	return s.authzSvc.Authorize(c.Request.Context(), actor, accountID, strings.TrimSpace(object), strings.TrimSpace(action))
}
