package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type setAccountTierRequest struct {
	Tier string `json:"tier"`
}

// SetAccountTier changes the ceiling used for the account's next period.
// The running period keeps the limit it was opened with.
func (s *Server) SetAccountTier(c *gin.Context) {
	var req setAccountTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	accountID := strings.TrimSpace(c.Param("account_id"))
	resp, err := s.tierSvc.SetTier(ctx, accountID, strings.TrimSpace(req.Tier))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if s.snapshots != nil {
		s.snapshots.Invalidate(ctx, accountID)
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
