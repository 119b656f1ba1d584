package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	adjustmentdomain "github.com/sparlo/metering/internal/adjustment/domain"
	"github.com/sparlo/metering/pkg/db/pagination"
)

type adjustUsageRequest struct {
	Version         int            `json:"version"`
	Reason          string         `json:"reason"`
	TokensLimit     *int64         `json:"tokens_limit"`
	TokensUsed      *int64         `json:"tokens_used"`
	TokensUsedDelta *int64         `json:"tokens_used_delta"`
	Metadata        map[string]any `json:"metadata"`
}

// AdjustUsage leaves the permission check to the adjustment service so no
// caller can reach the mutation without it.
func (s *Server) AdjustUsage(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req adjustUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.adjustmentSvc.Adjust(c.Request.Context(), adjustmentdomain.AdjustRequest{
		Version:         req.Version,
		AccountID:       strings.TrimSpace(c.Param("account_id")),
		Actor:           actor,
		Reason:          req.Reason,
		TokensLimit:     req.TokensLimit,
		TokensUsed:      req.TokensUsed,
		TokensUsedDelta: req.TokensUsedDelta,
		Metadata:        req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListAdjustments(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query struct {
		PageToken string `form:"page_token"`
		PageSize  int    `form:"page_size"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.adjustmentSvc.List(c.Request.Context(), adjustmentdomain.ListRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		AccountID: strings.TrimSpace(c.Param("account_id")),
		Actor:     actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Adjustments, "page_info": resp.PageInfo})
}
