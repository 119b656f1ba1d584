package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	defaultPeriodsLimit = 12
	maxPeriodsLimit     = 120
)

type checkUsageRequest struct {
	Version         int   `json:"version"`
	EstimatedTokens int64 `json:"estimated_tokens"`
}

func (s *Server) GetUsage(c *gin.Context) {
	resp, err := s.periodSvc.GetUsageSnapshot(c.Request.Context(), strings.TrimSpace(c.Param("account_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListPeriods(c *gin.Context) {
	limit, err := parsePeriodsLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.periodSvc.ListPeriods(c.Request.Context(), strings.TrimSpace(c.Param("account_id")), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// CheckUsage is advisory: an allowed answer reserves nothing.
func (s *Server) CheckUsage(c *gin.Context) {
	var req checkUsageRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if err := checkPayloadVersion(req.Version); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.quotaSvc.CheckAllowed(c.Request.Context(), strings.TrimSpace(c.Param("account_id")), req.EstimatedTokens)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
