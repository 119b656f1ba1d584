package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	completiondomain "github.com/sparlo/metering/internal/completion/domain"
	obsctx "github.com/sparlo/metering/internal/observability/context"
	stepusagedomain "github.com/sparlo/metering/internal/stepusage/domain"
	workunitdomain "github.com/sparlo/metering/internal/workunit/domain"
)

// payloadVersion is the newest request body layout accepted. Older bodies
// are read with absent fields defaulted.
const payloadVersion = 1

const contextUsageOutcomeKey = obsctx.UsageOutcomeKey

type startWorkUnitRequest struct {
	Version      int            `json:"version"`
	WorkID       string         `json:"work_id"`
	AccountID    string         `json:"account_id"`
	Kind         string         `json:"kind"`
	ParentWorkID *string        `json:"parent_work_id"`
	Metadata     map[string]any `json:"metadata"`
}

type recordStepRequest struct {
	Version   int                         `json:"version"`
	AccountID string                      `json:"account_id"`
	StepName  string                      `json:"step_name"`
	Tokens    *int64                      `json:"tokens"`
	Usage     *stepusagedomain.TokenUsage `json:"usage"`
	Kind      string                      `json:"kind"`
}

type completeWorkUnitRequest struct {
	Version int    `json:"version"`
	Outcome string `json:"outcome"`
}

type retryWorkUnitRequest struct {
	Version   int    `json:"version"`
	NewWorkID string `json:"new_work_id"`
}

type workUnitView struct {
	WorkUnit   *workunitdomain.WorkUnit           `json:"work_unit"`
	Steps      []stepusagedomain.StepUsageRecord  `json:"steps"`
	Completion *completiondomain.CompletionRecord `json:"completion,omitempty"`
	Retries    []workunitdomain.WorkUnit          `json:"retries"`
}

func checkPayloadVersion(version int) error {
	if version > payloadVersion {
		return newValidationError("version", "unsupported_version", "unsupported version")
	}
	return nil
}

func (s *Server) StartWorkUnit(c *gin.Context) {
	var req startWorkUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := checkPayloadVersion(req.Version); err != nil {
		AbortWithError(c, err)
		return
	}

	kind := workunitdomain.Kind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = workunitdomain.KindReport
	}

	ctx := obsctx.WithAccountID(c.Request.Context(), strings.TrimSpace(req.AccountID))
	ctx = obsctx.WithWorkID(ctx, strings.TrimSpace(req.WorkID))

	resp, err := s.workUnitSvc.Start(ctx, workunitdomain.StartRequest{
		WorkID:       strings.TrimSpace(req.WorkID),
		AccountID:    strings.TrimSpace(req.AccountID),
		Kind:         kind,
		ParentWorkID: req.ParentWorkID,
		Metadata:     req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetWorkUnit(c *gin.Context) {
	ctx := c.Request.Context()
	workID := strings.TrimSpace(c.Param("work_id"))

	unit, err := s.workUnitSvc.Get(ctx, workID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	steps, err := s.stepUsageSvc.ListByWork(ctx, unit.WorkID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	completion, err := s.completionSvc.FindByWork(ctx, unit.WorkID)
	if err != nil && !errors.Is(err, completiondomain.ErrNotFound) {
		AbortWithError(c, err)
		return
	}

	retries, err := s.workUnitSvc.ListChildren(ctx, unit.WorkID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": workUnitView{
		WorkUnit:   unit,
		Steps:      steps,
		Completion: completion,
		Retries:    retries,
	}})
}

// RecordStepUsage answers 202 even when the observation was dropped; a lost
// step only shrinks the bill and must not fail the caller's workflow.
func (s *Server) RecordStepUsage(c *gin.Context) {
	var req recordStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := checkPayloadVersion(req.Version); err != nil {
		AbortWithError(c, err)
		return
	}
	if req.Tokens == nil && req.Usage == nil {
		AbortWithError(c, newValidationError("tokens", "invalid_tokens", "tokens or usage is required"))
		return
	}

	workID := strings.TrimSpace(c.Param("work_id"))
	accountID := strings.TrimSpace(req.AccountID)
	ctx := obsctx.WithAccountID(c.Request.Context(), accountID)

	var (
		recorded bool
		err      error
	)
	if req.Tokens != nil {
		recorded, err = s.stepUsageSvc.RecordStepUsage(ctx, stepusagedomain.RecordRequest{
			WorkID:    workID,
			AccountID: accountID,
			StepName:  strings.TrimSpace(req.StepName),
			Tokens:    *req.Tokens,
			Kind:      strings.TrimSpace(req.Kind),
		})
	} else {
		recorded, err = s.stepUsageSvc.RecordCall(ctx, workID, accountID, strings.TrimSpace(req.StepName), *req.Usage)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if recorded {
		c.Set(contextUsageOutcomeKey, "recorded")
	} else {
		c.Set(contextUsageOutcomeKey, "dropped")
	}
	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"recorded": recorded}})
}

// CompleteWorkUnit reports a hard-cap rejection as 402 with the typed
// rejection in the body. Repeating the call is always safe.
func (s *Server) CompleteWorkUnit(c *gin.Context) {
	var req completeWorkUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := checkPayloadVersion(req.Version); err != nil {
		AbortWithError(c, err)
		return
	}

	outcome := completiondomain.Outcome(strings.ToLower(strings.TrimSpace(req.Outcome)))
	if outcome == "" {
		outcome = completiondomain.OutcomeSuccess
	}

	result, err := s.reconcileSvc.Reconcile(c.Request.Context(), strings.TrimSpace(c.Param("work_id")), outcome)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	switch {
	case result.Rejected():
		c.Set(contextUsageOutcomeKey, "rejected")
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error": errorPayload{
				Type:    completiondomain.ReasonUsageLimitReached,
				Message: "usage limit reached",
			},
			"data": result,
		})
		return
	case result.AlreadyProcessed:
		c.Set(contextUsageOutcomeKey, "already_processed")
	default:
		c.Set(contextUsageOutcomeKey, "committed")
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) RetryWorkUnit(c *gin.Context) {
	var req retryWorkUnitRequest
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

	newWorkID := strings.TrimSpace(req.NewWorkID)
	if newWorkID == "" {
		newWorkID = uuid.NewString()
	}

	resp, err := s.reconcileSvc.Retry(c.Request.Context(), strings.TrimSpace(c.Param("work_id")), newWorkID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
