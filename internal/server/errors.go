package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	adjustmentdomain "github.com/sparlo/metering/internal/adjustment/domain"
	auditdomain "github.com/sparlo/metering/internal/audit/domain"
	"github.com/sparlo/metering/internal/authorization"
	completiondomain "github.com/sparlo/metering/internal/completion/domain"
	quotadomain "github.com/sparlo/metering/internal/quota/domain"
	reconciledomain "github.com/sparlo/metering/internal/reconcile/domain"
	stepusagedomain "github.com/sparlo/metering/internal/stepusage/domain"
	tierdomain "github.com/sparlo/metering/internal/tier/domain"
	usageperioddomain "github.com/sparlo/metering/internal/usageperiod/domain"
	workunitdomain "github.com/sparlo/metering/internal/workunit/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// usageUnavailableMessage is the only storage failure wording callers see.
const usageUnavailableMessage = "could not verify usage, please retry"

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// errorClass maps a family of domain errors onto one HTTP response.
type errorClass struct {
	status  int
	typ     string
	message string
	match   func(error) bool
}

func anyOf(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// errorClasses is checked in order; storage and contention failures fall
// through to usage_unavailable.
var errorClasses = []errorClass{
	{http.StatusUnauthorized, "unauthorized", "unauthorized",
		anyOf(ErrUnauthorized, authorization.ErrInvalidActor, adjustmentdomain.ErrInvalidActor)},
	{http.StatusForbidden, "forbidden", "forbidden",
		anyOf(authorization.ErrForbidden)},
	{http.StatusConflict, "conflict", "conflict",
		anyOf(ErrConflict, workunitdomain.ErrAccountMismatch, workunitdomain.ErrNotRetryable, completiondomain.ErrAccountMismatch)},
	{http.StatusNotFound, "not_found", "not found",
		anyOf(ErrNotFound, workunitdomain.ErrNotFound, workunitdomain.ErrParentNotFound, completiondomain.ErrNotFound, gorm.ErrRecordNotFound)},
	{http.StatusTooManyRequests, "rate_limited", "too many requests",
		anyOf(ErrRateLimited)},
	{http.StatusInternalServerError, "internal_error", "internal server error",
		anyOf(ErrInternal)},
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: "validation error", Errors: vErr.Errors}
	}
	if code, ok := validationCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   validationErrorField(code),
				Code:    code,
				Message: validationErrorMessage(code),
			}},
		}
	}

	for _, class := range errorClasses {
		if class.match(err) {
			return class.status, errorPayload{Type: class.typ, Message: class.message}
		}
	}
	return http.StatusServiceUnavailable, errorPayload{Type: "usage_unavailable", Message: usageUnavailableMessage}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var validationErrors = []error{
	ErrInvalidRequest,
	workunitdomain.ErrInvalidWorkID,
	workunitdomain.ErrInvalidAccount,
	workunitdomain.ErrInvalidKind,
	workunitdomain.ErrInvalidStatus,
	workunitdomain.ErrInvalidMetadata,
	workunitdomain.ErrUnsupportedMetadataVersion,
	stepusagedomain.ErrInvalidWorkID,
	stepusagedomain.ErrInvalidAccount,
	stepusagedomain.ErrInvalidStepName,
	stepusagedomain.ErrInvalidTokens,
	completiondomain.ErrInvalidWorkID,
	completiondomain.ErrInvalidAccount,
	completiondomain.ErrInvalidIdempotencyKey,
	completiondomain.ErrInvalidOutcome,
	reconciledomain.ErrInvalidOutcome,
	quotadomain.ErrInvalidAccount,
	quotadomain.ErrInvalidEstimate,
	usageperioddomain.ErrInvalidAccount,
	usageperioddomain.ErrInvalidTokensLimit,
	tierdomain.ErrInvalidAccount,
	tierdomain.ErrUnknownTier,
	auditdomain.ErrInvalidAccount,
	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidTimeRange,
	auditdomain.ErrInvalidAction,
	adjustmentdomain.ErrInvalidAccount,
	adjustmentdomain.ErrInvalidReason,
	adjustmentdomain.ErrEmptyAdjustment,
	adjustmentdomain.ErrConflictingAdjustment,
	adjustmentdomain.ErrInvalidTokens,
	adjustmentdomain.ErrUnsupportedVersion,
	adjustmentdomain.ErrInvalidPageToken,
	authorization.ErrInvalidAccount,
}

// validationCode returns the sentinel text of the first matching
// validation error.
func validationCode(err error) (string, bool) {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return target.Error(), true
		}
	}
	return "", false
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	if strings.HasPrefix(code, "unsupported_") {
		return "version"
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "unknown_tier":
		return "unknown tier"
	default:
		if strings.HasPrefix(code, "unsupported_") {
			return "unsupported version"
		}
		return "invalid value"
	}
}

// classifyErrorForLog feeds the request logger the same taxonomy callers see.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
