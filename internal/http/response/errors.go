package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	domainagg "github.com/yungbote/arc-reactor/internal/domain/aggregates"
	"github.com/yungbote/arc-reactor/internal/platform/apierr"
	"github.com/yungbote/arc-reactor/internal/platform/batch"
)

// StatusFor maps an error onto an HTTP status and error code.
func StatusFor(err error) (int, string) {
	var api *apierr.Error
	if errors.As(err, &api) {
		return api.Status, api.Code
	}
	switch domainagg.CodeOf(err) {
	case domainagg.CodeNotFound:
		return http.StatusNotFound, "not_found"
	case domainagg.CodeValidation:
		return http.StatusBadRequest, "validation"
	case domainagg.CodeInvalidTransition:
		return http.StatusConflict, "invalid_transition"
	case domainagg.CodeConflict, domainagg.CodePreconditionFailed:
		return http.StatusConflict, "conflict"
	case domainagg.CodeForbidden:
		return http.StatusForbidden, "forbidden"
	case domainagg.CodeRetryable:
		return http.StatusServiceUnavailable, "retryable"
	}
	switch {
	case batch.IsRetryable(err), errors.Is(err, batch.ErrQuotaExceeded):
		return http.StatusServiceUnavailable, "batch_unavailable"
	case errors.Is(err, batch.ErrPermissionDenied):
		return http.StatusBadGateway, "batch_permission_denied"
	}
	return http.StatusInternalServerError, "internal"
}

// RespondErr writes err with the status StatusFor picks.
func RespondErr(c *gin.Context, err error) {
	status, code := StatusFor(err)
	RespondError(c, status, code, err)
}
