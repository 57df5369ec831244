package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fingerdev/finger/internal/gateway"
	"github.com/fingerdev/finger/internal/hub"
	"github.com/fingerdev/finger/internal/ledger"
	"github.com/fingerdev/finger/internal/module"
	"github.com/fingerdev/finger/internal/runtime"
	"github.com/fingerdev/finger/internal/session"
	"github.com/fingerdev/finger/internal/tools"
	"github.com/fingerdev/finger/internal/workflow"
)

// httpStatus maps domain errors onto HTTP statuses: validation 400, missing
// authorization 401, denied 403, unknown targets 404, contention 409,
// upstream timeouts 504.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, tools.ErrAuthorizationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, tools.ErrToolDenied),
		errors.Is(err, tools.ErrAuthorizationExpired),
		errors.Is(err, tools.ErrAuthorizationScopeMismatch),
		errors.Is(err, ledger.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, hub.ErrModuleNotFound),
		errors.Is(err, tools.ErrToolNotFound),
		errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrTaskNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, gateway.ErrGatewayNotFound),
		errors.Is(err, runtime.ErrAgentNotStarted),
		errors.Is(err, module.ErrUnknownFactory):
		return http.StatusNotFound
	case errors.Is(err, runtime.ErrDispatchDeadlock),
		errors.Is(err, runtime.ErrDispatchCancelled),
		errors.Is(err, gateway.ErrCancelled),
		errors.Is(err, module.ErrDuplicateModule):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrAckTimeout),
		errors.Is(err, gateway.ErrResultTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, module.ErrInvalidKind),
		errors.Is(err, module.ErrNilHandler),
		errors.Is(err, ledger.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}
