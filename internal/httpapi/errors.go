package httpapi

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"

	"github.com/kandev/orchestrator/internal/agentscheduler"
	"github.com/kandev/orchestrator/internal/common/errors"
	"github.com/kandev/orchestrator/internal/multiplayer"
	"github.com/kandev/orchestrator/internal/promptqueue"
	"github.com/kandev/orchestrator/internal/sandbox"
)

// mapErr translates a domain sentinel error into the matching AppError.
// Errors that already satisfy *errors.AppError pass through unchanged.
func mapErr(err error) *errors.AppError {
	if appErr, ok := errors.As(err); ok {
		return appErr
	}

	switch {
	case stderrors.Is(err, sandbox.ErrNotFound):
		return errors.NotFound("sandbox", "")
	case stderrors.Is(err, sandbox.ErrNotRunning):
		return errors.Conflict(err.Error())
	case stderrors.Is(err, sandbox.ErrTimeout):
		return errors.Timeout(err.Error())

	case stderrors.Is(err, multiplayer.ErrAlreadyExists):
		return errors.Conflict(err.Error())
	case stderrors.Is(err, multiplayer.ErrFull):
		return errors.ResourceExhausted(err.Error())
	case stderrors.Is(err, multiplayer.ErrUnknownUser):
		return errors.ValidationError("userId", err.Error())
	case stderrors.Is(err, multiplayer.ErrLockHeld):
		return errors.Conflict(err.Error())

	case stderrors.Is(err, promptqueue.ErrQueueFull):
		return errors.ResourceExhausted(err.Error())
	case stderrors.Is(err, promptqueue.ErrAlreadyExecuting):
		return errors.Conflict(err.Error())
	case stderrors.Is(err, promptqueue.ErrNotFound):
		return errors.NotFound("prompt", "")
	case stderrors.Is(err, promptqueue.ErrNotAuthor):
		return errors.Forbidden(err.Error())
	case stderrors.Is(err, promptqueue.ErrNotQueued):
		return errors.Conflict(err.Error())
	case stderrors.Is(err, promptqueue.ErrReorderDisabled):
		return errors.Forbidden(err.Error())

	case stderrors.Is(err, agentscheduler.ErrQueueFull):
		return errors.ResourceExhausted(err.Error())
	case stderrors.Is(err, agentscheduler.ErrSessionLimitReached):
		return errors.ResourceExhausted(err.Error())

	default:
		return errors.InternalError("unexpected error", err)
	}
}

// respondErr writes err as a JSON AppError with its mapped HTTP status.
func respondErr(c *gin.Context, err error) {
	appErr := mapErr(err)
	c.JSON(appErr.HTTPStatus, appErr)
}
