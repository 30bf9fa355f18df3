package http

import (
	"errors"

	"verifier_server/pkg/apperr"
	"verifier_server/pkg/logger"
	"verifier_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

var ErrUnauthorized = errors.New("unauthorized")

// GetUsername extracts the authenticated account name from the fiber
// context. The auth middleware stores it under "username".
func GetUsername(c *fiber.Ctx) (string, error) {
	val := c.Locals("username")
	if val == nil {
		return "", ErrUnauthorized
	}
	username, ok := val.(string)
	if !ok || username == "" {
		return "", ErrUnauthorized
	}
	return username, nil
}

// GetSessionID extracts the optional client session identifier, used to
// correlate SSE events with the tab that created a job.
func GetSessionID(c *fiber.Ctx) string {
	if sid := c.Get("X-Session-ID"); sid != "" {
		return sid
	}
	return c.Query("session_id")
}

// AppErrorResponse renders an apperr.AppError with its mapped status.
func AppErrorResponse(c *fiber.Ctx, err error) error {
	appErr := apperr.AsAppError(err)
	return response.Error(c, appErr.Status, appErr.Code, appErr.Message)
}

// InternalErrorResponse returns a safe 500 without exposing internal
// details. The real error is logged with the operation name.
func InternalErrorResponse(c *fiber.Ctx, err error, operation string) error {
	logger.WithError(err).WithField("operation", operation).Error("internal error")
	return response.Error(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", operation+" failed")
}
