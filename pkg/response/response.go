package response

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/shortforge/api/internal/fault"
)

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeQueueFull       = "QUEUE_FULL"
	CodeRateLimited     = "RATE_LIMITED"
	CodeGPUUnavailable  = "GPU_UNAVAILABLE"
	CodeEngineError     = "ENGINE_ERROR"
	CodeServiceError    = "SERVICE_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Hint    string      `json:"hint,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func Conflict(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusConflict, CodeConflict, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

// Fault renders a classified pipeline error with its remediation hint.
// Unclassified errors fall through to a plain 500.
func Fault(c *fiber.Ctx, err error) error {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		return ServiceError(c, err.Error())
	}

	var status int
	var code string
	switch fe.Kind {
	case fault.KindValidationFailure:
		status, code = fiber.StatusBadRequest, CodeValidationError
	case fault.KindQueueFull:
		status, code = fiber.StatusTooManyRequests, CodeQueueFull
	case fault.KindArtifactConflict, fault.KindCancelled:
		status, code = fiber.StatusConflict, CodeConflict
	case fault.KindResourceUnavailable:
		status, code = fiber.StatusServiceUnavailable, CodeGPUUnavailable
	case fault.KindStageTimeout, fault.KindEngineFailure:
		status, code = fiber.StatusBadGateway, CodeEngineError
	default:
		status, code = fiber.StatusInternalServerError, CodeServiceError
	}

	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: fe.Message,
			Hint:    fe.Hint,
		},
	})
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
