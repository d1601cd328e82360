package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/shortforge/api/internal/model"
	"github.com/shortforge/api/internal/service"
	"github.com/shortforge/api/pkg/response"
)

type ScriptHandler struct {
	service   *service.ScriptService
	validator *validator.Validate
}

func NewScriptHandler(svc *service.ScriptService, v *validator.Validate) *ScriptHandler {
	return &ScriptHandler{
		service:   svc,
		validator: v,
	}
}

// Refine handles POST /api/script/refine
func (h *ScriptHandler) Refine(c *fiber.Ctx) error {
	var req model.RefineScriptRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Refine(c.Context(), &req)
	if err != nil {
		return response.Fault(c, err)
	}

	return response.OK(c, result)
}

// Models handles GET /api/models
func (h *ScriptHandler) Models(c *fiber.Ctx) error {
	result, err := h.service.Models(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
