package handler

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/shortforge/api/internal/model"
	"github.com/shortforge/api/internal/repository"
	"github.com/shortforge/api/internal/service"
	"github.com/shortforge/api/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewJobHandler(svc *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/jobs
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.Context(), &req)
	if err != nil {
		return response.Fault(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Status(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Result handles GET /api/jobs/:jobId/result
func (h *JobHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Result(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrNotCompleted):
			return response.Conflict(c, "Job is not completed yet")
		case errors.Is(err, service.ErrNoArtifact):
			return response.NotFound(c, "Video artifact is no longer available")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrJobFinished):
			return response.Conflict(c, "Job already finished")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Resume handles POST /api/jobs/:jobId/resume
func (h *JobHandler) Resume(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Resume(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrNotFailed):
			return response.Conflict(c, "Only failed jobs can be resumed")
		}
		return response.Fault(c, err)
	}

	return response.Accepted(c, result)
}

// Delete handles DELETE /api/jobs/:jobId
func (h *JobHandler) Delete(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	if err := h.service.Delete(c.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrJobActive):
			return response.Conflict(c, "Cancel the job before deleting it")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.NoContent(c)
}

// Artifact handles GET /api/jobs/:jobId/artifacts/:stage
func (h *JobHandler) Artifact(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}
	st := model.Stage(c.Params("stage"))
	if !validStage(st) {
		return response.ValidationError(c, "Unknown stage", map[string]string{"stage": string(st)})
	}

	path, err := h.service.ArtifactPath(c.Context(), jobID, st)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrNoArtifact):
			return response.NotFound(c, "Artifact not available")
		}
		return response.ServiceError(c, err.Error())
	}

	return c.Download(path, fmt.Sprintf("%s-%s%s", jobID, st, filepath.Ext(path)))
}

func validStage(st model.Stage) bool {
	for _, s := range model.StageOrder {
		if s == st {
			return true
		}
	}
	return false
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
