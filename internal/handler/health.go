package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/shortforge/api/internal/budget"
	"github.com/shortforge/api/internal/model"
	"github.com/shortforge/api/internal/pipeline"
	"github.com/shortforge/api/pkg/response"
)

const healthCheckTimeout = 5 * time.Second

type HealthHandler struct {
	orchestrator *pipeline.Orchestrator
	budget       *budget.Budget
	gpu          *model.GPUInfo
}

func NewHealthHandler(orchestrator *pipeline.Orchestrator, bud *budget.Budget, gpu *model.GPUInfo) *HealthHandler {
	return &HealthHandler{
		orchestrator: orchestrator,
		budget:       bud,
		gpu:          gpu,
	}
}

// Health handles GET /health. Each stage engine is probed; a failing engine
// degrades the report but does not fail the endpoint.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	services := make(map[string]string, len(model.StageOrder))
	for _, st := range model.StageOrder {
		ad := h.orchestrator.Adapter(st)
		if ad == nil {
			continue
		}
		if err := ad.HealthCheck(ctx); err != nil {
			services[string(st)] = err.Error()
			status = "degraded"
		} else {
			services[string(st)] = "ok"
		}
	}

	return response.OK(c, model.HealthResponse{
		Status:   status,
		Services: services,
		GPU:      h.gpu,
		Budget:   h.budget.Snapshot(),
	})
}
