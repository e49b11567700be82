// Package web exposes flow execution over HTTP.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/orkestra/pkg/logstream"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/orchestrator"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Orchestrator is the execution surface the API drives.
type Orchestrator interface {
	ExecuteFlow(ctx context.Context, flowID int64) (*orchestrator.AdmittedExecution, error)
	ExecuteFlows(ctx context.Context, flowIDs []int64, execution orchestrator.ExecutionContext) (*orchestrator.AdmissionResult, error)
	ExecuteFlowGroup(ctx context.Context, groupID int64) (*orchestrator.AdmissionResult, error)
	Replay(ctx context.Context, originalID string, failedStepID int64) (*models.FlowExecution, error)
	Cancel(ctx context.Context, executionID string) (*models.FlowExecution, error)
	GetExecution(ctx context.Context, executionID string) (*orchestrator.ExecutionDetails, error)
	Status() orchestrator.PoolStatus
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	orchestrator Orchestrator
	hub          *logstream.Hub
	validator    *validator.Validate
	checkers     map[string]HealthChecker
	logger       *slog.Logger
	keepAlive    time.Duration
}

func NewAPIHandlers(
	orchestrator Orchestrator,
	hub *logstream.Hub,
	validator *validator.Validate,
	checkers map[string]HealthChecker,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		orchestrator: orchestrator,
		hub:          hub,
		validator:    validator,
		checkers:     checkers,
		logger:       logger.With("module", "web"),
		keepAlive:    defaultKeepAlive,
	}
}

// Routes mounts every execution endpoint on router.
func (h *APIHandlers) Routes(router fiber.Router) {
	flows := router.Group("/flows")
	flows.Post("/execute", h.ExecuteFlows)
	flows.Post("/:id/execute", h.ExecuteFlow)

	router.Post("/flow-groups/:id/execute", h.ExecuteFlowGroup)

	executions := router.Group("/flow-executions")
	executions.Get("/:id", h.GetFlowExecution)
	executions.Get("/:id/logs", h.StreamLogs)
	executions.Post("/:id/replay/:stepId", h.ReplayFlowExecution)
	executions.Post("/:id/cancel", h.CancelFlowExecution)

	router.Get("/executor/status", h.ExecutorStatus)
	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Orkestra API is healthy"
	httpStatus := http.StatusOK
	checks := make(map[string]CheckResult, len(h.checkers))

	for name, checker := range h.checkers {
		if err := checker.HealthCheck(c.Context()); err != nil {
			checks[name] = CheckResult{Status: "unhealthy", Error: err.Error()}
			status = "unhealthy"
			message = "Orkestra API is unhealthy"
			httpStatus = http.StatusInternalServerError

			continue
		}

		checks[name] = CheckResult{Status: "healthy"}
	}

	return c.Status(httpStatus).JSON(HealthResponse{
		Status:    status,
		Message:   message,
		Checkers:  checks,
		Timestamp: time.Now().UTC(),
	})
}

func (h *APIHandlers) ExecuteFlow(c fiber.Ctx) error {
	flowID, err := parseID(c.Params("id"))
	if err != nil {
		return badRequest(c, "Flow ID must be a positive integer")
	}

	admitted, err := h.orchestrator.ExecuteFlow(c.Context(), flowID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(admitted)
}

// ExecuteFlows admits a batch. The response partitions accepted and rejected flows, so it is 202
// even when every flow was rejected.
func (h *APIHandlers) ExecuteFlows(c fiber.Ctx) error {
	var req ExecuteFlowsRequest
	if err := c.Bind().Query(&req); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, "Validation failed: "+err.Error())
	}

	flowIDs, err := orchestrator.ParseFlowIDs(req.FlowIDs)
	if err != nil {
		return handleServiceError(c, err)
	}

	result, err := h.orchestrator.ExecuteFlows(c.Context(), flowIDs, orchestrator.ExecutionContext{Category: req.Category})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *APIHandlers) ExecuteFlowGroup(c fiber.Ctx) error {
	groupID, err := parseID(c.Params("id"))
	if err != nil {
		return badRequest(c, "Flow group ID must be a positive integer")
	}

	result, err := h.orchestrator.ExecuteFlowGroup(c.Context(), groupID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *APIHandlers) ReplayFlowExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow execution ID is required")
	}

	stepID, err := parseID(c.Params("stepId"))
	if err != nil {
		return badRequest(c, "Flow step ID must be a positive integer")
	}

	execution, err := h.orchestrator.Replay(c.Context(), id, stepID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(execution)
}

func (h *APIHandlers) CancelFlowExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow execution ID is required")
	}

	execution, err := h.orchestrator.Cancel(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetFlowExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Flow execution ID is required")
	}

	details, err := h.orchestrator.GetExecution(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(details)
}

func (h *APIHandlers) ExecutorStatus(c fiber.Ctx) error {
	return c.JSON(h.orchestrator.Status())
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}

	if id <= 0 {
		return 0, strconv.ErrRange
	}

	return id, nil
}
