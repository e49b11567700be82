package web

import (
	"errors"

	"github.com/dukex/orkestra/pkg/orchestrator"
	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps orchestrator and persistence errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case orchestrator.IsValidationError(err):
		return badRequest(c, err.Error())

	case orchestrator.IsConflictError(err):
		problem := problems.NewStatusProblem(fiber.StatusConflict).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case orchestrator.IsCapacityError(err):
		problem := problems.NewStatusProblem(fiber.StatusServiceUnavailable).
			WithInstance(c.Path()).
			WithType("capacity_exhausted").
			WithDetail(err.Error())

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	case persistence.IsFlowNotFound(err):
		return notFound(c, "flow_not_found", "flow not found")

	case persistence.IsFlowExecutionNotFound(err):
		return notFound(c, "flow_execution_not_found", "flow execution not found")

	case errors.Is(err, persistence.ErrFlowGroupNotFound):
		return notFound(c, "flow_group_not_found", "flow group not found")

	case persistence.IsNotFound(err):
		return notFound(c, "not_found", err.Error())

	default:
		return internalError(c, err)
	}
}
