package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/otelhelper"
	"github.com/dukex/orkestra/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// ExecutionContext tags executions admitted together.
type ExecutionContext struct {
	Category    string
	FlowGroupID *int64
	Iteration   *int
	Revolutions *int
}

// AdmittedExecution is an accepted flow with the pipeline its first step triggered, when known.
type AdmittedExecution struct {
	*models.FlowExecution

	PipelineID  *int64 `json:"pipeline_id,omitempty"`
	PipelineURL string `json:"pipeline_url,omitempty"`
}

type Rejection struct {
	FlowID  int64  `json:"flow_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type Summary struct {
	TotalRequested int `json:"total_requested"`
	Accepted       int `json:"accepted"`
	Rejected       int `json:"rejected"`
}

// PoolStatus is a snapshot of the flow execution pool.
type PoolStatus struct {
	ActiveThreads     int `json:"active_threads"`
	MaxThreads        int `json:"max_threads"`
	QueueSize         int `json:"queue_size"`
	AvailableCapacity int `json:"available_capacity"`
}

type AdmissionResult struct {
	Summary          Summary              `json:"summary"`
	Accepted         []*AdmittedExecution `json:"accepted"`
	Rejected         []Rejection          `json:"rejected"`
	ThreadPoolStatus PoolStatus           `json:"thread_pool_status"`
	FlowGroup        *models.FlowGroup    `json:"flow_group,omitempty"`
}

// ParseFlowIDs parses a comma-separated list of positive flow ids.
func ParseFlowIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrNoFlowIDs
	}

	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))

	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFlowID, part)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	unique := make([]int64, 0, len(ids))

	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	return unique
}

// reserve claims up to n slots of the flow pool and returns how many were granted. Every granted
// slot must be consumed by dispatch or returned with release.
func (o *Orchestrator) reserve(n int) int {
	o.admission.Lock()
	defer o.admission.Unlock()

	granted := min(max(o.flowPool.Available()-o.reserved, 0), n)
	o.reserved += granted

	return granted
}

func (o *Orchestrator) release() {
	o.admission.Lock()
	defer o.admission.Unlock()

	o.reserved--
}

// dispatch hands a reserved slot to the flow pool.
func (o *Orchestrator) dispatch(executionID string, run func(ctx context.Context)) error {
	o.admission.Lock()
	defer o.admission.Unlock()

	o.reserved--

	return o.flowPool.TrySubmit(func(poolCtx context.Context) {
		ctx, cancel := context.WithCancel(poolCtx)
		defer cancel()

		o.track(executionID, cancel)
		defer o.untrack(executionID)

		run(ctx)
	})
}

// Status returns the capacity snapshot of the flow execution pool.
func (o *Orchestrator) Status() PoolStatus {
	o.admission.Lock()
	defer o.admission.Unlock()

	return PoolStatus{
		ActiveThreads:     o.flowPool.Active(),
		MaxThreads:        o.flowPool.Workers(),
		QueueSize:         o.flowPool.Queued(),
		AvailableCapacity: max(o.flowPool.Available()-o.reserved, 0),
	}
}

// ExecuteFlows admits each distinct flow in request order while capacity lasts. Unknown flows and
// flows beyond capacity are rejected individually.
func (o *Orchestrator) ExecuteFlows(ctx context.Context, flowIDs []int64, execution ExecutionContext) (*AdmissionResult, error) {
	ids := dedupe(flowIDs)
	if len(ids) == 0 {
		return nil, newServiceError("execute_flows", "validation_error", ErrNoFlowIDs)
	}

	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "orchestrator.admit",
		attribute.Int("orkestra.requested", len(ids)),
		attribute.String("orkestra.category", execution.Category))
	defer span.End()

	result := &AdmissionResult{
		Accepted: []*AdmittedExecution{},
		Rejected: []Rejection{},
	}

	flows := make([]*models.Flow, 0, len(ids))

	for _, id := range ids {
		flow, err := o.persistence.Flows().GetByID(ctx, id)
		if err != nil {
			if !persistence.IsNotFound(err) {
				o.logger.ErrorContext(ctx, "Failed to load flow", "flow_id", id, "error", err)
			}

			result.reject(id, ReasonFlowNotFound, fmt.Sprintf("flow %d not found", id))

			continue
		}

		flows = append(flows, flow)
	}

	granted := o.reserve(len(flows))

	for i, flow := range flows {
		if i >= granted {
			result.reject(flow.ID, ReasonCapacity, "no execution capacity available")

			continue
		}

		admitted, err := o.start(ctx, flow, execution)
		if err != nil {
			o.logger.ErrorContext(ctx, "Failed to start flow", "flow_id", flow.ID, "error", err)
			otelhelper.SetError(span, err, attribute.Int64(otelhelper.FlowIDKey, flow.ID))
			result.reject(flow.ID, ReasonStartFailed, err.Error())

			continue
		}

		result.Accepted = append(result.Accepted, admitted)
		o.metrics.Accepted()
	}

	for _, rejection := range result.Rejected {
		o.metrics.Rejected(rejection.Reason)
	}

	result.Summary = Summary{
		TotalRequested: len(ids),
		Accepted:       len(result.Accepted),
		Rejected:       len(result.Rejected),
	}
	result.ThreadPoolStatus = o.Status()

	o.logger.InfoContext(ctx, "Flows admitted",
		"requested", len(ids),
		"accepted", result.Summary.Accepted,
		"rejected", result.Summary.Rejected)

	return result, nil
}

func (r *AdmissionResult) reject(flowID int64, reason, message string) {
	r.Rejected = append(r.Rejected, Rejection{
		FlowID:  flowID,
		Status:  "rejected",
		Reason:  reason,
		Message: message,
	})
}

// ExecuteFlow admits a single flow.
func (o *Orchestrator) ExecuteFlow(ctx context.Context, flowID int64) (*AdmittedExecution, error) {
	result, err := o.ExecuteFlows(ctx, []int64{flowID}, ExecutionContext{})
	if err != nil {
		return nil, err
	}

	if len(result.Accepted) == 1 {
		return result.Accepted[0], nil
	}

	rejection := result.Rejected[0]

	switch rejection.Reason {
	case ReasonFlowNotFound:
		return nil, persistence.NewRecordError("execute_flow", "flow", flowID, persistence.ErrFlowNotFound)
	case ReasonCapacity:
		return nil, newServiceError("execute_flow", "capacity_exhausted", ErrCapacityExhausted)
	default:
		return nil, &ServiceError{Op: "execute_flow", Code: rejection.Reason, Message: rejection.Message}
	}
}

// ExecuteFlowGroup advances the group's iteration and admits every member flow tagged with it.
func (o *Orchestrator) ExecuteFlowGroup(ctx context.Context, groupID int64) (*AdmissionResult, error) {
	group, err := o.persistence.FlowGroups().GetByID(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if len(group.FlowIDs) == 0 {
		return nil, newServiceError("execute_flow_group", "validation_error", ErrEmptyFlowGroup)
	}

	group, err = o.persistence.FlowGroups().Advance(ctx, groupID)
	if err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "Flow group advanced",
		"flow_group_id", group.ID,
		"iteration", group.CurrentIteration,
		"revolutions", group.Revolutions)

	iteration, revolutions := group.CurrentIteration, group.Revolutions

	result, err := o.ExecuteFlows(ctx, group.FlowIDs, ExecutionContext{
		Category:    group.Name,
		FlowGroupID: &group.ID,
		Iteration:   &iteration,
		Revolutions: &revolutions,
	})
	if err != nil {
		return nil, err
	}

	result.FlowGroup = group

	return result, nil
}
