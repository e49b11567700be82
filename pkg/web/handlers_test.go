package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dukex/orkestra/pkg/logstream"
	"github.com/dukex/orkestra/pkg/models"
	"github.com/dukex/orkestra/pkg/orchestrator"
	"github.com/dukex/orkestra/pkg/persistence"
	"github.com/dukex/orkestra/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrchestrator struct {
	executeFlow      func(flowID int64) (*orchestrator.AdmittedExecution, error)
	executeFlows     func(flowIDs []int64, execution orchestrator.ExecutionContext) (*orchestrator.AdmissionResult, error)
	executeFlowGroup func(groupID int64) (*orchestrator.AdmissionResult, error)
	replay           func(originalID string, stepID int64) (*models.FlowExecution, error)
	cancel           func(executionID string) (*models.FlowExecution, error)
	getExecution     func(executionID string) (*orchestrator.ExecutionDetails, error)
}

func (f *fakeOrchestrator) ExecuteFlow(_ context.Context, flowID int64) (*orchestrator.AdmittedExecution, error) {
	return f.executeFlow(flowID)
}

func (f *fakeOrchestrator) ExecuteFlows(_ context.Context, flowIDs []int64, execution orchestrator.ExecutionContext) (*orchestrator.AdmissionResult, error) {
	return f.executeFlows(flowIDs, execution)
}

func (f *fakeOrchestrator) ExecuteFlowGroup(_ context.Context, groupID int64) (*orchestrator.AdmissionResult, error) {
	return f.executeFlowGroup(groupID)
}

func (f *fakeOrchestrator) Replay(_ context.Context, originalID string, stepID int64) (*models.FlowExecution, error) {
	return f.replay(originalID, stepID)
}

func (f *fakeOrchestrator) Cancel(_ context.Context, executionID string) (*models.FlowExecution, error) {
	return f.cancel(executionID)
}

func (f *fakeOrchestrator) GetExecution(_ context.Context, executionID string) (*orchestrator.ExecutionDetails, error) {
	return f.getExecution(executionID)
}

func (f *fakeOrchestrator) Status() orchestrator.PoolStatus {
	return orchestrator.PoolStatus{ActiveThreads: 1, MaxThreads: 4, QueueSize: 0, AvailableCapacity: 7}
}

type checkerFunc func(ctx context.Context) error

func (f checkerFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func setupTestApp(t *testing.T, fake *fakeOrchestrator, checkers map[string]web.HealthChecker) (*fiber.App, *logstream.Hub) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	hub := logstream.NewHub(logger)
	handlers := web.NewAPIHandlers(fake, hub, validator.New(validator.WithRequiredStructEnabled()), checkers, logger)

	app := fiber.New()
	handlers.Routes(app)

	return app, hub
}

func doRequest(t *testing.T, app *fiber.App, method, target string) (*http.Response, []byte) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(method, target, nil), fiber.TestConfig{Timeout: 5 * time.Second, FailOnTimeout: true})
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func problemType(t *testing.T, body []byte) string {
	t.Helper()

	var problem map[string]any
	require.NoError(t, json.Unmarshal(body, &problem))

	kind, _ := problem["type"].(string)

	return kind
}

func TestAPIHandlers_ExecuteFlow(t *testing.T) {
	pipelineID := int64(77)

	fake := &fakeOrchestrator{
		executeFlow: func(flowID int64) (*orchestrator.AdmittedExecution, error) {
			switch flowID {
			case 1:
				return &orchestrator.AdmittedExecution{
					FlowExecution: &models.FlowExecution{ID: "exec-1", FlowID: 1, Status: models.StatusRunning},
					PipelineID:    &pipelineID,
					PipelineURL:   "https://gitlab.example/p/77",
				}, nil
			case 2:
				return nil, persistence.NewRecordError("GetByID", "flow", flowID, persistence.ErrFlowNotFound)
			default:
				return nil, &orchestrator.ServiceError{Op: "execute_flow", Code: "capacity_exhausted", Err: orchestrator.ErrCapacityExhausted}
			}
		},
	}

	app, _ := setupTestApp(t, fake, nil)

	tests := []struct {
		name         string
		target       string
		expectedCode int
		expectedType string
	}{
		{name: "accepted", target: "/flows/1/execute", expectedCode: http.StatusAccepted},
		{name: "unknown flow", target: "/flows/2/execute", expectedCode: http.StatusNotFound, expectedType: "flow_not_found"},
		{name: "no capacity", target: "/flows/3/execute", expectedCode: http.StatusServiceUnavailable, expectedType: "capacity_exhausted"},
		{name: "bad id", target: "/flows/abc/execute", expectedCode: http.StatusBadRequest, expectedType: "validation_error"},
		{name: "negative id", target: "/flows/-1/execute", expectedCode: http.StatusBadRequest, expectedType: "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, app, http.MethodPost, tt.target)
			assert.Equal(t, tt.expectedCode, resp.StatusCode)

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, problemType(t, body))

				return
			}

			var admitted map[string]any
			require.NoError(t, json.Unmarshal(body, &admitted))
			assert.Equal(t, "exec-1", admitted["id"])
			assert.InDelta(t, 77, admitted["pipeline_id"], 0)
		})
	}
}

func TestAPIHandlers_ExecuteFlows(t *testing.T) {
	var (
		gotIDs      []int64
		gotCategory string
	)

	fake := &fakeOrchestrator{
		executeFlows: func(flowIDs []int64, execution orchestrator.ExecutionContext) (*orchestrator.AdmissionResult, error) {
			gotIDs = flowIDs
			gotCategory = execution.Category

			return &orchestrator.AdmissionResult{
				Summary:  orchestrator.Summary{TotalRequested: len(flowIDs), Accepted: 1, Rejected: 1},
				Rejected: []orchestrator.Rejection{{FlowID: 2, Status: "rejected", Reason: orchestrator.ReasonCapacity}},
			}, nil
		},
	}

	app, _ := setupTestApp(t, fake, nil)

	resp, body := doRequest(t, app, http.MethodPost, "/flows/execute?flowIds=1,2&category=nightly")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []int64{1, 2}, gotIDs)
	assert.Equal(t, "nightly", gotCategory)

	var result orchestrator.AdmissionResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 1, result.Summary.Rejected)
	assert.Equal(t, orchestrator.ReasonCapacity, result.Rejected[0].Reason)

	resp, body = doRequest(t, app, http.MethodPost, "/flows/execute")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", problemType(t, body))

	resp, _ = doRequest(t, app, http.MethodPost, "/flows/execute?flowIds=1,x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_ExecuteFlowGroup(t *testing.T) {
	fake := &fakeOrchestrator{
		executeFlowGroup: func(groupID int64) (*orchestrator.AdmissionResult, error) {
			if groupID == 9 {
				return nil, &orchestrator.ServiceError{Op: "execute_flow_group", Code: "validation_error", Err: orchestrator.ErrEmptyFlowGroup}
			}

			if groupID == 8 {
				return nil, persistence.NewRecordError("GetByID", "flow_group", groupID, persistence.ErrFlowGroupNotFound)
			}

			return &orchestrator.AdmissionResult{FlowGroup: &models.FlowGroup{ID: groupID, Name: "nightly", CurrentIteration: 1}}, nil
		},
	}

	app, _ := setupTestApp(t, fake, nil)

	resp, _ := doRequest(t, app, http.MethodPost, "/flow-groups/3/execute")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = doRequest(t, app, http.MethodPost, "/flow-groups/9/execute")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := doRequest(t, app, http.MethodPost, "/flow-groups/8/execute")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "flow_group_not_found", problemType(t, body))
}

func TestAPIHandlers_ReplayAndCancel(t *testing.T) {
	fake := &fakeOrchestrator{
		replay: func(originalID string, stepID int64) (*models.FlowExecution, error) {
			switch {
			case originalID == "passed":
				return nil, &orchestrator.ServiceError{Op: "replay_flow", Code: "conflict", Err: orchestrator.ErrExecutionNotFailed}
			case stepID == 99:
				return nil, &orchestrator.ServiceError{Op: "replay_flow", Code: "validation_error", Err: orchestrator.ErrStepNotInFlow}
			}

			original := originalID

			return &models.FlowExecution{ID: "replay-1", IsReplay: true, OriginalFlowExecutionID: &original}, nil
		},
		cancel: func(executionID string) (*models.FlowExecution, error) {
			if executionID == "missing" {
				return nil, persistence.NewRecordError("GetByID", "flow_execution", executionID, persistence.ErrFlowExecutionNotFound)
			}

			return &models.FlowExecution{ID: executionID, Status: models.StatusCancelled}, nil
		},
	}

	app, _ := setupTestApp(t, fake, nil)

	resp, body := doRequest(t, app, http.MethodPost, "/flow-executions/failed/replay/2")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var replay models.FlowExecution
	require.NoError(t, json.Unmarshal(body, &replay))
	assert.True(t, replay.IsReplay)

	resp, body = doRequest(t, app, http.MethodPost, "/flow-executions/passed/replay/2")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", problemType(t, body))

	resp, _ = doRequest(t, app, http.MethodPost, "/flow-executions/failed/replay/99")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, app, http.MethodPost, "/flow-executions/failed/replay/zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doRequest(t, app, http.MethodPost, "/flow-executions/exec-1/cancel")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), string(models.StatusCancelled))

	resp, body = doRequest(t, app, http.MethodPost, "/flow-executions/missing/cancel")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "flow_execution_not_found", problemType(t, body))
}

func TestAPIHandlers_GetFlowExecutionAndStatus(t *testing.T) {
	fake := &fakeOrchestrator{
		getExecution: func(executionID string) (*orchestrator.ExecutionDetails, error) {
			return &orchestrator.ExecutionDetails{
				FlowExecution:      &models.FlowExecution{ID: executionID, FlowID: 3, Status: models.StatusPassed},
				PipelineExecutions: []*models.PipelineExecution{{ID: 1, FlowStepID: 10, Status: models.StatusPassed}},
			}, nil
		},
	}

	app, _ := setupTestApp(t, fake, nil)

	resp, body := doRequest(t, app, http.MethodGet, "/flow-executions/exec-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var details map[string]any
	require.NoError(t, json.Unmarshal(body, &details))
	assert.Equal(t, "exec-1", details["id"])
	assert.Len(t, details["pipeline_executions"], 1)

	resp, body = doRequest(t, app, http.MethodGet, "/executor/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"active_threads":1,"max_threads":4,"queue_size":0,"available_capacity":7}`, string(body))
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	healthy := map[string]web.HealthChecker{"persistence": checkerFunc(func(context.Context) error { return nil })}
	app, _ := setupTestApp(t, &fakeOrchestrator{}, healthy)

	resp, body := doRequest(t, app, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"healthy"`)

	broken := map[string]web.HealthChecker{"persistence": checkerFunc(func(context.Context) error { return errors.New("disk full") })}
	app, _ = setupTestApp(t, &fakeOrchestrator{}, broken)

	resp, body = doRequest(t, app, http.MethodGet, "/health")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "disk full")
}

func TestAPIHandlers_StreamLogs(t *testing.T) {
	status := models.StatusRunning

	fake := &fakeOrchestrator{
		getExecution: func(executionID string) (*orchestrator.ExecutionDetails, error) {
			if executionID == "missing" {
				return nil, persistence.NewRecordError("GetByID", "flow_execution", executionID, persistence.ErrFlowExecutionNotFound)
			}

			return &orchestrator.ExecutionDetails{FlowExecution: &models.FlowExecution{ID: executionID, FlowID: 3, Status: status}}, nil
		},
	}

	app, hub := setupTestApp(t, fake, nil)

	go func() {
		deadline := time.Now().Add(4 * time.Second)
		for hub.Sessions("exec-1") == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		hub.Publish(logstream.Line{FlowExecutionID: "exec-1", Event: "step.started", Message: "Step 10 triggered pipeline 5"})
		hub.Publish(logstream.Line{FlowExecutionID: "exec-1", Event: "flow.execution.finished", Message: "done", Final: true})
	}()

	resp, body := doRequest(t, app, http.MethodGet, "/flow-executions/exec-1/logs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	stream := string(body)
	assert.Contains(t, stream, "event: step.started\n")
	assert.Contains(t, stream, "Step 10 triggered pipeline 5")
	assert.True(t, strings.Index(stream, "step.started") < strings.Index(stream, "event: flow.execution.finished"))
	assert.Equal(t, 0, hub.Sessions("exec-1"))

	status = models.StatusFailed

	resp, body = doRequest(t, app, http.MethodGet, "/flow-executions/exec-2/logs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "already finished with status FAILED")

	resp, _ = doRequest(t, app, http.MethodGet, "/flow-executions/missing/logs")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
