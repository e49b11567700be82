package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExecutionStatus_IsTerminal(t *testing.T) {
	for _, status := range []ExecutionStatus{StatusPassed, StatusFailed, StatusCancelled} {
		assert.True(t, status.IsTerminal(), status)
	}

	for _, status := range []ExecutionStatus{StatusPending, StatusRunning, StatusScheduled, StatusInProgress} {
		assert.False(t, status.IsTerminal(), status)
	}
}

func TestFlowGroup_Advance(t *testing.T) {
	group := &FlowGroup{Name: "nightly"}

	for i := 1; i <= MaxGroupIteration; i++ {
		group.Advance()
		assert.Equal(t, i, group.CurrentIteration)
		assert.Equal(t, 0, group.Revolutions)
	}

	group.Advance()
	assert.Equal(t, 1, group.CurrentIteration)
	assert.Equal(t, 1, group.Revolutions)
}

func TestMergeTestData_HigherIDWins(t *testing.T) {
	merged := MergeTestData([]*TestData{
		{ID: 9, Variables: map[string]string{"ENV": "staging", "USER": "bob"}},
		nil,
		{ID: 2, Variables: map[string]string{"ENV": "dev", "REGION": "eu"}},
	})

	assert.Equal(t, map[string]string{"ENV": "staging", "USER": "bob", "REGION": "eu"}, merged)
}

func TestPipelineExecution_IsDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, (&PipelineExecution{Status: StatusScheduled, ResumeTime: &past}).IsDue(now))
	assert.True(t, (&PipelineExecution{Status: StatusScheduled, ResumeTime: &now}).IsDue(now))
	assert.False(t, (&PipelineExecution{Status: StatusScheduled, ResumeTime: &future}).IsDue(now))
	assert.False(t, (&PipelineExecution{Status: StatusScheduled}).IsDue(now))
	assert.False(t, (&PipelineExecution{Status: StatusRunning, ResumeTime: &past}).IsDue(now))
}

func TestFlowExecution_Finish(t *testing.T) {
	execution := &FlowExecution{Status: StatusRunning}
	variables := map[string]string{"A": "1"}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	execution.Finish(StatusPassed, variables, at)
	variables["A"] = "changed"

	assert.Equal(t, StatusPassed, execution.Status)
	assert.Equal(t, at, *execution.EndTime)
	assert.Equal(t, "1", execution.RuntimeVariables["A"])
}
