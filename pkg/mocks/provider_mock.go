// Package mocks provides testify mocks of the orchestrator's external collaborators.
package mocks

import (
	"context"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/stretchr/testify/mock"
)

// MockProvider is a mock implementation of ci.Provider interface.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) TriggerPipeline(ctx context.Context, request ci.TriggerRequest) (*ci.Pipeline, error) {
	args := m.Called(ctx, request)

	pipeline, _ := args.Get(0).(*ci.Pipeline)

	return pipeline, args.Error(1)
}

func (m *MockProvider) PipelineStatus(ctx context.Context, project ci.Project, pipelineID int64) (ci.PipelineStatus, error) {
	args := m.Called(ctx, project, pipelineID)

	return args.Get(0).(ci.PipelineStatus), args.Error(1) //nolint:forcetypeassert
}

func (m *MockProvider) PipelineJobs(ctx context.Context, project ci.Project, pipelineID int64) ([]ci.Job, error) {
	args := m.Called(ctx, project, pipelineID)

	jobs, _ := args.Get(0).([]ci.Job)

	return jobs, args.Error(1)
}

func (m *MockProvider) DownloadArtifact(ctx context.Context, project ci.Project, jobID int64, path string) (string, error) {
	args := m.Called(ctx, project, jobID, path)

	return args.String(0), args.Error(1)
}

func (m *MockProvider) ValidateConnection(ctx context.Context, project ci.Project) error {
	args := m.Called(ctx, project)

	return args.Error(0)
}
