package simulated

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/dukex/orkestra/pkg/envfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_Lifecycle(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	provider := NewProvider(logger, time.Minute)

	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return now }

	project := ci.Project{ID: "42"}

	pipeline, err := provider.TriggerPipeline(t.Context(), ci.TriggerRequest{Project: project, Ref: "main", Stage: "test"})
	require.NoError(t, err)
	assert.Contains(t, pipeline.WebURL, "/42/-/pipelines/")

	status, err := provider.PipelineStatus(t.Context(), project, pipeline.ID)
	require.NoError(t, err)
	assert.False(t, status.Completed)

	now = now.Add(time.Minute)

	status, err = provider.PipelineStatus(t.Context(), project, pipeline.ID)
	require.NoError(t, err)
	assert.True(t, status.Successful)

	jobs, err := provider.PipelineJobs(t.Context(), project, pipeline.ID)
	require.NoError(t, err)

	job, err := ci.FindJob(jobs, "test")
	require.NoError(t, err)

	artifact, err := provider.DownloadArtifact(t.Context(), project, job.ID, ci.ArtifactPath)
	require.NoError(t, err)

	variables, err := envfile.Parse(artifact)
	require.NoError(t, err)
	assert.Contains(t, variables, "MOCK_USER_ID")
	assert.Contains(t, variables, "MOCK_SESSION_TOKEN")
	assert.Contains(t, variables, "MOCK_TRANSACTION_ID")
}

func TestProvider_UnknownPipeline(t *testing.T) {
	provider := NewProvider(slog.New(slog.NewTextHandler(os.Stdout, nil)), 0)

	_, err := provider.PipelineStatus(t.Context(), ci.Project{}, 99)
	assert.True(t, ci.IsAPIError(err, 404))

	_, err = provider.DownloadArtifact(t.Context(), ci.Project{}, 99, ci.ArtifactPath)
	assert.ErrorIs(t, err, ci.ErrArtifactNotFound)
}
