// Package simulated provides a ci.Provider that never leaves the process. Pipelines succeed once a
// fixed latency has elapsed and publish a fabricated output artifact.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/dukex/orkestra/pkg/envfile"
	"github.com/google/uuid"
)

const DefaultLatency = 3 * time.Second

type pipeline struct {
	project   string
	stage     string
	triggered time.Time
}

type Provider struct {
	logger  *slog.Logger
	latency time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	pipelines map[int64]pipeline
	sequence  atomic.Int64
}

func NewProvider(logger *slog.Logger, latency time.Duration) *Provider {
	return &Provider{
		logger:    logger.With("module", "simulated_ci"),
		latency:   latency,
		now:       time.Now,
		pipelines: make(map[int64]pipeline),
	}
}

func (p *Provider) TriggerPipeline(ctx context.Context, request ci.TriggerRequest) (*ci.Pipeline, error) {
	triggered := p.now()
	id := triggered.UnixMilli()*1000 + p.sequence.Add(1)%1000

	p.mu.Lock()
	p.pipelines[id] = pipeline{project: request.Project.ID, stage: request.Stage, triggered: triggered}
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "Simulating pipeline",
		"project_id", request.Project.ID,
		"ref", request.Ref,
		"pipeline_id", id)

	return &ci.Pipeline{
		ID:     id,
		WebURL: fmt.Sprintf("https://gitlab.com/%s/-/pipelines/%d", request.Project.ID, id),
		Status: "created",
	}, nil
}

func (p *Provider) PipelineStatus(_ context.Context, _ ci.Project, pipelineID int64) (ci.PipelineStatus, error) {
	run, err := p.pipeline(pipelineID)
	if err != nil {
		return ci.PipelineStatus{}, err
	}

	if p.now().Sub(run.triggered) < p.latency {
		return ci.NewPipelineStatus("running"), nil
	}

	return ci.NewPipelineStatus(ci.StatusSuccess), nil
}

func (p *Provider) PipelineJobs(_ context.Context, _ ci.Project, pipelineID int64) ([]ci.Job, error) {
	run, err := p.pipeline(pipelineID)
	if err != nil {
		return nil, err
	}

	return []ci.Job{{
		ID:     pipelineID,
		Name:   run.stage,
		Stage:  run.stage,
		Status: ci.StatusSuccess,
		WebURL: fmt.Sprintf("https://gitlab.com/%s/-/jobs/%d", run.project, pipelineID),
	}}, nil
}

func (p *Provider) DownloadArtifact(_ context.Context, _ ci.Project, jobID int64, path string) (string, error) {
	if path != ci.ArtifactPath {
		return "", fmt.Errorf("%w: %s", ci.ErrArtifactNotFound, path)
	}

	if _, err := p.pipeline(jobID); err != nil {
		return "", fmt.Errorf("%w: job %d", ci.ErrArtifactNotFound, jobID)
	}

	millis := strconv.FormatInt(p.now().UnixMilli(), 10)

	return envfile.Format(map[string]string{
		"MOCK_USER_ID":        "user_" + millis,
		"MOCK_SESSION_TOKEN":  "token_" + uuid.New().String()[:8],
		"MOCK_TRANSACTION_ID": "txn_" + millis,
	}), nil
}

func (p *Provider) ValidateConnection(context.Context, ci.Project) error {
	return nil
}

func (p *Provider) pipeline(id int64) (pipeline, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	run, ok := p.pipelines[id]
	if !ok {
		return pipeline{}, &ci.APIError{Op: "get pipeline", StatusCode: 404, Message: "pipeline not found"}
	}

	return run, nil
}
