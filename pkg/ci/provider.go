// Package ci defines the contract the orchestrator consumes from an external CI/CD system.
package ci

import (
	"context"
	"errors"
	"fmt"
)

// ArtifactPath is where pipelines publish the variables they hand to later steps.
const ArtifactPath = "target/output.env"

// Pipeline status values reported by the provider.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrJobNotFound      = errors.New("job not found")
)

// Project identifies a CI project and the credential used to access it.
type Project struct {
	ID    string
	Token string
}

type TriggerRequest struct {
	Project   Project
	Ref       string
	Stage     string // stage whose job publishes the artifact
	Variables map[string]string
}

type Pipeline struct {
	ID     int64  `json:"id"`
	WebURL string `json:"web_url"`
	Status string `json:"status"`
}

type Job struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
	WebURL string `json:"web_url"`
}

// PipelineStatus is a provider status with its interpretation.
type PipelineStatus struct {
	Status     string
	Completed  bool
	Successful bool
}

// NewPipelineStatus classifies a raw status string.
func NewPipelineStatus(status string) PipelineStatus {
	switch status {
	case StatusSuccess:
		return PipelineStatus{Status: status, Completed: true, Successful: true}
	case StatusFailed, StatusCanceled:
		return PipelineStatus{Status: status, Completed: true}
	default:
		return PipelineStatus{Status: status}
	}
}

// Provider triggers and observes pipelines.
type Provider interface {
	TriggerPipeline(ctx context.Context, request TriggerRequest) (*Pipeline, error)
	PipelineStatus(ctx context.Context, project Project, pipelineID int64) (PipelineStatus, error)
	PipelineJobs(ctx context.Context, project Project, pipelineID int64) ([]Job, error)
	// DownloadArtifact returns ErrArtifactNotFound when the job has no such file.
	DownloadArtifact(ctx context.Context, project Project, jobID int64, path string) (string, error)
	ValidateConnection(ctx context.Context, project Project) error
}

// FindJob returns the successful job that ran in stage.
func FindJob(jobs []Job, stage string) (Job, error) {
	for _, job := range jobs {
		if job.Stage == stage && job.Status == StatusSuccess {
			return job, nil
		}
	}

	return Job{}, fmt.Errorf("%w: no successful job in stage %q", ErrJobNotFound, stage)
}

// APIError is a non-successful response from the provider.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsAPIError reports whether err carries a provider response with the given status code.
func IsAPIError(err error, statusCode int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == statusCode
	}

	return false
}
