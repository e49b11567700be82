// Package gitlab implements ci.Provider against the GitLab REST API v4.
package gitlab

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/dukex/orkestra/pkg/ci"
	"github.com/gofiber/fiber/v3/client"
)

const (
	DefaultBaseURL = "https://gitlab.com"

	tokenHeader = "PRIVATE-TOKEN"

	triggerTimeout  = 30 * time.Second
	statusTimeout   = 15 * time.Second
	jobsTimeout     = 30 * time.Second
	artifactTimeout = 60 * time.Second
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to a GitLab instance. Each call uses the token of the project it targets.
type Client struct {
	http    *client.Client
	logger  *slog.Logger
	baseURL string
}

func NewClient(config Config, logger *slog.Logger) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := client.New().SetBaseURL(baseURL + "/api/v4")
	if config.Timeout > 0 {
		httpClient.SetTimeout(config.Timeout)
	}

	return &Client{
		http:    httpClient,
		logger:  logger.With("module", "gitlab_client", "base_url", baseURL),
		baseURL: baseURL,
	}
}

type variable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type triggerBody struct {
	Ref       string     `json:"ref"`
	Variables []variable `json:"variables"`
}

func (c *Client) TriggerPipeline(ctx context.Context, request ci.TriggerRequest) (*ci.Pipeline, error) {
	body := triggerBody{Ref: request.Ref, Variables: make([]variable, 0, len(request.Variables))}
	for _, key := range slices.Sorted(maps.Keys(request.Variables)) {
		body.Variables = append(body.Variables, variable{Key: key, Value: request.Variables[key]})
	}

	c.logger.InfoContext(ctx, "Triggering pipeline",
		"project_id", request.Project.ID,
		"ref", request.Ref,
		"variables", len(body.Variables))

	resp, err := c.request(ctx, request.Project, triggerTimeout).
		SetJSON(body).
		Post(projectPath(request.Project, "/pipeline"))
	if err != nil {
		return nil, fmt.Errorf("failed to trigger pipeline for project %s: %w", request.Project.ID, err)
	}
	defer resp.Close()

	if err := checkResponse("trigger pipeline", resp); err != nil {
		return nil, err
	}

	var pipeline ci.Pipeline
	if err := resp.JSON(&pipeline); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline response: %w", err)
	}

	c.logger.InfoContext(ctx, "Pipeline triggered", "project_id", request.Project.ID, "pipeline_id", pipeline.ID)

	return &pipeline, nil
}

func (c *Client) PipelineStatus(ctx context.Context, project ci.Project, pipelineID int64) (ci.PipelineStatus, error) {
	resp, err := c.request(ctx, project, statusTimeout).
		Get(projectPath(project, fmt.Sprintf("/pipelines/%d", pipelineID)))
	if err != nil {
		return ci.PipelineStatus{}, fmt.Errorf("failed to get pipeline %d status: %w", pipelineID, err)
	}
	defer resp.Close()

	if err := checkResponse("get pipeline status", resp); err != nil {
		return ci.PipelineStatus{}, err
	}

	var pipeline ci.Pipeline
	if err := resp.JSON(&pipeline); err != nil {
		return ci.PipelineStatus{}, fmt.Errorf("failed to decode pipeline status: %w", err)
	}

	return ci.NewPipelineStatus(pipeline.Status), nil
}

func (c *Client) PipelineJobs(ctx context.Context, project ci.Project, pipelineID int64) ([]ci.Job, error) {
	resp, err := c.request(ctx, project, jobsTimeout).
		Get(projectPath(project, fmt.Sprintf("/pipelines/%d/jobs", pipelineID)))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs of pipeline %d: %w", pipelineID, err)
	}
	defer resp.Close()

	if err := checkResponse("list pipeline jobs", resp); err != nil {
		return nil, err
	}

	var jobs []ci.Job
	if err := resp.JSON(&jobs); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline jobs: %w", err)
	}

	return jobs, nil
}

func (c *Client) DownloadArtifact(ctx context.Context, project ci.Project, jobID int64, path string) (string, error) {
	resp, err := c.request(ctx, project, artifactTimeout).
		Get(projectPath(project, fmt.Sprintf("/jobs/%d/artifacts/%s", jobID, path)))
	if err != nil {
		return "", fmt.Errorf("failed to download artifact %s of job %d: %w", path, jobID, err)
	}
	defer resp.Close()

	if resp.StatusCode() == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s in job %d", ci.ErrArtifactNotFound, path, jobID)
	}

	if err := checkResponse("download artifact", resp); err != nil {
		return "", err
	}

	return resp.String(), nil
}

func (c *Client) ValidateConnection(ctx context.Context, project ci.Project) error {
	resp, err := c.request(ctx, project, statusTimeout).Get(projectPath(project, ""))
	if err != nil {
		return fmt.Errorf("failed to reach GitLab project %s: %w", project.ID, err)
	}
	defer resp.Close()

	return checkResponse("validate connection", resp)
}

func (c *Client) request(ctx context.Context, project ci.Project, timeout time.Duration) *client.Request {
	return c.http.R().
		SetContext(ctx).
		SetTimeout(timeout).
		SetHeader(tokenHeader, project.Token)
}

func projectPath(project ci.Project, suffix string) string {
	return "/projects/" + url.PathEscape(project.ID) + suffix
}

func checkResponse(op string, resp *client.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	return &ci.APIError{Op: op, StatusCode: code, Message: statusMessage(code)}
}

func statusMessage(code int) string {
	switch code {
	case http.StatusUnauthorized:
		return "Unauthorized - Invalid or expired access token"
	case http.StatusForbidden:
		return "Forbidden - Insufficient permissions"
	case http.StatusNotFound:
		return "Not Found - Project does not exist or no access"
	case http.StatusTooManyRequests:
		return "Too Many Requests - Rate limit exceeded"
	case http.StatusInternalServerError:
		return "Internal Server Error - GitLab server error"
	case http.StatusBadGateway:
		return "Bad Gateway - GitLab server unavailable"
	case http.StatusServiceUnavailable:
		return "Service Unavailable - GitLab server temporarily unavailable"
	default:
		return http.StatusText(code)
	}
}
