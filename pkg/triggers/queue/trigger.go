// Package queue admits flow executions requested through a Redis list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukex/orkestra/pkg/orchestrator"
	redis "github.com/redis/go-redis/v9"
	"github.com/xeipuuv/gojsonschema"
)

const DefaultQueue = "orkestra:executions"

var ErrInvalidRequest = errors.New("invalid execution request")

const requestSchema = `{
	"type": "object",
	"oneOf": [
		{
			"required": ["flowIds"],
			"properties": {
				"flowIds": {"type": "string", "pattern": "^\\s*[0-9]+(\\s*,\\s*[0-9]+)*\\s*$"},
				"category": {"type": "string"}
			},
			"not": {"required": ["flowGroupId"]}
		},
		{
			"required": ["flowGroupId"],
			"properties": {
				"flowGroupId": {"type": "integer", "minimum": 1}
			},
			"not": {"required": ["flowIds"]}
		}
	]
}`

var schemaLoader = gojsonschema.NewStringLoader(requestSchema)

// Request asks for either a list of flows or a flow group.
type Request struct {
	FlowIDs     string `json:"flowIds,omitempty"`
	Category    string `json:"category,omitempty"`
	FlowGroupID int64  `json:"flowGroupId,omitempty"`
}

// ParseRequest validates payload against the request schema.
func ParseRequest(payload []byte) (*Request, error) {
	var document any
	if err := json.Unmarshal(payload, &document); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(document))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}

	var request Request
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return &request, nil
}

// Executor admits flows and flow groups.
type Executor interface {
	ExecuteFlows(ctx context.Context, flowIDs []int64, execution orchestrator.ExecutionContext) (*orchestrator.AdmissionResult, error)
	ExecuteFlowGroup(ctx context.Context, groupID int64) (*orchestrator.AdmissionResult, error)
}

type Trigger struct {
	client   redis.UniversalClient
	queue    string
	executor Executor
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClient builds a client from a redis:// URL.
func NewClient(redisURL string) (redis.UniversalClient, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return redis.NewClient(options), nil
}

func NewTrigger(client redis.UniversalClient, queue string, executor Executor, logger *slog.Logger) *Trigger {
	if queue == "" {
		queue = DefaultQueue
	}

	return &Trigger{
		client:   client,
		queue:    queue,
		executor: executor,
		stopCh:   make(chan struct{}),
		logger:   logger.With("module", "queue_trigger", "queue", queue),
	}
}

func (t *Trigger) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := t.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	t.wg.Add(1)

	go t.consume(ctx)

	t.logger.InfoContext(ctx, "Queue trigger started")

	return nil
}

func (t *Trigger) consume(ctx context.Context) {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopCh:
			t.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			t.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer")

			return
		default:
			if err := t.processMessage(ctx); err != nil && ctx.Err() == nil {
				t.logger.ErrorContext(ctx, "Error processing message", "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (t *Trigger) processMessage(ctx context.Context) error {
	result, err := t.client.BLPop(ctx, 1*time.Second, t.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop message from queue: %w", err)
	}

	if len(result) < 2 {
		return nil
	}

	admission, err := t.Handle(ctx, []byte(result[1]))
	if err != nil {
		t.logger.WarnContext(ctx, "Dropping execution request", "message", result[1], "error", err)

		return nil
	}

	t.logger.InfoContext(ctx, "Execution request admitted",
		"accepted", admission.Summary.Accepted,
		"rejected", admission.Summary.Rejected)

	return nil
}

// Handle validates one queued message and admits the flows it names.
func (t *Trigger) Handle(ctx context.Context, payload []byte) (*orchestrator.AdmissionResult, error) {
	request, err := ParseRequest(payload)
	if err != nil {
		return nil, err
	}

	if request.FlowGroupID != 0 {
		return t.executor.ExecuteFlowGroup(ctx, request.FlowGroupID)
	}

	ids, err := orchestrator.ParseFlowIDs(request.FlowIDs)
	if err != nil {
		return nil, err
	}

	return t.executor.ExecuteFlows(ctx, ids, orchestrator.ExecutionContext{Category: request.Category})
}

func (t *Trigger) Stop(ctx context.Context) error {
	t.logger.InfoContext(ctx, "Stopping queue trigger")

	close(t.stopCh)
	t.wg.Wait()

	return t.client.Close()
}
